package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPAutomation talks to the infrastructure-automation service over HTTP.
// The backend creates resources idempotently by name: a repeated POST for
// the same name returns the existing resources with a 200 instead of a 201.
type HTTPAutomation struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAutomation creates an HTTPAutomation against the given base URL.
func NewHTTPAutomation(baseURL string) *HTTPAutomation {
	return &HTTPAutomation{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// CreateTenantResources implements Automation.
func (a *HTTPAutomation) CreateTenantResources(ctx context.Context, name string) (*TenantResources, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/tenants", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("automation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("automation returned %d for %s", resp.StatusCode, name)
	}
	// TenantResources never serializes its connection string, so the wire
	// shape is decoded separately.
	var wire struct {
		ConnectionString string `json:"connection_string"`
		BucketName       string `json:"bucket_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode automation response: %w", err)
	}
	if wire.ConnectionString == "" {
		return nil, fmt.Errorf("automation returned no connection string for %s", name)
	}
	return &TenantResources{ConnectionString: wire.ConnectionString, BucketName: wire.BucketName}, nil
}
