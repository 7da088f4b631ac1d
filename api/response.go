package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/GoCodeAlone/controlplane/authbridge"
	"github.com/GoCodeAlone/controlplane/billing"
	"github.com/GoCodeAlone/controlplane/onboarding"
	"github.com/GoCodeAlone/controlplane/provision"
	"github.com/GoCodeAlone/controlplane/router"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/vault"
)

// envelope is a standard JSON response wrapper.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: message})
}

// WriteDomainError maps a domain error to its HTTP status. Internal detail
// never leaks: unknown errors collapse to a plain 500.
func WriteDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrUnauthorized), errors.Is(err, authbridge.ErrInvalidToken):
		WriteError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, store.ErrForbidden), errors.Is(err, router.ErrSuspended):
		WriteError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate):
		WriteError(w, http.StatusConflict, "already exists")
	case errors.Is(err, store.ErrConflict), errors.Is(err, router.ErrNotProvisioned):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, billing.ErrUnknownPlan), errors.Is(err, onboarding.ErrUnknownStage), errors.Is(err, onboarding.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, billing.ErrServiceUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "billing temporarily unavailable")
	case errors.Is(err, provision.ErrProvisioningFailed):
		WriteError(w, http.StatusBadGateway, "provisioning failed")
	case errors.Is(err, vault.ErrDecryption):
		WriteError(w, http.StatusInternalServerError, "internal error")
	default:
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
