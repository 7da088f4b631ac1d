package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/controlplane/onboarding"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/vault"
)

// Common errors.
var (
	// ErrProvisioningFailed is returned when the infrastructure backend
	// call fails. The tenant stays at PROVISIONING and the operation is
	// safe to retry.
	ErrProvisioningFailed = errors.New("provision: provisioning failed")

	// ErrNotEligible is returned when the tenant's onboarding stage is
	// neither PAYMENT_COMPLETED nor PROVISIONING.
	ErrNotEligible = errors.New("provision: tenant not eligible for provisioning")
)

// defaultTimeout bounds a single provisioning attempt launched in the
// background. Infrastructure creation runs seconds to minutes.
const defaultTimeout = 10 * time.Minute

// Invalidator evicts a tenant's cached data-plane handle. Satisfied by
// router.Router.
type Invalidator interface {
	Invalidate(slug string)
}

// Orchestrator provisions a tenant's isolated database and storage bucket,
// seals the resulting connection string, and activates the tenant. Every
// step is idempotent under at-least-once delivery: a duplicate run for an
// already-provisioned tenant is a no-op, relying on the automation
// backend's idempotent-create-by-name contract.
type Orchestrator struct {
	tenants     store.TenantStore
	sessions    store.OnboardingStore
	automation  Automation
	vault       *vault.Vault
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time

	wg      sync.WaitGroup
	timeout time.Duration
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(tenants store.TenantStore, sessions store.OnboardingStore, automation Automation, v *vault.Vault, invalidator Invalidator, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		tenants:     tenants,
		sessions:    sessions,
		automation:  automation,
		vault:       v,
		invalidator: invalidator,
		logger:      logger,
		now:         time.Now,
		timeout:     defaultTimeout,
	}
}

// ResourceName derives the deterministic infrastructure resource name for a
// tenant slug. The same slug always yields the same name; the automation
// backend's idempotency keys off it.
func ResourceName(slug string) string {
	return "tenant-" + strings.ToLower(slug)
}

// Start launches provisioning in the background and returns immediately.
// Completion is observed through the tenant's stage reaching ACTIVATED; the
// caller is never blocked on infrastructure creation.
func (o *Orchestrator) Start(tenantID uuid.UUID) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		defer cancel()
		if err := o.Provision(ctx, tenantID); err != nil {
			o.logger.Error("provisioning attempt failed", "tenant_id", tenantID, "error", err)
		}
	}()
}

// Wait blocks until all background provisioning attempts finish. Used on
// shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Provision runs one provisioning attempt synchronously.
//
// It only runs when the tenant's stage is PAYMENT_COMPLETED or PROVISIONING
// (the latter supports resumable retry); once the stage is ACTIVATED the
// call is a no-op success. On backend failure the stage stays at
// PROVISIONING and ErrProvisioningFailed is returned; nothing already
// onboarded is rolled back.
func (o *Orchestrator) Provision(ctx context.Context, tenantID uuid.UUID) error {
	tenant, err := o.tenants.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}
	sess, err := o.sessions.GetByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load onboarding session: %w", err)
	}

	stage, err := onboarding.ParseStage(sess.Stage)
	if err != nil {
		return fmt.Errorf("stored stage: %w", err)
	}
	switch stage {
	case onboarding.StageActivated:
		// Duplicate delivery after success.
		return nil
	case onboarding.StagePaymentCompleted:
		if _, err := o.sessions.SetStage(ctx, tenantID, string(onboarding.StagePaymentCompleted), string(onboarding.StageProvisioning), nil, o.now()); err != nil {
			return fmt.Errorf("enter provisioning stage: %w", err)
		}
	case onboarding.StageProvisioning:
		// Resumed retry after an earlier failure or crash.
	default:
		return fmt.Errorf("%w: stage %s", ErrNotEligible, stage)
	}

	name := ResourceName(tenant.Slug)
	res, err := o.automation.CreateTenantResources(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: create resources for %s: %v", ErrProvisioningFailed, name, err)
	}

	sealed, err := o.vault.Encrypt(res.ConnectionString)
	if err != nil {
		return fmt.Errorf("%w: seal connection secret: %v", ErrProvisioningFailed, err)
	}

	gen, err := o.tenants.SetSecret(ctx, tenantID, sealed)
	if err != nil {
		return fmt.Errorf("persist connection secret: %w", err)
	}

	// The secret just changed; drop any handle established under the old
	// generation before anyone resolves again.
	o.invalidator.Invalidate(tenant.Slug)

	payload, err := json.Marshal(map[string]string{
		"resource_name": name,
		"bucket_name":   res.BucketName,
	})
	if err != nil {
		return fmt.Errorf("marshal activation payload: %w", err)
	}
	advanced, err := o.sessions.SetStage(ctx, tenantID, string(onboarding.StageProvisioning), string(onboarding.StageActivated), payload, o.now())
	if err != nil {
		return fmt.Errorf("activate tenant: %w", err)
	}
	if !advanced {
		// A concurrent attempt already activated; both wrote the same
		// backend resources, so this is convergence, not conflict.
		o.logger.Debug("activation raced with concurrent attempt", "tenant_id", tenantID)
	}

	o.logger.Info("tenant provisioned",
		"slug", tenant.Slug,
		"resource", name,
		"bucket", res.BucketName,
		"secret_generation", gen,
	)
	return nil
}
