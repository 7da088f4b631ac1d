package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TenantStore defines persistence operations for tenants. Lookups are keyed
// by id or unique slug; tenants are never hard-deleted.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	// SetSecret atomically writes the sealed connection secret, increments
	// the secret generation, and marks the tenant ACTIVE. It returns the new
	// generation.
	SetSecret(ctx context.Context, id uuid.UUID, sealed string) (int64, error)
	SetStatus(ctx context.Context, id uuid.UUID, status TenantStatus) error
}

// OnboardingStore defines persistence operations for onboarding sessions.
type OnboardingStore interface {
	Create(ctx context.Context, s *OnboardingSession) error
	GetByTenant(ctx context.Context, tenantID uuid.UUID) (*OnboardingSession, error)
	// SetStage compares the stored stage against expect and, only when they
	// match, writes target together with its payload in one atomic update.
	// The target stage's timestamp is set on first reach and preserved on
	// re-entry. It returns false (and no error) when the stored stage does
	// not match expect, so stale writers degrade to a no-op.
	SetStage(ctx context.Context, tenantID uuid.UUID, expect, target string, payload json.RawMessage, now time.Time) (bool, error)
}

// SubscriptionStore defines persistence operations for subscriptions. The
// three mutation methods are compare-and-set updates: each checks its
// precondition inside the same atomic operation as the write and reports
// false when the precondition no longer holds.
type SubscriptionStore interface {
	Create(ctx context.Context, s *Subscription) error
	GetByTenant(ctx context.Context, tenantID uuid.UUID) (*Subscription, error)
	// UpdatePlan records a plan selection and the processor ids backing it.
	// The ids are written verbatim; pass the existing values to keep them
	// and empty strings to clear them.
	UpdatePlan(ctx context.Context, id uuid.UUID, planID string, cycle BillingCycle, processorCustomerID, processorSubID string) error
	// Cancel moves the subscription to canceled and clears the deferred
	// cancellation flag. False when already canceled.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	// DeferCancel sets cancel-at-period-end. False when already canceled or
	// already deferred.
	DeferCancel(ctx context.Context, id uuid.UUID) (bool, error)
	// Resume clears cancel-at-period-end. False unless the flag was set on a
	// non-canceled subscription.
	Resume(ctx context.Context, id uuid.UUID) (bool, error)
}

// MembershipStore defines persistence operations for tenant memberships.
type MembershipStore interface {
	// Create inserts a membership. It rejects a second owner for the same
	// tenant with ErrConflict and a duplicate (tenant, user) pair with
	// ErrDuplicate.
	Create(ctx context.Context, m *Membership) error
	GetByTenantUser(ctx context.Context, tenantID, userID uuid.UUID) (*Membership, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*Membership, error)
}

// InviteStore defines persistence operations for pending invites.
type InviteStore interface {
	Create(ctx context.Context, inv *PendingInvite) error
	Get(ctx context.Context, id uuid.UUID) (*PendingInvite, error)
	// MarkAccepted flips a pending, unexpired invite to accepted. False when
	// the invite is no longer pending or has expired.
	MarkAccepted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// TokenStore defines persistence operations for verification tokens.
type TokenStore interface {
	Create(ctx context.Context, t *VerificationToken) error
	// Consume marks a matching live token as used, exactly once. It returns
	// ErrNotFound when no token matches (email, purpose, code) and
	// ErrConflict when the token exists but is expired or already consumed.
	Consume(ctx context.Context, email string, purpose TokenPurpose, code string, now time.Time) (*VerificationToken, error)
}
