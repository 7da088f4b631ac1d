package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role represents a membership role within a tenant.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ValidRoles is the set of valid role values.
var ValidRoles = map[Role]bool{
	RoleOwner:  true,
	RoleAdmin:  true,
	RoleMember: true,
}

// TenantStatus represents the lifecycle status of a tenant.
type TenantStatus string

const (
	TenantProvisioning TenantStatus = "PROVISIONING"
	TenantActive       TenantStatus = "ACTIVE"
	TenantSuspended    TenantStatus = "SUSPENDED"
)

// ValidTenantStatuses is the set of valid tenant status values.
var ValidTenantStatuses = map[TenantStatus]bool{
	TenantProvisioning: true,
	TenantActive:       true,
	TenantSuspended:    true,
}

// SubscriptionStatus represents the billing status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// BillingCycle represents how often a subscription renews.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// InviteStatus represents the state of a pending invite.
type InviteStatus string

const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteExpired  InviteStatus = "expired"
)

// TokenPurpose identifies what a verification token authorizes.
type TokenPurpose string

const (
	PurposeEmailVerify TokenPurpose = "email_verify"
	PurposeInvite      TokenPurpose = "invite"
)

// Tenant represents one onboarded customer organization. The slug is
// immutable once assigned and globally unique. ConnSecret holds the
// vault-sealed connection string for the tenant's isolated database; it is
// empty until provisioning completes and is never stored in plaintext.
// SecretGen increments every time ConnSecret is rewritten, so cached
// data-plane handles can detect staleness.
type Tenant struct {
	ID         uuid.UUID    `json:"id"`
	Slug       string       `json:"slug"`
	Name       string       `json:"name"`
	Status     TenantStatus `json:"status"`
	ConnSecret string       `json:"-"`
	SecretGen  int64        `json:"-"`
	OwnerEmail string       `json:"owner_email"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// OnboardingSession tracks a tenant's progress through the onboarding
// pipeline. Stage holds the current stage name; Payloads and StageTimes are
// keyed by stage name. A stage's timestamp is set the first time the stage
// is reached and never reset.
type OnboardingSession struct {
	ID         uuid.UUID                  `json:"id"`
	TenantID   uuid.UUID                  `json:"tenant_id"`
	Stage      string                     `json:"stage"`
	Payloads   map[string]json.RawMessage `json:"payloads,omitempty"`
	StageTimes map[string]time.Time       `json:"stage_times,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// Subscription represents a tenant's billing subscription. ProcessorSubID
// and ProcessorCustomerID are opaque ids at the external payment processor,
// empty when the tenant has no paid billing. CancelAtPeriodEnd and a
// canceled Status are mutually exclusive.
type Subscription struct {
	ID                  uuid.UUID          `json:"id"`
	TenantID            uuid.UUID          `json:"tenant_id"`
	PlanID              string             `json:"plan_id"`
	Cycle               BillingCycle       `json:"cycle"`
	Status              SubscriptionStatus `json:"status"`
	ProcessorSubID      string             `json:"processor_subscription_id,omitempty"`
	ProcessorCustomerID string             `json:"processor_customer_id,omitempty"`
	CancelAtPeriodEnd   bool               `json:"cancel_at_period_end"`
	CurrentPeriodEnd    time.Time          `json:"current_period_end"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Membership represents a user's role within a tenant. At most one
// membership per tenant carries RoleOwner.
type Membership struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingInvite represents an outstanding invitation to join a tenant.
type PendingInvite struct {
	ID        uuid.UUID    `json:"id"`
	TenantID  uuid.UUID    `json:"tenant_id"`
	Email     string       `json:"email"`
	Role      Role         `json:"role"`
	Status    InviteStatus `json:"status"`
	ExpiresAt time.Time    `json:"expires_at"`
	CreatedAt time.Time    `json:"created_at"`
}

// VerificationToken is a single-use, expiring code bound to an email address
// and a purpose.
type VerificationToken struct {
	ID         uuid.UUID    `json:"id"`
	Email      string       `json:"email"`
	Purpose    TokenPurpose `json:"purpose"`
	Code       string       `json:"-"`
	ExpiresAt  time.Time    `json:"expires_at"`
	ConsumedAt *time.Time   `json:"consumed_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Session represents an authenticated user session as seen by the control
// plane. TenantID is the single tenant the session belongs to.
type Session struct {
	UserID   uuid.UUID `json:"user_id"`
	Email    string    `json:"email"`
	TenantID uuid.UUID `json:"tenant_id"`
}
