package onboarding

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/controlplane/notify"
	"github.com/GoCodeAlone/controlplane/store"
)

const (
	verificationCodeTTL = 15 * time.Minute
	inviteTTL           = 7 * 24 * time.Hour
)

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{1,61}[a-z0-9])?$`)

// ErrInvalidInput marks caller-correctable validation failures.
var ErrInvalidInput = errors.New("invalid input")

// Machine drives tenants through the ordered onboarding pipeline. All stage
// writes go through the store's compare-and-set update, so duplicated or
// out-of-order client calls can never move a tenant backwards or skip a
// stage.
type Machine struct {
	tenants  store.TenantStore
	sessions store.OnboardingStore
	members  store.MembershipStore
	invites  store.InviteStore
	tokens   store.TokenStore
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewMachine creates a Machine over the given directory stores.
func NewMachine(tenants store.TenantStore, sessions store.OnboardingStore, members store.MembershipStore, invites store.InviteStore, tokens store.TokenStore, notifier notify.Notifier, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		tenants:  tenants,
		sessions: sessions,
		members:  members,
		invites:  invites,
		tokens:   tokens,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// AdvanceResult is returned by Advance: the tenant's current stage after the
// call and the canonical route for it.
type AdvanceResult struct {
	Stage       Stage  `json:"stage"`
	RedirectURL string `json:"redirect_url"`
}

// Start registers a new tenant at signup: the tenant row (PROVISIONING, no
// secret), its onboarding session at SIGNUP_STARTED, the owner membership,
// and a one-time email verification code dispatched best-effort.
func (m *Machine) Start(ctx context.Context, slug, name, ownerEmail string, ownerID uuid.UUID) (*store.Tenant, error) {
	if !slugPattern.MatchString(slug) {
		return nil, fmt.Errorf("%w: tenant slug %q must be lowercase letters, digits, and hyphens", ErrInvalidInput, slug)
	}
	if name == "" || ownerEmail == "" {
		return nil, fmt.Errorf("%w: tenant name and owner email are required", ErrInvalidInput)
	}

	t := &store.Tenant{
		Slug:       slug,
		Name:       name,
		Status:     store.TenantProvisioning,
		OwnerEmail: ownerEmail,
	}
	if err := m.tenants.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}

	now := m.now()
	sess := &store.OnboardingSession{
		TenantID:   t.ID,
		Stage:      string(StageSignupStarted),
		Payloads:   map[string]json.RawMessage{},
		StageTimes: map[string]time.Time{string(StageSignupStarted): now},
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create onboarding session: %w", err)
	}

	if err := m.members.Create(ctx, &store.Membership{
		TenantID: t.ID,
		UserID:   ownerID,
		Email:    ownerEmail,
		Role:     store.RoleOwner,
	}); err != nil {
		return nil, fmt.Errorf("create owner membership: %w", err)
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("generate verification code: %w", err)
	}
	if err := m.tokens.Create(ctx, &store.VerificationToken{
		Email:     ownerEmail,
		Purpose:   store.PurposeEmailVerify,
		Code:      code,
		ExpiresAt: now.Add(verificationCodeTTL),
	}); err != nil {
		return nil, fmt.Errorf("create verification token: %w", err)
	}

	// Best-effort dispatch; onboarding does not depend on delivery.
	if err := m.notifier.SendVerificationCode(ctx, ownerEmail, code); err != nil {
		m.logger.Warn("verification email dispatch failed", "tenant", slug, "error", err)
	}

	return t, nil
}

// VerifyEmail consumes the one-time code and advances the tenant from
// SIGNUP_STARTED to EMAIL_VERIFIED. A consumed, expired, or unknown code is
// rejected without touching the stage.
func (m *Machine) VerifyEmail(ctx context.Context, sess store.Session, tenantID uuid.UUID, code string) (*AdvanceResult, error) {
	if _, err := m.tokens.Consume(ctx, sess.Email, store.PurposeEmailVerify, code, m.now()); err != nil {
		return nil, fmt.Errorf("verify email: %w", err)
	}
	return m.Advance(ctx, sess, tenantID, StageEmailVerified, nil)
}

// Advance moves the tenant toward target. The target must be the current
// stage (idempotent re-entry, payload overwritten, original timestamp kept)
// or its immediate successor; any other target is a no-op success so retried
// or out-of-order calls cannot break forward navigation. The returned
// redirect is the pure route lookup for the stage as stored after the call.
func (m *Machine) Advance(ctx context.Context, caller store.Session, tenantID uuid.UUID, target Stage, payload json.RawMessage) (*AdvanceResult, error) {
	if caller.TenantID != tenantID {
		return nil, fmt.Errorf("%w: session does not own tenant", store.ErrUnauthorized)
	}
	if _, err := m.members.GetByTenantUser(ctx, tenantID, caller.UserID); err != nil {
		return nil, fmt.Errorf("%w: no membership for tenant", store.ErrForbidden)
	}
	if _, ok := stageIndex[target]; !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownStage, target)
	}

	sess, err := m.sessions.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load onboarding session: %w", err)
	}
	current, err := ParseStage(sess.Stage)
	if err != nil {
		return nil, fmt.Errorf("stored stage: %w", err)
	}

	if wanted := m.writableTarget(current, target); wanted != "" {
		advanced, err := m.sessions.SetStage(ctx, tenantID, string(current), string(wanted), payload, m.now())
		if err != nil {
			return nil, fmt.Errorf("persist stage: %w", err)
		}
		if !advanced {
			// A concurrent caller won the compare-and-set. Their write is
			// equivalent or further along, so this call degrades to a no-op.
			m.logger.Debug("stage write lost race", "tenant_id", tenantID, "target", wanted)
		}
	}

	return m.currentResult(ctx, tenantID)
}

// Current returns the tenant's stage and redirect without mutating anything.
func (m *Machine) Current(ctx context.Context, caller store.Session, tenantID uuid.UUID) (*AdvanceResult, error) {
	if caller.TenantID != tenantID {
		return nil, fmt.Errorf("%w: session does not own tenant", store.ErrUnauthorized)
	}
	return m.currentResult(ctx, tenantID)
}

// writableTarget decides whether the requested target results in a write,
// and if so which stage value is written. Empty means no write.
func (m *Machine) writableTarget(current, target Stage) Stage {
	if current.Terminal() {
		// Session is frozen once activated.
		return ""
	}
	if target == current {
		return current
	}
	if next, ok := current.Next(); ok && target == next {
		return next
	}
	return ""
}

func (m *Machine) currentResult(ctx context.Context, tenantID uuid.UUID) (*AdvanceResult, error) {
	sess, err := m.sessions.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load onboarding session: %w", err)
	}
	stage, err := ParseStage(sess.Stage)
	if err != nil {
		return nil, fmt.Errorf("stored stage: %w", err)
	}
	return &AdvanceResult{Stage: stage, RedirectURL: RouteFor(stage)}, nil
}

// Invite records a pending invite and dispatches the invitation email
// best-effort. Only owners and admins may invite, and the owner role cannot
// be granted by invite.
func (m *Machine) Invite(ctx context.Context, caller store.Session, tenantID uuid.UUID, email string, role store.Role) (*store.PendingInvite, error) {
	if caller.TenantID != tenantID {
		return nil, fmt.Errorf("%w: session does not own tenant", store.ErrUnauthorized)
	}
	membership, err := m.members.GetByTenantUser(ctx, tenantID, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: no membership for tenant", store.ErrForbidden)
	}
	if membership.Role != store.RoleOwner && membership.Role != store.RoleAdmin {
		return nil, fmt.Errorf("%w: role %s may not invite users", store.ErrForbidden, membership.Role)
	}
	if role == store.RoleOwner || !store.ValidRoles[role] {
		return nil, fmt.Errorf("%w: invalid invite role %q", ErrInvalidInput, role)
	}
	if email == "" {
		return nil, fmt.Errorf("%w: invite email is required", ErrInvalidInput)
	}

	inv := &store.PendingInvite{
		TenantID:  tenantID,
		Email:     email,
		Role:      role,
		Status:    store.InvitePending,
		ExpiresAt: m.now().Add(inviteTTL),
	}
	if err := m.invites.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}

	tenant, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if err := m.notifier.SendInvite(ctx, email, tenant.Name, inv.ID.String()); err != nil {
		m.logger.Warn("invite email dispatch failed", "tenant", tenant.Slug, "error", err)
	}
	return inv, nil
}

// AcceptInvite consumes a pending invite and creates the membership. The
// invite flips to accepted exactly once; an expired or already-accepted
// invite is rejected with ErrConflict.
func (m *Machine) AcceptInvite(ctx context.Context, inviteID, userID uuid.UUID) (*store.Membership, error) {
	inv, err := m.invites.Get(ctx, inviteID)
	if err != nil {
		return nil, fmt.Errorf("load invite: %w", err)
	}
	ok, err := m.invites.MarkAccepted(ctx, inviteID, m.now())
	if err != nil {
		return nil, fmt.Errorf("accept invite: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: invite expired or already used", store.ErrConflict)
	}

	membership := &store.Membership{
		TenantID: inv.TenantID,
		UserID:   userID,
		Email:    inv.Email,
		Role:     inv.Role,
	}
	if err := m.members.Create(ctx, membership); err != nil {
		return nil, fmt.Errorf("create membership: %w", err)
	}
	return membership, nil
}

// generateCode returns a six-digit numeric one-time code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
