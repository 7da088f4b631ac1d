package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// MockTenantStore
// ---------------------------------------------------------------------------

// MockTenantStore is an in-memory implementation of TenantStore for testing.
type MockTenantStore struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*Tenant
}

// NewMockTenantStore creates a new MockTenantStore.
func NewMockTenantStore() *MockTenantStore {
	return &MockTenantStore{tenants: make(map[uuid.UUID]*Tenant)}
}

func (s *MockTenantStore) Create(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	for _, existing := range s.tenants {
		if existing.Slug == t.Slug {
			return ErrDuplicate
		}
	}
	if t.Status == "" {
		t.Status = TenantProvisioning
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

func (s *MockTenantStore) Get(_ context.Context, id uuid.UUID) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MockTenantStore) GetBySlug(_ context.Context, slug string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MockTenantStore) SetSecret(_ context.Context, id uuid.UUID, sealed string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return 0, ErrNotFound
	}
	t.ConnSecret = sealed
	t.SecretGen++
	t.Status = TenantActive
	t.UpdatedAt = time.Now()
	return t.SecretGen, nil
}

func (s *MockTenantStore) SetStatus(_ context.Context, id uuid.UUID, status TenantStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

// ---------------------------------------------------------------------------
// MockOnboardingStore
// ---------------------------------------------------------------------------

// MockOnboardingStore is an in-memory implementation of OnboardingStore.
type MockOnboardingStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*OnboardingSession // keyed by tenant id
}

// NewMockOnboardingStore creates a new MockOnboardingStore.
func NewMockOnboardingStore() *MockOnboardingStore {
	return &MockOnboardingStore{sessions: make(map[uuid.UUID]*OnboardingSession)}
}

func (s *MockOnboardingStore) Create(_ context.Context, sess *OnboardingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.TenantID]; exists {
		return ErrDuplicate
	}
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	if sess.Payloads == nil {
		sess.Payloads = make(map[string]json.RawMessage)
	}
	if sess.StageTimes == nil {
		sess.StageTimes = make(map[string]time.Time)
	}
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	s.sessions[sess.TenantID] = copySession(sess)
	return nil
}

func (s *MockOnboardingStore) GetByTenant(_ context.Context, tenantID uuid.UUID) (*OnboardingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(sess), nil
}

func (s *MockOnboardingStore) SetStage(_ context.Context, tenantID uuid.UUID, expect, target string, payload json.RawMessage, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tenantID]
	if !ok {
		return false, ErrNotFound
	}
	if sess.Stage != expect {
		return false, nil
	}
	sess.Stage = target
	if payload != nil {
		sess.Payloads[target] = append(json.RawMessage(nil), payload...)
	}
	if _, set := sess.StageTimes[target]; !set {
		sess.StageTimes[target] = now
	}
	sess.UpdatedAt = now
	return true, nil
}

func copySession(sess *OnboardingSession) *OnboardingSession {
	cp := *sess
	cp.Payloads = make(map[string]json.RawMessage, len(sess.Payloads))
	for k, v := range sess.Payloads {
		cp.Payloads[k] = append(json.RawMessage(nil), v...)
	}
	cp.StageTimes = make(map[string]time.Time, len(sess.StageTimes))
	for k, v := range sess.StageTimes {
		cp.StageTimes[k] = v
	}
	return &cp
}

// ---------------------------------------------------------------------------
// MockSubscriptionStore
// ---------------------------------------------------------------------------

// MockSubscriptionStore is an in-memory implementation of SubscriptionStore.
type MockSubscriptionStore struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*Subscription // keyed by subscription id
}

// NewMockSubscriptionStore creates a new MockSubscriptionStore.
func NewMockSubscriptionStore() *MockSubscriptionStore {
	return &MockSubscriptionStore{subs: make(map[uuid.UUID]*Subscription)}
}

func (s *MockSubscriptionStore) Create(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subs {
		if existing.TenantID == sub.TenantID {
			return ErrDuplicate
		}
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MockSubscriptionStore) GetByTenant(_ context.Context, tenantID uuid.UUID) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.TenantID == tenantID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MockSubscriptionStore) UpdatePlan(_ context.Context, id uuid.UUID, planID string, cycle BillingCycle, processorCustomerID, processorSubID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.PlanID = planID
	sub.Cycle = cycle
	sub.ProcessorCustomerID = processorCustomerID
	sub.ProcessorSubID = processorSubID
	sub.Status = SubscriptionActive
	sub.UpdatedAt = time.Now()
	return nil
}

func (s *MockSubscriptionStore) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	if sub.Status == SubscriptionCanceled {
		return false, nil
	}
	sub.Status = SubscriptionCanceled
	sub.CancelAtPeriodEnd = false
	sub.UpdatedAt = time.Now()
	return true, nil
}

func (s *MockSubscriptionStore) DeferCancel(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	if sub.Status == SubscriptionCanceled || sub.CancelAtPeriodEnd {
		return false, nil
	}
	sub.CancelAtPeriodEnd = true
	sub.UpdatedAt = time.Now()
	return true, nil
}

func (s *MockSubscriptionStore) Resume(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	if sub.Status == SubscriptionCanceled || !sub.CancelAtPeriodEnd {
		return false, nil
	}
	sub.CancelAtPeriodEnd = false
	sub.UpdatedAt = time.Now()
	return true, nil
}

// ---------------------------------------------------------------------------
// MockMembershipStore
// ---------------------------------------------------------------------------

// MockMembershipStore is an in-memory implementation of MembershipStore.
type MockMembershipStore struct {
	mu          sync.Mutex
	memberships map[uuid.UUID]*Membership
}

// NewMockMembershipStore creates a new MockMembershipStore.
func NewMockMembershipStore() *MockMembershipStore {
	return &MockMembershipStore{memberships: make(map[uuid.UUID]*Membership)}
}

func (s *MockMembershipStore) Create(_ context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.memberships {
		if existing.TenantID == m.TenantID && existing.UserID == m.UserID {
			return ErrDuplicate
		}
		if existing.TenantID == m.TenantID && m.Role == RoleOwner && existing.Role == RoleOwner {
			return ErrConflict
		}
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := *m
	s.memberships[m.ID] = &cp
	return nil
}

func (s *MockMembershipStore) GetByTenantUser(_ context.Context, tenantID, userID uuid.UUID) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.TenantID == tenantID && m.UserID == userID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MockMembershipStore) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Membership
	for _, m := range s.memberships {
		if m.TenantID == tenantID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// MockInviteStore
// ---------------------------------------------------------------------------

// MockInviteStore is an in-memory implementation of InviteStore.
type MockInviteStore struct {
	mu      sync.Mutex
	invites map[uuid.UUID]*PendingInvite
}

// NewMockInviteStore creates a new MockInviteStore.
func NewMockInviteStore() *MockInviteStore {
	return &MockInviteStore{invites: make(map[uuid.UUID]*PendingInvite)}
}

func (s *MockInviteStore) Create(_ context.Context, inv *PendingInvite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.Status == "" {
		inv.Status = InvitePending
	}
	inv.CreatedAt = time.Now()
	cp := *inv
	s.invites[inv.ID] = &cp
	return nil
}

func (s *MockInviteStore) Get(_ context.Context, id uuid.UUID) (*PendingInvite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *MockInviteStore) MarkAccepted(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return false, ErrNotFound
	}
	if inv.Status != InvitePending || now.After(inv.ExpiresAt) {
		return false, nil
	}
	inv.Status = InviteAccepted
	return true, nil
}

// ---------------------------------------------------------------------------
// MockTokenStore
// ---------------------------------------------------------------------------

// MockTokenStore is an in-memory implementation of TokenStore.
type MockTokenStore struct {
	mu     sync.Mutex
	tokens []*VerificationToken
}

// NewMockTokenStore creates a new MockTokenStore.
func NewMockTokenStore() *MockTokenStore {
	return &MockTokenStore{}
}

func (s *MockTokenStore) Create(_ context.Context, t *VerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now()
	cp := *t
	s.tokens = append(s.tokens, &cp)
	return nil
}

func (s *MockTokenStore) Consume(_ context.Context, email string, purpose TokenPurpose, code string, now time.Time) (*VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Email != email || t.Purpose != purpose || t.Code != code {
			continue
		}
		if t.ConsumedAt != nil || now.After(t.ExpiresAt) {
			return nil, ErrConflict
		}
		consumed := now
		t.ConsumedAt = &consumed
		cp := *t
		return &cp, nil
	}
	return nil, ErrNotFound
}
