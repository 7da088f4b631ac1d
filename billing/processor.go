package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GoCodeAlone/controlplane/store"
)

// ErrServiceUnavailable is returned when the payment processor must be
// consulted for a mutation but is unconfigured or unreachable. The local
// subscription record is left untouched so it cannot drift from the
// processor's view.
var ErrServiceUnavailable = errors.New("billing: payment processor unavailable")

// Processor abstracts the external payment processor. Every method takes
// opaque ids minted by the processor itself.
type Processor interface {
	// CreateCustomer registers a billing customer for the tenant.
	CreateCustomer(ctx context.Context, tenantID, email string) (customerID string, err error)
	// CreateSubscription starts a paid subscription for the customer.
	CreateSubscription(ctx context.Context, customerID, planID string, cycle store.BillingCycle) (subscriptionID string, err error)
	// UpdateSubscription moves an existing live subscription to a different
	// plan or cycle in place, so a plan change never leaves two
	// subscriptions billing.
	UpdateSubscription(ctx context.Context, subscriptionID, planID string, cycle store.BillingCycle) error
	// SetCancelAtPeriodEnd schedules or unschedules cancellation at the end
	// of the current billing period.
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error
	// CancelNow terminates the subscription immediately. Terminating an
	// already-terminated subscription is a no-op.
	CancelNow(ctx context.Context, subscriptionID string) error
	// PortalSession creates a self-service billing portal session and
	// returns its URL.
	PortalSession(ctx context.Context, customerID, returnURL string) (url string, err error)
}

// ---------- Mock implementation ----------

// mockSub is the processor-side view of a subscription.
type mockSub struct {
	CustomerID        string
	PlanID            string
	Cycle             store.BillingCycle
	CancelAtPeriodEnd bool
	Canceled          bool
}

// MockProcessor is a test double that records calls and returns
// configurable results.
type MockProcessor struct {
	mu sync.Mutex

	// Customers maps tenantID -> customerID.
	Customers map[string]string
	// Subs maps subscriptionID -> processor-side state.
	Subs map[string]*mockSub
	// CancelNowCount counts transitions into the terminated state, not
	// calls: a repeat CancelNow on a dead subscription does not increment.
	CancelNowCount int

	// Err, when set, fails every call, simulating an unreachable backend.
	Err error

	nextCustomerSeq int
	nextSubSeq      int
}

// NewMockProcessor creates a MockProcessor ready for use.
func NewMockProcessor() *MockProcessor {
	return &MockProcessor{
		Customers: make(map[string]string),
		Subs:      make(map[string]*mockSub),
	}
}

func (m *MockProcessor) CreateCustomer(_ context.Context, tenantID, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if id, ok := m.Customers[tenantID]; ok {
		return id, nil
	}
	m.nextCustomerSeq++
	id := fmt.Sprintf("cus_mock_%d", m.nextCustomerSeq)
	m.Customers[tenantID] = id
	return id, nil
}

func (m *MockProcessor) CreateSubscription(_ context.Context, customerID, planID string, cycle store.BillingCycle) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	found := false
	for _, cid := range m.Customers {
		if cid == customerID {
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("billing: unknown customer %s", customerID)
	}
	m.nextSubSeq++
	id := fmt.Sprintf("sub_mock_%d", m.nextSubSeq)
	m.Subs[id] = &mockSub{CustomerID: customerID, PlanID: planID, Cycle: cycle}
	return id, nil
}

func (m *MockProcessor) UpdateSubscription(_ context.Context, subscriptionID, planID string, cycle store.BillingCycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	sub, ok := m.Subs[subscriptionID]
	if !ok {
		return fmt.Errorf("billing: unknown subscription %s", subscriptionID)
	}
	if sub.Canceled {
		return fmt.Errorf("billing: subscription %s already terminated", subscriptionID)
	}
	sub.PlanID = planID
	sub.Cycle = cycle
	return nil
}

func (m *MockProcessor) SetCancelAtPeriodEnd(_ context.Context, subscriptionID string, cancel bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	sub, ok := m.Subs[subscriptionID]
	if !ok {
		return fmt.Errorf("billing: unknown subscription %s", subscriptionID)
	}
	if sub.Canceled {
		return fmt.Errorf("billing: subscription %s already terminated", subscriptionID)
	}
	sub.CancelAtPeriodEnd = cancel
	return nil
}

func (m *MockProcessor) CancelNow(_ context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	sub, ok := m.Subs[subscriptionID]
	if !ok {
		return fmt.Errorf("billing: unknown subscription %s", subscriptionID)
	}
	if !sub.Canceled {
		sub.Canceled = true
		sub.CancelAtPeriodEnd = false
		m.CancelNowCount++
	}
	return nil
}

func (m *MockProcessor) PortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	return fmt.Sprintf("https://billing.mock/portal/%s?return=%s", customerID, returnURL), nil
}

// LiveSubs returns how many processor-side subscriptions are still billing.
func (m *MockProcessor) LiveSubs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sub := range m.Subs {
		if !sub.Canceled {
			n++
		}
	}
	return n
}

// Sub returns a copy of the processor-side subscription state, for tests.
func (m *MockProcessor) Sub(subscriptionID string) (mockSub, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.Subs[subscriptionID]
	if !ok {
		return mockSub{}, false
	}
	return *sub, true
}
