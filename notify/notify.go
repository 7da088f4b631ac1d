package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Notifier dispatches transactional email. Delivery is fire-and-forget and
// best-effort: the control plane never retries, and callers must not depend
// on delivery for correctness.
type Notifier interface {
	// SendVerificationCode emails a one-time verification code.
	SendVerificationCode(ctx context.Context, email, code string) error
	// SendInvite emails an invitation to join a tenant.
	SendInvite(ctx context.Context, email, tenantName, inviteID string) error
}

// LogNotifier writes notifications to the log instead of sending them. It
// stands in for a real mail integration in development; the code itself is
// never logged.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendVerificationCode(_ context.Context, email, _ string) error {
	n.logger.Info("verification code issued", "email", email)
	return nil
}

func (n *LogNotifier) SendInvite(_ context.Context, email, tenantName, inviteID string) error {
	n.logger.Info("invite dispatched", "email", email, "tenant", tenantName, "invite_id", inviteID)
	return nil
}

// MockNotifier records dispatched notifications for tests.
type MockNotifier struct {
	mu sync.Mutex

	// Codes maps email -> last verification code sent.
	Codes map[string]string
	// Invites collects (email, inviteID) pairs.
	Invites []InviteEntry

	SendErr error
}

// InviteEntry records a single invite dispatch.
type InviteEntry struct {
	Email    string
	InviteID string
}

// NewMockNotifier creates a MockNotifier ready for use.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{Codes: make(map[string]string)}
}

func (n *MockNotifier) SendVerificationCode(_ context.Context, email, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.SendErr != nil {
		return n.SendErr
	}
	n.Codes[email] = code
	return nil
}

func (n *MockNotifier) SendInvite(_ context.Context, email, _ string, inviteID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.SendErr != nil {
		return n.SendErr
	}
	n.Invites = append(n.Invites, InviteEntry{Email: email, InviteID: inviteID})
	return nil
}
