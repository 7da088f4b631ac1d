package api

import (
	"net/http"

	"github.com/GoCodeAlone/controlplane/authbridge"
	"github.com/GoCodeAlone/controlplane/billing"
	"github.com/GoCodeAlone/controlplane/onboarding"
)

// Config holds configuration for the API layer.
type Config struct {
	SessionSecret string
	SessionIssuer string
}

// Services groups the domain services the API fronts.
type Services struct {
	Machine     *onboarding.Machine
	Reconciler  *billing.Reconciler
	Bridge      *authbridge.Bridge
	Provisioner Provisioner
}

// NewRouter creates an http.Handler with all API v1 routes registered.
func NewRouter(svc Services, cfg Config) http.Handler {
	mux := http.NewServeMux()

	sessions := NewSessionCodec(cfg.SessionSecret, cfg.SessionIssuer)
	mw := NewMiddleware(sessions)

	// --- Onboarding ---
	onbH := NewOnboardingHandler(svc.Machine, sessions, svc.Provisioner)
	mux.HandleFunc("POST /api/v1/signup", onbH.Signup)
	mux.Handle("GET /api/v1/onboarding", mw.RequireSession(http.HandlerFunc(onbH.Current)))
	mux.Handle("POST /api/v1/onboarding/verify-email", mw.RequireSession(http.HandlerFunc(onbH.VerifyEmail)))
	mux.Handle("POST /api/v1/onboarding/advance", mw.RequireSession(http.HandlerFunc(onbH.Advance)))
	mux.Handle("POST /api/v1/invites", mw.RequireSession(http.HandlerFunc(onbH.Invite)))
	mux.HandleFunc("POST /api/v1/invites/{id}/accept", onbH.AcceptInvite)

	// --- Billing ---
	billH := NewBillingHandler(svc.Reconciler)
	mux.HandleFunc("GET /api/v1/billing/plans", billH.Plans)
	mux.Handle("POST /api/v1/billing/plan", mw.RequireSession(http.HandlerFunc(billH.SelectPlan)))
	mux.Handle("POST /api/v1/billing/cancel", mw.RequireSession(http.HandlerFunc(billH.Cancel)))
	mux.Handle("POST /api/v1/billing/resume", mw.RequireSession(http.HandlerFunc(billH.Resume)))
	mux.Handle("POST /api/v1/billing/portal", mw.RequireSession(http.HandlerFunc(billH.Portal)))

	// --- Data-plane tokens ---
	tokH := NewTokenHandler(svc.Bridge)
	mux.Handle("POST /api/v1/auth/token", mw.RequireSession(http.HandlerFunc(tokH.Issue)))

	return mux
}
