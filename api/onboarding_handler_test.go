package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GoCodeAlone/controlplane/authbridge"
	"github.com/GoCodeAlone/controlplane/billing"
	"github.com/GoCodeAlone/controlplane/notify"
	"github.com/GoCodeAlone/controlplane/onboarding"
	"github.com/GoCodeAlone/controlplane/provision"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/vault"
)

// --- helpers ---

type apiFixture struct {
	handler   http.Handler
	tenants   *store.MockTenantStore
	sessions  *store.MockOnboardingStore
	subs      *store.MockSubscriptionStore
	notifier  *notify.MockNotifier
	processor *billing.MockProcessor
	orch      *provision.Orchestrator
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string) {}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	tenants := store.NewMockTenantStore()
	sessions := store.NewMockOnboardingStore()
	subs := store.NewMockSubscriptionStore()
	members := store.NewMockMembershipStore()
	invites := store.NewMockInviteStore()
	tokens := store.NewMockTokenStore()
	notifier := notify.NewMockNotifier()
	processor := billing.NewMockProcessor()

	v, err := vault.New("api-test-master-secret")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	machine := onboarding.NewMachine(tenants, sessions, members, invites, tokens, notifier, nil)
	reconciler := billing.NewReconciler(subs, members, processor, nil)
	bridge, err := authbridge.New(tenants, members, "bridge-secret", "controlplane-test")
	if err != nil {
		t.Fatalf("authbridge.New: %v", err)
	}
	orch := provision.NewOrchestrator(tenants, sessions, provision.NewMockAutomation(), v, noopInvalidator{}, nil)

	handler := NewRouter(Services{
		Machine:     machine,
		Reconciler:  reconciler,
		Bridge:      bridge,
		Provisioner: orch,
	}, Config{SessionSecret: "session-secret", SessionIssuer: "controlplane-test"})

	return &apiFixture{
		handler:   handler,
		tenants:   tenants,
		sessions:  sessions,
		subs:      subs,
		notifier:  notifier,
		processor: processor,
		orch:      orch,
	}
}

func makeJSON(v any) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

// do issues a request against the fixture's router, with an optional
// bearer token.
func (f *apiFixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = makeJSON(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Data
}

// signup registers a tenant and returns the owner's session token.
func (f *apiFixture) signup(t *testing.T, slug string) string {
	t.Helper()
	w := f.do("POST", "/api/v1/signup", "", map[string]string{
		"slug":  slug,
		"name":  "Acme Corp",
		"email": "owner@" + slug + ".test",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	token, _ := data["sessionToken"].(string)
	if token == "" {
		t.Fatal("signup returned no session token")
	}
	return token
}

func (f *apiFixture) advance(t *testing.T, token string, target onboarding.Stage) map[string]any {
	t.Helper()
	w := f.do("POST", "/api/v1/onboarding/advance", token, map[string]any{"target": string(target)})
	if w.Code != http.StatusOK {
		t.Fatalf("advance to %s: expected 200, got %d: %s", target, w.Code, w.Body.String())
	}
	return decodeData(t, w)
}

// completeOnboarding drives a fresh tenant all the way to ACTIVATED.
func (f *apiFixture) completeOnboarding(t *testing.T, slug string) string {
	t.Helper()
	token := f.signup(t, slug)

	code := f.notifier.Codes["owner@"+slug+".test"]
	if code == "" {
		t.Fatal("no verification code dispatched")
	}
	w := f.do("POST", "/api/v1/onboarding/verify-email", token, map[string]string{"code": code})
	if w.Code != http.StatusOK {
		t.Fatalf("verify-email: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	for _, target := range []onboarding.Stage{
		onboarding.StageDataroomCreated,
		onboarding.StageUseCaseSelected,
		onboarding.StageWorkflowSetup,
		onboarding.StageUsersInvited,
	} {
		f.advance(t, token, target)
	}

	w = f.do("POST", "/api/v1/billing/plan", token, map[string]string{"planId": "starter", "cycle": "monthly"})
	if w.Code != http.StatusOK {
		t.Fatalf("select plan: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	f.advance(t, token, onboarding.StagePlanSelected)
	f.advance(t, token, onboarding.StagePaymentCompleted)

	// Provisioning runs on a background goroutine kicked off by the
	// advance handler.
	f.orch.Wait()
	return token
}

// --- tests ---

func TestSignupFlowToActivation(t *testing.T) {
	f := newAPIFixture(t)
	token := f.completeOnboarding(t, "acme")

	w := f.do("GET", "/api/v1/onboarding", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	if data["stage"] != string(onboarding.StageActivated) {
		t.Errorf("stage = %v, want %s", data["stage"], onboarding.StageActivated)
	}
	if data["redirectUrl"] != "/dashboard" {
		t.Errorf("redirectUrl = %v, want /dashboard", data["redirectUrl"])
	}

	tenant, err := f.tenants.GetBySlug(context.Background(), "acme")
	if err != nil {
		t.Fatalf("load tenant: %v", err)
	}
	if tenant.Status != store.TenantActive {
		t.Errorf("tenant status = %s, want ACTIVE", tenant.Status)
	}
}

func TestSignupValidation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("POST", "/api/v1/signup", "", map[string]string{"slug": "Bad Slug!", "name": "X", "email": "x@y.test"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad slug: expected 400, got %d", w.Code)
	}

	f.signup(t, "acme")
	w = f.do("POST", "/api/v1/signup", "", map[string]string{"slug": "acme", "name": "Other", "email": "o@acme.test"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate slug: expected 409, got %d", w.Code)
	}
}

func TestAdvanceOutOfOrderIsNoOp(t *testing.T) {
	f := newAPIFixture(t)
	token := f.signup(t, "acme")

	// Email not verified yet; jumping ahead degrades to a no-op success.
	data := f.advance(t, token, onboarding.StageUseCaseSelected)
	if data["success"] != true {
		t.Error("out-of-order advance not reported as success")
	}
	if data["stage"] != string(onboarding.StageSignupStarted) {
		t.Errorf("stage = %v, want unchanged SIGNUP_STARTED", data["stage"])
	}
}

func TestAdvanceUnknownStage(t *testing.T) {
	f := newAPIFixture(t)
	token := f.signup(t, "acme")

	w := f.do("POST", "/api/v1/onboarding/advance", token, map[string]string{"target": "TOTALLY_DONE"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestVerifyEmailBadCode(t *testing.T) {
	f := newAPIFixture(t)
	token := f.signup(t, "acme")

	w := f.do("POST", "/api/v1/onboarding/verify-email", token, map[string]string{"code": "000000"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRequireSessionRejectsMissingOrBadToken(t *testing.T) {
	f := newAPIFixture(t)

	for name, token := range map[string]string{
		"missing": "",
		"garbage": "not-a-jwt",
	} {
		t.Run(name, func(t *testing.T) {
			w := f.do("GET", "/api/v1/onboarding", token, nil)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
		})
	}
}

func TestInviteFlow(t *testing.T) {
	f := newAPIFixture(t)
	token := f.signup(t, "acme")

	w := f.do("POST", "/api/v1/invites", token, map[string]string{"email": "colleague@acme.test", "role": "member"})
	if w.Code != http.StatusCreated {
		t.Fatalf("invite: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	inviteID, _ := data["id"].(string)
	if inviteID == "" {
		t.Fatal("invite response missing id")
	}
	if len(f.notifier.Invites) != 1 {
		t.Fatalf("invites dispatched = %d, want 1", len(f.notifier.Invites))
	}

	path := fmt.Sprintf("/api/v1/invites/%s/accept", inviteID)
	w = f.do("POST", path, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Second accept is rejected.
	w = f.do("POST", path, "", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", w.Code)
	}
}

func TestInviteOwnerRoleRejected(t *testing.T) {
	f := newAPIFixture(t)
	token := f.signup(t, "acme")

	w := f.do("POST", "/api/v1/invites", token, map[string]string{"email": "x@acme.test", "role": "owner"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTokenIssuanceAfterActivation(t *testing.T) {
	f := newAPIFixture(t)
	token := f.completeOnboarding(t, "acme")

	w := f.do("POST", "/api/v1/auth/token", token, map[string]string{"tenantSlug": "acme"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	if tok, _ := data["token"].(string); tok == "" {
		t.Error("no data-plane token issued")
	}
	user, _ := data["userSummary"].(map[string]any)
	if user["tenantSlug"] != "acme" || user["role"] != "owner" {
		t.Errorf("userSummary = %v", user)
	}
}

func TestTokenIssuanceBeforeActivationForbidden(t *testing.T) {
	f := newAPIFixture(t)
	token := f.signup(t, "acme")

	w := f.do("POST", "/api/v1/auth/token", token, map[string]string{"tenantSlug": "acme"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTokenIssuanceCrossTenant(t *testing.T) {
	f := newAPIFixture(t)
	acmeToken := f.completeOnboarding(t, "acme")
	f.completeOnboarding(t, "globex")

	w := f.do("POST", "/api/v1/auth/token", acmeToken, map[string]string{"tenantSlug": "globex"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
	}
}
