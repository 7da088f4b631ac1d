package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/controlplane/notify"
	"github.com/GoCodeAlone/controlplane/store"
)

type machineFixture struct {
	machine  *Machine
	tenants  *store.MockTenantStore
	sessions *store.MockOnboardingStore
	members  *store.MockMembershipStore
	invites  *store.MockInviteStore
	tokens   *store.MockTokenStore
	notifier *notify.MockNotifier
}

func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()
	f := &machineFixture{
		tenants:  store.NewMockTenantStore(),
		sessions: store.NewMockOnboardingStore(),
		members:  store.NewMockMembershipStore(),
		invites:  store.NewMockInviteStore(),
		tokens:   store.NewMockTokenStore(),
		notifier: notify.NewMockNotifier(),
	}
	f.machine = NewMachine(f.tenants, f.sessions, f.members, f.invites, f.tokens, f.notifier, nil)
	return f
}

// start registers a tenant and returns it with the owner's session.
func (f *machineFixture) start(t *testing.T, slug string) (*store.Tenant, store.Session) {
	t.Helper()
	ownerID := uuid.New()
	email := "owner@" + slug + ".test"
	tenant, err := f.machine.Start(context.Background(), slug, "Acme Corp", email, ownerID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return tenant, store.Session{UserID: ownerID, Email: email, TenantID: tenant.ID}
}

// advanceTo drives the tenant from EMAIL_VERIFIED up to target, verifying
// the email first.
func (f *machineFixture) advanceTo(t *testing.T, sess store.Session, tenantID uuid.UUID, target Stage) {
	t.Helper()
	code := f.notifier.Codes[sess.Email]
	if _, err := f.machine.VerifyEmail(context.Background(), sess, tenantID, code); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	for _, stage := range Stages()[2:] {
		if stage.Index() > target.Index() {
			return
		}
		if _, err := f.machine.Advance(context.Background(), sess, tenantID, stage, nil); err != nil {
			t.Fatalf("Advance to %s: %v", stage, err)
		}
	}
}

func TestStartCreatesTenantSessionAndOwner(t *testing.T) {
	f := newMachineFixture(t)
	tenant, sess := f.start(t, "acme")

	if tenant.Status != store.TenantProvisioning || tenant.ConnSecret != "" {
		t.Errorf("tenant = %+v, want PROVISIONING with no secret", tenant)
	}

	session, err := f.sessions.GetByTenant(context.Background(), tenant.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if session.Stage != string(StageSignupStarted) {
		t.Errorf("stage = %s, want SIGNUP_STARTED", session.Stage)
	}
	if _, ok := session.StageTimes[string(StageSignupStarted)]; !ok {
		t.Error("SIGNUP_STARTED timestamp not recorded")
	}

	m, err := f.members.GetByTenantUser(context.Background(), tenant.ID, sess.UserID)
	if err != nil {
		t.Fatalf("load membership: %v", err)
	}
	if m.Role != store.RoleOwner {
		t.Errorf("role = %s, want owner", m.Role)
	}

	if code := f.notifier.Codes[sess.Email]; len(code) != 6 {
		t.Errorf("verification code = %q, want six digits", code)
	}
}

func TestStartRejectsBadInput(t *testing.T) {
	f := newMachineFixture(t)
	cases := []struct {
		name, slug, tname, email string
	}{
		{"bad slug", "Acme!", "Acme", "o@acme.test"},
		{"slug too short", "a-", "Acme", "o@acme.test"},
		{"empty name", "acme", "", "o@acme.test"},
		{"empty email", "acme", "Acme", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.machine.Start(context.Background(), tc.slug, tc.tname, tc.email, uuid.New())
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestVerifyEmailConsumesCodeOnce(t *testing.T) {
	f := newMachineFixture(t)
	tenant, sess := f.start(t, "acme")
	code := f.notifier.Codes[sess.Email]

	result, err := f.machine.VerifyEmail(context.Background(), sess, tenant.ID, code)
	if err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	if result.Stage != StageEmailVerified {
		t.Errorf("stage = %s, want EMAIL_VERIFIED", result.Stage)
	}

	// A consumed code never verifies again.
	if _, err := f.machine.VerifyEmail(context.Background(), sess, tenant.ID, code); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("reuse error = %v, want ErrConflict", err)
	}
}

func TestAdvanceHappyPathCarriesRoute(t *testing.T) {
	f := newMachineFixture(t)
	tenant, sess := f.start(t, "acme")
	f.advanceTo(t, sess, tenant.ID, StageUseCaseSelected)

	result, err := f.machine.Advance(context.Background(), sess, tenant.ID, StageWorkflowSetup, json.RawMessage(`{"template":"standard"}`))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if result.Stage != StageWorkflowSetup {
		t.Errorf("stage = %s, want WORKFLOW_SETUP", result.Stage)
	}
	if result.RedirectURL != RouteFor(StageWorkflowSetup) {
		t.Errorf("redirect = %s, want %s", result.RedirectURL, RouteFor(StageWorkflowSetup))
	}

	session, _ := f.sessions.GetByTenant(context.Background(), tenant.ID)
	if string(session.Payloads[string(StageWorkflowSetup)]) != `{"template":"standard"}` {
		t.Errorf("payload = %s", session.Payloads[string(StageWorkflowSetup)])
	}
}

func TestAdvanceSkipIsNoOp(t *testing.T) {
	f := newMachineFixture(t)
	tenant, sess := f.start(t, "acme")

	// SIGNUP_STARTED straight to PLAN_SELECTED skips six stages.
	result, err := f.machine.Advance(context.Background(), sess, tenant.ID, StagePlanSelected, nil)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if result.Stage != StageSignupStarted {
		t.Errorf("stage = %s, want unchanged SIGNUP_STARTED", result.Stage)
	}
}

func TestAdvanceRegressionIsNoOp(t *testing.T) {
	f := newMachineFixture(t)
	tenant, sess := f.start(t, "acme")
	f.advanceTo(t, sess, tenant.ID, StageUseCaseSelected)

	result, err := f.machine.Advance(context.Background(), sess, tenant.ID, StageEmailVerified, nil)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if result.Stage != StageUseCaseSelected {
		t.Errorf("stage = %s, want unchanged USE_CASE_SELECTED", result.Stage)
	}
}

func TestAdvanceReentrySameStageUpdatesPayloadKeepsTime(t *testing.T) {
	f := newMachineFixture(t)
	tenant, sess := f.start(t, "acme")
	f.advanceTo(t, sess, tenant.ID, StageUseCaseSelected)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.machine.now = func() time.Time { return base }
	if _, err := f.machine.Advance(context.Background(), sess, tenant.ID, StageWorkflowSetup, json.RawMessage(`{"template":"standard"}`)); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// The client re-submits the same step with corrected data.
	f.machine.now = func() time.Time { return base.Add(time.Hour) }
	result, err := f.machine.Advance(context.Background(), sess, tenant.ID, StageWorkflowSetup, json.RawMessage(`{"template":"custom"}`))
	if err != nil {
		t.Fatalf("re-entry Advance: %v", err)
	}
	if result.Stage != StageWorkflowSetup {
		t.Errorf("stage = %s, want WORKFLOW_SETUP", result.Stage)
	}

	session, _ := f.sessions.GetByTenant(context.Background(), tenant.ID)
	if string(session.Payloads[string(StageWorkflowSetup)]) != `{"template":"custom"}` {
		t.Errorf("payload = %s, want re-submitted value", session.Payloads[string(StageWorkflowSetup)])
	}
	if !session.StageTimes[string(StageWorkflowSetup)].Equal(base) {
		t.Errorf("stage time = %v, want first-reach time %v", session.StageTimes[string(StageWorkflowSetup)], base)
	}
}

func TestAdvanceTerminalStageIsFrozen(t *testing.T) {
	f := newMachineFixture(t)
	tenant, sess := f.start(t, "acme")
	f.advanceTo(t, sess, tenant.ID, StageActivated)

	result, err := f.machine.Advance(context.Background(), sess, tenant.ID, StageActivated, json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if result.Stage != StageActivated {
		t.Errorf("stage = %s, want ACTIVATED", result.Stage)
	}

	// Terminal means frozen: the duplicate write did not land.
	session, _ := f.sessions.GetByTenant(context.Background(), tenant.ID)
	if string(session.Payloads[string(StageActivated)]) == `{"x":1}` {
		t.Error("terminal stage payload was overwritten")
	}
}

func TestAdvanceAuthorization(t *testing.T) {
	f := newMachineFixture(t)
	tenant, _ := f.start(t, "acme")

	stranger := store.Session{UserID: uuid.New(), Email: "x@other.test", TenantID: uuid.New()}
	if _, err := f.machine.Advance(context.Background(), stranger, tenant.ID, StageEmailVerified, nil); !errors.Is(err, store.ErrUnauthorized) {
		t.Errorf("cross-tenant error = %v, want ErrUnauthorized", err)
	}

	// Right tenant id on the session but no membership.
	nonMember := store.Session{UserID: uuid.New(), Email: "y@acme.test", TenantID: tenant.ID}
	if _, err := f.machine.Advance(context.Background(), nonMember, tenant.ID, StageEmailVerified, nil); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("non-member error = %v, want ErrForbidden", err)
	}
}

func TestInviteAndAccept(t *testing.T) {
	f := newMachineFixture(t)
	tenant, sess := f.start(t, "acme")

	inv, err := f.machine.Invite(context.Background(), sess, tenant.ID, "colleague@acme.test", store.RoleAdmin)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if len(f.notifier.Invites) != 1 || f.notifier.Invites[0].Email != "colleague@acme.test" {
		t.Errorf("invites = %+v", f.notifier.Invites)
	}

	userID := uuid.New()
	membership, err := f.machine.AcceptInvite(context.Background(), inv.ID, userID)
	if err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if membership.Role != store.RoleAdmin || membership.TenantID != tenant.ID {
		t.Errorf("membership = %+v", membership)
	}

	// Single use.
	if _, err := f.machine.AcceptInvite(context.Background(), inv.ID, uuid.New()); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second accept error = %v, want ErrConflict", err)
	}
}

func TestInviteRejectsOwnerRole(t *testing.T) {
	f := newMachineFixture(t)
	tenant, sess := f.start(t, "acme")
	if _, err := f.machine.Invite(context.Background(), sess, tenant.ID, "x@acme.test", store.RoleOwner); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}

func TestInviteRequiresOwnerOrAdmin(t *testing.T) {
	f := newMachineFixture(t)
	tenant, sess := f.start(t, "acme")

	inv, err := f.machine.Invite(context.Background(), sess, tenant.ID, "member@acme.test", store.RoleMember)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	memberID := uuid.New()
	if _, err := f.machine.AcceptInvite(context.Background(), inv.ID, memberID); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}

	memberSess := store.Session{UserID: memberID, Email: "member@acme.test", TenantID: tenant.ID}
	if _, err := f.machine.Invite(context.Background(), memberSess, tenant.ID, "z@acme.test", store.RoleMember); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("member invite error = %v, want ErrForbidden", err)
	}
}

func TestStageOrderAndRoutes(t *testing.T) {
	stages := Stages()
	if len(stages) != 10 {
		t.Fatalf("pipeline has %d stages, want 10", len(stages))
	}
	if stages[0] != StageSignupStarted || stages[len(stages)-1] != StageActivated {
		t.Errorf("pipeline endpoints = %s..%s", stages[0], stages[len(stages)-1])
	}
	for i, s := range stages {
		if s.Index() != i {
			t.Errorf("stage %s index = %d, want %d", s, s.Index(), i)
		}
		if RouteFor(s) == "" {
			t.Errorf("stage %s has no route", s)
		}
	}
	if !StageActivated.Terminal() {
		t.Error("ACTIVATED not terminal")
	}
	if _, ok := StageActivated.Next(); ok {
		t.Error("terminal stage has a successor")
	}
	if _, err := ParseStage("NOT_A_STAGE"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("ParseStage error = %v, want ErrUnknownStage", err)
	}
}
