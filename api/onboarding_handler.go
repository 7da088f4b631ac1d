package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/controlplane/onboarding"
	"github.com/GoCodeAlone/controlplane/store"
)

// Provisioner launches tenant provisioning in the background. Satisfied by
// provision.Orchestrator.
type Provisioner interface {
	Start(tenantID uuid.UUID)
}

// OnboardingHandler handles signup and stage-advance endpoints.
type OnboardingHandler struct {
	machine     *onboarding.Machine
	sessions    *SessionCodec
	provisioner Provisioner
}

// NewOnboardingHandler creates an OnboardingHandler.
func NewOnboardingHandler(machine *onboarding.Machine, sessions *SessionCodec, provisioner Provisioner) *OnboardingHandler {
	return &OnboardingHandler{machine: machine, sessions: sessions, provisioner: provisioner}
}

// Signup handles POST /api/v1/signup. It registers the tenant and returns a
// session token for the owner to continue onboarding with.
func (h *OnboardingHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug  string `json:"slug"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ownerID := uuid.New()
	tenant, err := h.machine.Start(r.Context(), req.Slug, req.Name, req.Email, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			WriteError(w, http.StatusConflict, "tenant slug already exists")
			return
		}
		WriteDomainError(w, err)
		return
	}

	session := store.Session{UserID: ownerID, Email: req.Email, TenantID: tenant.ID}
	token, err := h.sessions.Issue(session)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	WriteJSON(w, http.StatusCreated, map[string]any{
		"tenant":       tenant,
		"sessionToken": token,
		"stage":        onboarding.StageSignupStarted,
		"redirectUrl":  onboarding.RouteFor(onboarding.StageSignupStarted),
	})
}

// VerifyEmail handles POST /api/v1/onboarding/verify-email.
func (h *OnboardingHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		WriteError(w, http.StatusBadRequest, "verification code is required")
		return
	}

	result, err := h.machine.VerifyEmail(r.Context(), *session, session.TenantID, req.Code)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeAdvance(w, result)
}

// Advance handles POST /api/v1/onboarding/advance. The response always
// carries success and the canonical redirect for the tenant's current
// stage; an out-of-order target degrades to a no-op, not an error.
func (h *OnboardingHandler) Advance(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Target  string          `json:"target"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	target, err := onboarding.ParseStage(req.Target)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	result, err := h.machine.Advance(r.Context(), *session, session.TenantID, target, req.Payload)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	// Reaching payment completion is what starts infrastructure work; the
	// response returns immediately and the client polls the stage.
	if target == onboarding.StagePaymentCompleted && result.Stage == onboarding.StagePaymentCompleted && h.provisioner != nil {
		h.provisioner.Start(session.TenantID)
	}

	writeAdvance(w, result)
}

// Current handles GET /api/v1/onboarding.
func (h *OnboardingHandler) Current(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	result, err := h.machine.Current(r.Context(), *session, session.TenantID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeAdvance(w, result)
}

// Invite handles POST /api/v1/invites.
func (h *OnboardingHandler) Invite(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Email string     `json:"email"`
		Role  store.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inv, err := h.machine.Invite(r.Context(), *session, session.TenantID, req.Email, req.Role)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, inv)
}

// AcceptInvite handles POST /api/v1/invites/{id}/accept. The accepting user
// has no session for the tenant yet; the invite id is the credential.
func (h *OnboardingHandler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	inviteID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid invite id")
		return
	}

	membership, err := h.machine.AcceptInvite(r.Context(), inviteID, uuid.New())
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	token, err := h.sessions.Issue(store.Session{
		UserID:   membership.UserID,
		Email:    membership.Email,
		TenantID: membership.TenantID,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"membership":   membership,
		"sessionToken": token,
	})
}

func writeAdvance(w http.ResponseWriter, result *onboarding.AdvanceResult) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"stage":       result.Stage,
		"redirectUrl": result.RedirectURL,
	})
}
