package api

import (
	"encoding/json"
	"net/http"

	"github.com/GoCodeAlone/controlplane/billing"
	"github.com/GoCodeAlone/controlplane/store"
)

// BillingHandler handles plan selection and subscription mutation
// endpoints.
type BillingHandler struct {
	reconciler *billing.Reconciler
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(reconciler *billing.Reconciler) *BillingHandler {
	return &BillingHandler{reconciler: reconciler}
}

// Plans handles GET /api/v1/billing/plans.
func (h *BillingHandler) Plans(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, billing.AllPlans)
}

// SelectPlan handles POST /api/v1/billing/plan.
func (h *BillingHandler) SelectPlan(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		PlanID string             `json:"planId"`
		Cycle  store.BillingCycle `json:"cycle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Cycle == "" {
		req.Cycle = store.CycleMonthly
	}

	sub, err := h.reconciler.SelectPlan(r.Context(), *session, session.TenantID, req.PlanID, req.Cycle)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeSubscription(w, sub)
}

// Cancel handles POST /api/v1/billing/cancel.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Immediate bool `json:"immediate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.reconciler.Cancel(r.Context(), *session, session.TenantID, req.Immediate)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeSubscription(w, sub)
}

// Resume handles POST /api/v1/billing/resume.
func (h *BillingHandler) Resume(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sub, err := h.reconciler.Resume(r.Context(), *session, session.TenantID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeSubscription(w, sub)
}

// Portal handles POST /api/v1/billing/portal.
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		ReturnURL string `json:"returnUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReturnURL == "" {
		WriteError(w, http.StatusBadRequest, "returnUrl is required")
		return
	}

	url, err := h.reconciler.PortalSession(r.Context(), *session, session.TenantID, req.ReturnURL)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

func writeSubscription(w http.ResponseWriter, sub *store.Subscription) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":            sub.Status,
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"planId":            sub.PlanID,
		"cycle":             sub.Cycle,
		"currentPeriodEnd":  sub.CurrentPeriodEnd,
	})
}
