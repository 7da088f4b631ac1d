package api

import (
	"encoding/json"
	"net/http"

	"github.com/GoCodeAlone/controlplane/authbridge"
)

// TokenHandler issues data-plane tokens from control-plane sessions.
type TokenHandler struct {
	bridge *authbridge.Bridge
}

// NewTokenHandler creates a TokenHandler.
func NewTokenHandler(bridge *authbridge.Bridge) *TokenHandler {
	return &TokenHandler{bridge: bridge}
}

// Issue handles POST /api/v1/auth/token.
func (h *TokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	if session == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		TenantSlug string `json:"tenantSlug"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantSlug == "" {
		WriteError(w, http.StatusBadRequest, "tenantSlug is required")
		return
	}

	result, err := h.bridge.IssueToken(r.Context(), *session, req.TenantSlug)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}
