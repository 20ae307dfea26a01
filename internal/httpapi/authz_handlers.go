package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/nmatss/servicedesk-core/internal/authz"
)

type checkRequest struct {
	Resource   string            `json:"resource"`
	ResourceID string            `json:"resource_id"`
	Action     string            `json:"action"`
	Context    map[string]string `json:"context"`
}

type checkResponse struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason"`
}

// handleCheck evaluates one permission for the calling user. The subject
// always comes from the verified token, never from the request body.
func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, err := a.evaluator.CheckPermission(r.Context(), authz.CheckRequest{
		UserID:     claims.UserID,
		TenantID:   claims.TenantID,
		Resource:   req.Resource,
		ResourceID: req.ResourceID,
		Action:     req.Action,
		Context:    req.Context,
	})
	if err != nil {
		handleAuthzError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{
		Granted: decision.Granted,
		Reason:  string(decision.Reason),
	})
}

type roleRequest struct {
	UserID    string `json:"user_id"`
	RoleID    string `json:"role_id"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Revoke    bool   `json:"revoke,omitempty"`
}

// handleRoles assigns or revokes a role for a user in the caller's tenant.
func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	var req roleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Revoke {
		if err := a.evaluator.RevokeRole(r.Context(), claims.TenantID, req.UserID, req.RoleID); err != nil {
			handleAuthzError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	assignment := authz.UserRoleAssignment{
		UserID:    req.UserID,
		RoleID:    req.RoleID,
		TenantID:  claims.TenantID,
		GrantedBy: claims.UserID,
	}
	if req.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "expires_at must be RFC 3339")
			return
		}
		assignment.ExpiresAt = &expires
	}
	if err := a.evaluator.AssignRole(r.Context(), assignment); err != nil {
		handleAuthzError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type grantRequest struct {
	UserID     string            `json:"user_id"`
	Resource   string            `json:"resource"`
	ResourceID string            `json:"resource_id"`
	Action     string            `json:"action"`
	Conditions map[string]string `json:"conditions,omitempty"`
	ExpiresAt  string            `json:"expires_at,omitempty"`
	Revoke     bool              `json:"revoke,omitempty"`
}

// handleGrants creates or revokes a direct resource permission.
func (a *API) handleGrants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Revoke {
		err := a.evaluator.RevokeResourcePermission(r.Context(), claims.TenantID,
			req.UserID, req.Resource, req.ResourceID, req.Action)
		if err != nil {
			handleAuthzError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	grant := authz.ResourcePermission{
		UserID:     strings.TrimSpace(req.UserID),
		Resource:   strings.TrimSpace(req.Resource),
		ResourceID: strings.TrimSpace(req.ResourceID),
		Action:     strings.TrimSpace(req.Action),
		TenantID:   claims.TenantID,
		GrantedBy:  claims.UserID,
		Conditions: authz.Conditions(req.Conditions),
	}
	if req.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "expires_at must be RFC 3339")
			return
		}
		grant.ExpiresAt = &expires
	}
	if err := a.evaluator.GrantResourcePermission(r.Context(), grant); err != nil {
		handleAuthzError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
