package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/nmatss/servicedesk-core/internal/rls"
)

type createPolicyRequest struct {
	TableName string `json:"table_name"`
	Name      string `json:"name"`
	Operation string `json:"operation"`
	RoleID    string `json:"role_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Condition string `json:"condition"`
	Priority  int    `json:"priority"`
}

// handlePolicies creates a row-level policy scoped to the caller's tenant.
func (a *API) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	var req createPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	policy, err := a.policies.CreatePolicy(r.Context(), rls.Policy{
		TenantID:  claims.TenantID,
		TableName: req.TableName,
		Name:      req.Name,
		Operation: rls.Operation(req.Operation),
		RoleID:    req.RoleID,
		UserID:    req.UserID,
		Condition: req.Condition,
		Priority:  req.Priority,
	})
	if err != nil {
		handlePolicyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": policy.ID})
}

// handlePolicyResource deletes a policy by id (DELETE /v1/policies/{id}).
func (a *API) handlePolicyResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, http.MethodDelete)
		return
	}
	claims, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	policyID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/policies/"), "/")
	if policyID == "" || strings.Contains(policyID, "/") {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if err := a.policies.DeletePolicy(r.Context(), claims.TenantID, policyID); err != nil {
		handlePolicyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handlePolicyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rls.ErrPolicyInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rls.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "policy operation failed")
	}
}
