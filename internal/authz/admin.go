package authz

import (
	"context"
	"fmt"
	"strings"

	"github.com/nmatss/servicedesk-core/internal/audit"
	"github.com/nmatss/servicedesk-core/internal/ids"
)

// Administrative mutations are tenant-scoped and idempotent. Each appends its
// own audit entry (distinct from permission-check entries) and purges the
// permission cache so revocations are visible on the next evaluation.

// AssignRole grants a role to a user. Re-assigning an already-active role is
// a no-op success; re-assigning an expired or revoked one reactivates it with
// the new expiry.
func (e *Evaluator) AssignRole(ctx context.Context, a UserRoleAssignment) error {
	a.UserID = strings.TrimSpace(a.UserID)
	a.RoleID = strings.TrimSpace(a.RoleID)
	a.TenantID = strings.TrimSpace(a.TenantID)
	if a.UserID == "" || a.RoleID == "" || a.TenantID == "" {
		return fmt.Errorf("%w: user_id, role_id and tenant_id are required", ErrInvalidInput)
	}
	a.IsActive = true

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.store.AssignRole(ctx, a); err != nil {
		return err
	}
	e.cache.Purge()
	e.recordAdmin(ctx, a.TenantID, a.UserID, "roles", a.RoleID, "role.assign", map[string]string{
		"granted_by": a.GrantedBy,
	})
	return nil
}

// RevokeRole logically deactivates a role assignment.
func (e *Evaluator) RevokeRole(ctx context.Context, tenantID, userID, roleID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(roleID) == "" || strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: user_id, role_id and tenant_id are required", ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.store.RevokeRole(ctx, tenantID, userID, roleID); err != nil {
		return err
	}
	e.cache.Purge()
	e.recordAdmin(ctx, tenantID, userID, "roles", roleID, "role.revoke", nil)
	return nil
}

// GrantResourcePermission creates or refreshes a direct grant; a re-grant
// updates expiry and conditions rather than erroring.
func (e *Evaluator) GrantResourcePermission(ctx context.Context, g ResourcePermission) error {
	g.UserID = strings.TrimSpace(g.UserID)
	g.Resource = strings.TrimSpace(g.Resource)
	g.ResourceID = strings.TrimSpace(g.ResourceID)
	g.Action = strings.TrimSpace(g.Action)
	g.TenantID = strings.TrimSpace(g.TenantID)
	if g.UserID == "" || g.Resource == "" || g.ResourceID == "" || g.Action == "" || g.TenantID == "" {
		return fmt.Errorf("%w: user_id, resource, resource_id, action and tenant_id are required", ErrInvalidInput)
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	g.IsActive = true

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.store.UpsertResourcePermission(ctx, g); err != nil {
		return err
	}
	e.cache.Purge()
	e.recordAdmin(ctx, g.TenantID, g.UserID, g.Resource, g.ResourceID, "resource_permission.grant", map[string]string{
		"action":     g.Action,
		"granted_by": g.GrantedBy,
	})
	return nil
}

// RevokeResourcePermission logically deactivates a direct grant.
func (e *Evaluator) RevokeResourcePermission(ctx context.Context, tenantID, userID, resource, resourceID, action string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(resource) == "" ||
		strings.TrimSpace(resourceID) == "" || strings.TrimSpace(action) == "" || strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: user_id, resource, resource_id, action and tenant_id are required", ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.store.RevokeResourcePermission(ctx, tenantID, userID, resource, resourceID, action); err != nil {
		return err
	}
	e.cache.Purge()
	e.recordAdmin(ctx, tenantID, userID, resource, resourceID, "resource_permission.revoke", map[string]string{
		"action": action,
	})
	return nil
}

// EnsurePermissions inserts missing catalog permissions for a tenant,
// validating condition payloads at the store boundary.
func (e *Evaluator) EnsurePermissions(ctx context.Context, tenantID string, perms []Permission) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	for i := range perms {
		if perms[i].ID == "" {
			perms[i].ID = ids.New()
		}
		perms[i].TenantID = tenantID
		if strings.TrimSpace(perms[i].Resource) == "" || strings.TrimSpace(perms[i].Action) == "" {
			return fmt.Errorf("%w: permission resource and action are required", ErrInvalidInput)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.store.EnsurePermissions(ctx, tenantID, perms); err != nil {
		return err
	}
	e.cache.Purge()
	return nil
}

func (e *Evaluator) recordAdmin(ctx context.Context, tenantID, userID, resource, resourceID, action string, extra map[string]string) {
	e.sink.Record(ctx, audit.Entry{
		UserID:     userID,
		TenantID:   tenantID,
		Resource:   resource,
		ResourceID: resourceID,
		Action:     action,
		Granted:    true,
		Reason:     action,
		Context:    extra,
		CreatedAt:  e.now().UTC(),
	})
}
