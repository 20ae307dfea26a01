package authz

import "context"

// Store describes the persistence operations the evaluator and the
// administrative operations require. Implementations return ErrNotFound for
// absent rows and filter out logically deleted (is_active = false) records.
// Expiry is checked by the evaluator against its own clock so tests can pin
// time.
type Store interface {
	// DirectGrant returns the resource permission for exactly this
	// (user, resource, resourceID, action, tenant), or ErrNotFound.
	DirectGrant(ctx context.Context, tenantID, userID, resource, resourceID, action string) (*ResourcePermission, error)

	// ResolveParent maps a resource instance to its parent in the fixed
	// hierarchy (comment -> ticket -> category), or ErrNotFound when the
	// resource has no resolvable parent.
	ResolveParent(ctx context.Context, tenantID, resource, resourceID string) (parentResource, parentID string, err error)

	// RoleAssignments returns the user's role assignments in the tenant,
	// including expiry so the evaluator can filter.
	RoleAssignments(ctx context.Context, tenantID, userID string) ([]UserRoleAssignment, error)

	// RolePermissions returns the permissions matching (resource, action)
	// reachable from the given role.
	RolePermissions(ctx context.Context, tenantID, roleID, resource, action string) ([]Permission, error)

	// AssignRole upserts a role assignment. Re-assigning an active role is a
	// no-op success; re-assigning a revoked or expired one reactivates it.
	AssignRole(ctx context.Context, a UserRoleAssignment) error

	// RevokeRole logically deactivates an assignment. Missing assignment is
	// ErrNotFound.
	RevokeRole(ctx context.Context, tenantID, userID, roleID string) error

	// UpsertResourcePermission creates or refreshes a direct grant; a
	// re-grant updates expiry and conditions.
	UpsertResourcePermission(ctx context.Context, g ResourcePermission) error

	// RevokeResourcePermission logically deactivates a direct grant.
	RevokeResourcePermission(ctx context.Context, tenantID, userID, resource, resourceID, action string) error

	// EnsurePermissions inserts missing catalog permissions, leaving
	// existing rows untouched.
	EnsurePermissions(ctx context.Context, tenantID string, perms []Permission) error
}
