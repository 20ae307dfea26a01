package authz

import "time"

// Role groups permissions inside one tenant. Names are tenant-scoped and
// need not be globally unique.
type Role struct {
	ID        string
	TenantID  string
	Name      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission is a capability on a resource kind, optionally constrained by
// flat-equality conditions evaluated against the request context.
type Permission struct {
	ID         string
	TenantID   string
	Resource   string
	Action     string
	Conditions Conditions
	CreatedAt  time.Time
}

// UserRoleAssignment links a user to a role. Revocation is logical so the
// audit trail stays intact.
type UserRoleAssignment struct {
	UserID    string
	RoleID    string
	TenantID  string
	GrantedBy string
	ExpiresAt *time.Time
	IsActive  bool
	CreatedAt time.Time
}

// ResourcePermission grants one action on one concrete resource instance to
// one user, bypassing role membership.
type ResourcePermission struct {
	ID         string
	UserID     string
	Resource   string
	ResourceID string
	Action     string
	TenantID   string
	GrantedBy  string
	Conditions Conditions
	ExpiresAt  *time.Time
	IsActive   bool
	CreatedAt  time.Time
}

// Reason explains a permission decision in the audit trail.
type Reason string

const (
	ReasonDirectPermission    Reason = "direct_permission"
	ReasonInheritedPermission Reason = "inherited_permission"
	ReasonRolePermission      Reason = "role_permission"
	ReasonPermissionDenied    Reason = "permission_denied"
	ReasonEvaluationError     Reason = "evaluation_error"
)

// Decision is the outcome of a permission check. Denial is a normal outcome,
// not an error; callers branch on Granted.
type Decision struct {
	Granted bool
	Reason  Reason
}

// CheckRequest identifies the subject, resource, and action under evaluation.
// ResourceID may be empty for kind-level checks. Context carries request
// attributes matched against permission conditions.
type CheckRequest struct {
	UserID     string
	TenantID   string
	Resource   string
	ResourceID string
	Action     string
	Context    map[string]string
}
