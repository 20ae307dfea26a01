package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nmatss/servicedesk-core/internal/authz"
	"github.com/nmatss/servicedesk-core/internal/ids"
)

var _ authz.Store = (*Store)(nil)

func (s *Store) DirectGrant(ctx context.Context, tenantID, userID, resource, resourceID, action string) (*authz.ResourcePermission, error) {
	var (
		grant     authz.ResourcePermission
		rawConds  []byte
		grantedBy sql.NullString
		expiresAt sql.NullTime
	)
	row := s.db.QueryRowContext(ctx, `
		select id, user_id, resource_type, resource_id, action, tenant_id,
		       granted_by, conditions, expires_at, is_active, created_at
		from resource_permissions
		where tenant_id = $1 and user_id = $2 and resource_type = $3
		  and resource_id = $4 and action = $5 and is_active = true
	`, tenantID, userID, resource, resourceID, action)
	err := row.Scan(&grant.ID, &grant.UserID, &grant.Resource, &grant.ResourceID,
		&grant.Action, &grant.TenantID, &grantedBy, &rawConds, &expiresAt,
		&grant.IsActive, &grant.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	grant.GrantedBy = grantedBy.String
	grant.Conditions = authz.DecodeConditionsLenient(rawConds)
	grant.ExpiresAt = timePtr(expiresAt)
	return &grant, nil
}

// ResolveParent walks one step of the fixed containment hierarchy:
// comments belong to tickets, tickets belong to categories.
func (s *Store) ResolveParent(ctx context.Context, tenantID, resource, resourceID string) (string, string, error) {
	var (
		query  string
		parent string
	)
	switch resource {
	case "comments":
		query = `select ticket_id from comments where id = $1 and tenant_id = $2`
		parent = "tickets"
	case "tickets":
		query = `select category_id from tickets where id = $1 and tenant_id = $2`
		parent = "categories"
	default:
		return "", "", authz.ErrNotFound
	}

	var parentID sql.NullString
	err := s.db.QueryRowContext(ctx, query, resourceID, tenantID).Scan(&parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", authz.ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	if !parentID.Valid || parentID.String == "" {
		return "", "", authz.ErrNotFound
	}
	return parent, parentID.String, nil
}

func (s *Store) RoleAssignments(ctx context.Context, tenantID, userID string) ([]authz.UserRoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select ur.user_id, ur.role_id, ur.tenant_id, ur.granted_by,
		       ur.expires_at, ur.is_active, ur.created_at
		from user_roles ur
		join roles r on r.id = ur.role_id and r.is_active = true
		where ur.tenant_id = $1 and ur.user_id = $2 and ur.is_active = true
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []authz.UserRoleAssignment
	for rows.Next() {
		var (
			a         authz.UserRoleAssignment
			grantedBy sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.TenantID, &grantedBy,
			&expiresAt, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.GrantedBy = grantedBy.String
		a.ExpiresAt = timePtr(expiresAt)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) RolePermissions(ctx context.Context, tenantID, roleID, resource, action string) ([]authz.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.tenant_id, p.resource, p.action, p.conditions, p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1 and p.tenant_id = $2
		  and p.resource = $3 and p.action = $4
	`, roleID, tenantID, resource, action)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []authz.Permission
	for rows.Next() {
		var (
			p        authz.Permission
			rawConds []byte
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Resource, &p.Action,
			&rawConds, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Conditions = authz.DecodeConditionsLenient(rawConds)
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) AssignRole(ctx context.Context, a authz.UserRoleAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, tenant_id, granted_by, expires_at, is_active)
		values ($1, $2, $3, $4, $5, true)
		on conflict (user_id, role_id, tenant_id) do update
		set granted_by = excluded.granted_by,
		    expires_at = excluded.expires_at,
		    is_active  = true
	`, a.UserID, a.RoleID, a.TenantID, nullIfEmpty(a.GrantedBy), nullIfNilTime(a.ExpiresAt))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: user or role does not exist", authz.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *Store) RevokeRole(ctx context.Context, tenantID, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `
		update user_roles
		set is_active = false
		where tenant_id = $1 and user_id = $2 and role_id = $3 and is_active = true
	`, tenantID, userID, roleID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return authz.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertResourcePermission(ctx context.Context, g authz.ResourcePermission) error {
	rawConds, err := g.Conditions.Encode()
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	if g.ID == "" {
		g.ID = ids.New()
	}
	_, err = s.db.ExecContext(ctx, `
		insert into resource_permissions
			(id, user_id, resource_type, resource_id, action, tenant_id,
			 granted_by, conditions, expires_at, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, true)
		on conflict (user_id, resource_type, resource_id, action, tenant_id) do update
		set granted_by = excluded.granted_by,
		    conditions = excluded.conditions,
		    expires_at = excluded.expires_at,
		    is_active  = true
	`, g.ID, g.UserID, g.Resource, g.ResourceID, g.Action, g.TenantID,
		nullIfEmpty(g.GrantedBy), rawConds, nullIfNilTime(g.ExpiresAt))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: user does not exist", authz.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *Store) RevokeResourcePermission(ctx context.Context, tenantID, userID, resource, resourceID, action string) error {
	res, err := s.db.ExecContext(ctx, `
		update resource_permissions
		set is_active = false
		where tenant_id = $1 and user_id = $2 and resource_type = $3
		  and resource_id = $4 and action = $5 and is_active = true
	`, tenantID, userID, resource, resourceID, action)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return authz.ErrNotFound
	}
	return nil
}

func (s *Store) EnsurePermissions(ctx context.Context, tenantID string, perms []authz.Permission) error {
	if len(perms) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		rawConds, err := p.Conditions.Encode()
		if err != nil {
			return fmt.Errorf("encode conditions for %s:%s: %w", p.Resource, p.Action, err)
		}
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions (id, tenant_id, resource, action, conditions)
			values ($1, $2, $3, $4, $5)
			on conflict (tenant_id, resource, action) do nothing
		`, id, tenantID, p.Resource, p.Action, rawConds); err != nil {
			return err
		}
	}
	return tx.Commit()
}
