package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nmatss/servicedesk-core/internal/rls"
)

var _ rls.PolicyStore = (*Store)(nil)

func (s *Store) PoliciesFor(ctx context.Context, tenantID, table string, op rls.Operation) ([]rls.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, tenant_id, table_name, policy_name, policy_type,
		       role_id, user_id, condition, priority, is_active, created_at
		from row_level_policies
		where tenant_id = $1 and table_name = $2 and policy_type = $3
		  and is_active = true
		order by priority desc, created_at asc
	`, tenantID, table, string(op))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rls.Policy
	for rows.Next() {
		var (
			p      rls.Policy
			roleID sql.NullString
			userID sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.TableName, &p.Name,
			&p.Operation, &roleID, &userID, &p.Condition, &p.Priority,
			&p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.RoleID = roleID.String
		p.UserID = userID.String
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) CreatePolicy(ctx context.Context, p rls.Policy) error {
	_, err := s.db.ExecContext(ctx, `
		insert into row_level_policies
			(id, tenant_id, table_name, policy_name, policy_type,
			 role_id, user_id, condition, priority, is_active)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.TenantID, p.TableName, p.Name, string(p.Operation),
		nullIfEmpty(p.RoleID), nullIfEmpty(p.UserID), p.Condition, p.Priority, p.IsActive)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: policy already exists", rls.ErrPolicyInvalid)
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: role or user does not exist", rls.ErrPolicyInvalid)
			}
		}
		return err
	}
	return nil
}

func (s *Store) DeletePolicy(ctx context.Context, tenantID, policyID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from row_level_policies where id = $1 and tenant_id = $2
	`, policyID, tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rls.ErrNotFound
	}
	return nil
}
