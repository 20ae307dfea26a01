package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nmatss/servicedesk-core/internal/audit"
)

var _ audit.Store = (*Store)(nil)

// Append inserts one audit row. The table carries no update or delete paths
// in application code.
func (s *Store) Append(ctx context.Context, entry *audit.Entry) error {
	ctxJSON := []byte("{}")
	if len(entry.Context) > 0 {
		raw, err := json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("marshal audit context: %w", err)
		}
		ctxJSON = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into permission_audit_log
			(id, user_id, tenant_id, resource, resource_id, action,
			 granted, reason, context, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.UserID, entry.TenantID, entry.Resource,
		nullIfEmpty(entry.ResourceID), entry.Action, entry.Granted,
		entry.Reason, ctxJSON, entry.CreatedAt.UTC())
	return err
}
