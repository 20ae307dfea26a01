package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nmatss/servicedesk-core/internal/token"
)

var (
	_ token.RefreshTokenStore = (*Store)(nil)
	_ token.IdentityStore     = (*Store)(nil)
)

func (s *Store) Create(ctx context.Context, rec *token.RefreshTokenRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens
			(id, user_id, tenant_id, token_hash, device_fingerprint, expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.UserID, rec.TenantID, rec.TokenHash, rec.DeviceFingerprint,
		rec.ExpiresAt.UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return errors.New("refresh token id or hash already exists")
		}
		return err
	}
	return nil
}

func (s *Store) FindByHash(ctx context.Context, tokenHash string) (*token.RefreshTokenRecord, error) {
	var (
		rec        token.RefreshTokenRecord
		lastUsedAt sql.NullTime
		revokedAt  sql.NullTime
	)
	row := s.db.QueryRowContext(ctx, `
		select id, user_id, tenant_id, token_hash, device_fingerprint,
		       expires_at, created_at, last_used_at, revoked_at
		from refresh_tokens
		where token_hash = $1
	`, tokenHash)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.TenantID, &rec.TokenHash,
		&rec.DeviceFingerprint, &rec.ExpiresAt, &rec.CreatedAt, &lastUsedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.LastUsedAt = timePtr(lastUsedAt)
	rec.RevokedAt = timePtr(revokedAt)
	return &rec, nil
}

func (s *Store) Touch(ctx context.Context, id string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set last_used_at = $2 where id = $1
	`, id, usedAt.UTC())
	return err
}

func (s *Store) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $2
		where id = $1 and revoked_at is null
	`, id, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return token.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeAllForUser(ctx context.Context, userID, tenantID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens
		set revoked_at = $3
		where user_id = $1 and tenant_id = $2 and revoked_at is null
	`, userID, tenantID, at.UTC())
	return err
}

func (s *Store) DeleteExpired(ctx context.Context, expiredBefore, revokedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from refresh_tokens
		where expires_at < $1
		   or (revoked_at is not null and revoked_at < $2)
	`, expiredBefore.UTC(), revokedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Lookup re-derives the current identity from the users and tenants tables so
// refreshed access tokens carry up-to-date role and tenant data.
func (s *Store) Lookup(ctx context.Context, userID, tenantID string) (token.Identity, error) {
	var id token.Identity
	row := s.db.QueryRowContext(ctx, `
		select u.id, u.tenant_id, u.name, u.email, u.role, u.is_active, t.slug
		from users u
		join tenants t on t.id = u.tenant_id
		where u.id = $1 and u.tenant_id = $2
	`, userID, tenantID)
	err := row.Scan(&id.UserID, &id.TenantID, &id.Name, &id.Email, &id.Role,
		&id.Active, &id.TenantSlug)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Identity{}, token.ErrNotFound
	}
	if err != nil {
		return token.Identity{}, err
	}
	return id, nil
}
