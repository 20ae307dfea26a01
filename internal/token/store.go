package token

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidToken is the single outcome returned to callers for every
	// verification failure. The specific reason (expired, revoked, malformed,
	// device mismatch) is logged internally only, never surfaced, to avoid
	// oracle attacks.
	ErrInvalidToken = errors.New("token: invalid token")

	ErrNotFound = errors.New("token: not found")
)

// RefreshTokenRecord is the persisted state of one issued refresh token.
// Only a one-way hash of the signed token is stored, never the raw token.
// A record is active iff RevokedAt is nil and ExpiresAt is in the future.
type RefreshTokenRecord struct {
	ID                string
	UserID            string
	TenantID          string
	TokenHash         string
	DeviceFingerprint string
	ExpiresAt         time.Time
	CreatedAt         time.Time
	LastUsedAt        *time.Time
	RevokedAt         *time.Time
}

// RefreshTokenStore manages refresh token state. Revocation writes must be
// immediately visible to subsequent FindByHash reads.
type RefreshTokenStore interface {
	Create(ctx context.Context, rec *RefreshTokenRecord) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshTokenRecord, error)
	Touch(ctx context.Context, id string, usedAt time.Time) error
	Revoke(ctx context.Context, id string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID, tenantID string, at time.Time) error
	// DeleteExpired removes records past expiry or revoked before the given
	// cutoff, returning the number of rows removed. Safe to run concurrently
	// with live traffic.
	DeleteExpired(ctx context.Context, expiredBefore, revokedBefore time.Time) (int64, error)
}

// Identity is the current store-backed view of a user. Refresh verification
// re-derives it so role or tenant changes since issuance are honored
// immediately.
type Identity struct {
	UserID     string
	TenantID   string
	Name       string
	Email      string
	Role       string
	TenantSlug string
	Active     bool
}

// IdentityStore resolves the current identity for a user in a tenant.
type IdentityStore interface {
	Lookup(ctx context.Context, userID, tenantID string) (Identity, error)
}
