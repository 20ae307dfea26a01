package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nmatss/servicedesk-core/internal/audit"
	"github.com/nmatss/servicedesk-core/internal/obs"
)

// Manager issues, verifies, rotates, and revokes signed access/refresh token
// pairs. Access verification is stateless; refresh verification checks the
// persisted record for revocation and replay.
type Manager struct {
	secret     []byte
	tokens     RefreshTokenStore
	identities IdentityStore
	sink       audit.Sink
	now        func() time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration

	// failLog throttles internal diagnostics for verification failures so a
	// credential-stuffing burst cannot flood the log.
	failLog *rate.Limiter
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source (useful for expiry tests).
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.refreshTTL = ttl
		}
	}
}

// WithAuditSink routes token lifecycle events into the audit trail.
func WithAuditSink(sink audit.Sink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// NewManager constructs a Manager. The signing secret and both stores are
// required; there is no package-level singleton.
func NewManager(secret string, tokens RefreshTokenStore, identities IdentityStore, opts ...ManagerOption) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token: signing secret is required")
	}
	if tokens == nil {
		return nil, errors.New("token: refresh token store is required")
	}
	if identities == nil {
		return nil, errors.New("token: identity store is required")
	}
	m := &Manager{
		secret:     []byte(secret),
		tokens:     tokens,
		identities: identities,
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		failLog:    rate.NewLimiter(rate.Every(time.Second), 20),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GenerateAccessToken signs a short-lived stateless access token for the
// identity, bound to the device fingerprint.
func (m *Manager) GenerateAccessToken(id Identity, fingerprint string) (string, time.Time, error) {
	if id.UserID == "" || id.TenantID == "" {
		return "", time.Time{}, errors.New("token: user and tenant ids are required")
	}
	now := m.now().UTC()
	exp := now.Add(m.accessTTL)
	claims := AccessClaims{
		UserID:            id.UserID,
		TenantID:          id.TenantID,
		Name:              id.Name,
		Email:             id.Email,
		Role:              id.Role,
		TenantSlug:        id.TenantSlug,
		DeviceFingerprint: fingerprint,
		TokenType:         TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		obs.ObserveTokenOp("access_issue", "error")
		return "", time.Time{}, err
	}
	obs.ObserveTokenOp("access_issue", "ok")
	return signed, exp, nil
}

// GenerateRefreshToken signs a long-lived refresh token and persists a
// one-way hash record for revocation and replay checks. If the persistence
// write fails, the token is still returned: verification then fails at the
// lookup step, degrading safely to "not found" instead of failing issuance.
func (m *Manager) GenerateRefreshToken(ctx context.Context, id Identity, fingerprint string) (string, time.Time, error) {
	if id.UserID == "" || id.TenantID == "" {
		return "", time.Time{}, errors.New("token: user and tenant ids are required")
	}
	if strings.TrimSpace(fingerprint) == "" {
		return "", time.Time{}, errors.New("token: device fingerprint is required")
	}
	now := m.now().UTC()
	exp := now.Add(m.refreshTTL)
	tokenID := uuid.NewString()
	claims := RefreshClaims{
		UserID:            id.UserID,
		TenantID:          id.TenantID,
		TokenID:           tokenID,
		DeviceFingerprint: fingerprint,
		TokenType:         TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        tokenID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		obs.ObserveTokenOp("refresh_issue", "error")
		return "", time.Time{}, err
	}

	rec := &RefreshTokenRecord{
		ID:                tokenID,
		UserID:            id.UserID,
		TenantID:          id.TenantID,
		TokenHash:         hashToken(signed),
		DeviceFingerprint: fingerprint,
		ExpiresAt:         exp,
		CreatedAt:         now,
	}
	if err := m.tokens.Create(ctx, rec); err != nil {
		obs.ObserveTokenOp("refresh_issue", "store_error")
		obs.Log(map[string]any{
			"ts":    now.Format(time.RFC3339Nano),
			"type":  "token",
			"event": "refresh_record_write_failed",
			"error": err.Error(),
		})
	} else {
		obs.ObserveTokenOp("refresh_issue", "ok")
	}
	m.record(ctx, id, "token.refresh_issue", tokenID)
	return signed, exp, nil
}

// VerifyAccessToken checks signature, issuer, audience, expiry, and token
// type. When a fingerprint is supplied it must equal the embedded one. No
// database round-trip: access verification stays O(1) and stateless.
func (m *Manager) VerifyAccessToken(tokenStr, fingerprint string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parse(tokenStr, claims); err != nil {
		m.logFailure("access", "parse", err)
		return nil, ErrInvalidToken
	}
	if claims.TokenType != TypeAccess {
		m.logFailure("access", "type_mismatch", nil)
		return nil, ErrInvalidToken
	}
	if fingerprint != "" && claims.DeviceFingerprint != fingerprint {
		m.logFailure("access", "device_mismatch", nil)
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefreshToken fully validates the token (fingerprint equality is
// mandatory here), then checks the persisted record: missing, revoked, or
// expired state makes the token invalid. On success the record's last-used
// timestamp is updated and the identity is re-read from the store so role or
// tenant changes since issuance are honored immediately.
func (m *Manager) VerifyRefreshToken(ctx context.Context, tokenStr, fingerprint string) (*RefreshClaims, Identity, error) {
	claims := &RefreshClaims{}
	if err := m.parse(tokenStr, claims); err != nil {
		m.logFailure("refresh", "parse", err)
		return nil, Identity{}, ErrInvalidToken
	}
	if claims.TokenType != TypeRefresh {
		m.logFailure("refresh", "type_mismatch", nil)
		return nil, Identity{}, ErrInvalidToken
	}
	if fingerprint == "" || claims.DeviceFingerprint != fingerprint {
		m.logFailure("refresh", "device_mismatch", nil)
		return nil, Identity{}, ErrInvalidToken
	}

	rec, err := m.tokens.FindByHash(ctx, hashToken(tokenStr))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.logFailure("refresh", "record_missing", nil)
		} else {
			m.logFailure("refresh", "store_error", err)
		}
		return nil, Identity{}, ErrInvalidToken
	}
	now := m.now()
	if rec.RevokedAt != nil {
		m.logFailure("refresh", "revoked", nil)
		return nil, Identity{}, ErrInvalidToken
	}
	if !rec.ExpiresAt.After(now) {
		m.logFailure("refresh", "record_expired", nil)
		return nil, Identity{}, ErrInvalidToken
	}

	// Concurrent touches of the same token are benign; at most one
	// legitimate holder exists per device.
	if err := m.tokens.Touch(ctx, rec.ID, now.UTC()); err != nil {
		m.logFailure("refresh", "touch_failed", err)
	}

	id, err := m.identities.Lookup(ctx, rec.UserID, rec.TenantID)
	if err != nil || !id.Active {
		m.logFailure("refresh", "identity_unavailable", err)
		return nil, Identity{}, ErrInvalidToken
	}
	obs.ObserveTokenOp("refresh_verify", "ok")
	return claims, id, nil
}

// RefreshResult carries the outcome of a refresh exchange. RefreshExpiresAt
// is the retained refresh token's real expiry so transports can bound cookie
// lifetimes to it.
type RefreshResult struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Identity         Identity
}

// Refresh exchanges a valid refresh token for a new access token. The
// refresh token itself is retained while it stays valid; explicit rotation
// happens on demand via RevokeRefreshToken + GenerateRefreshToken.
func (m *Manager) Refresh(ctx context.Context, refreshToken, fingerprint string) (RefreshResult, error) {
	claims, id, err := m.VerifyRefreshToken(ctx, refreshToken, fingerprint)
	if err != nil {
		return RefreshResult{}, err
	}
	access, exp, err := m.GenerateAccessToken(id, fingerprint)
	if err != nil {
		return RefreshResult{}, err
	}
	res := RefreshResult{
		AccessToken:     access,
		AccessExpiresAt: exp,
		Identity:        id,
	}
	if claims.ExpiresAt != nil {
		res.RefreshExpiresAt = claims.ExpiresAt.Time
	}
	return res, nil
}

// RevokeRefreshToken marks the token's record revoked. The lookup is by the
// token's one-way hash, so only a token this service signed can match.
func (m *Manager) RevokeRefreshToken(ctx context.Context, tokenStr string) error {
	rec, err := m.tokens.FindByHash(ctx, hashToken(tokenStr))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if err := m.tokens.Revoke(ctx, rec.ID, m.now().UTC()); err != nil {
		obs.ObserveTokenOp("refresh_revoke", "error")
		return err
	}
	obs.ObserveTokenOp("refresh_revoke", "ok")
	m.record(ctx, Identity{UserID: rec.UserID, TenantID: rec.TenantID}, "token.refresh_revoke", rec.ID)
	return nil
}

// RevokeAllUserTokens supports "log out everywhere": every active record for
// the user/tenant is marked revoked in one statement.
func (m *Manager) RevokeAllUserTokens(ctx context.Context, userID, tenantID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(tenantID) == "" {
		return errors.New("token: user and tenant ids are required")
	}
	if err := m.tokens.RevokeAllForUser(ctx, userID, tenantID, m.now().UTC()); err != nil {
		obs.ObserveTokenOp("revoke_all", "error")
		return err
	}
	obs.ObserveTokenOp("revoke_all", "ok")
	m.record(ctx, Identity{UserID: userID, TenantID: tenantID}, "token.revoke_all", "")
	return nil
}

// CleanupExpiredTokens removes records past expiry or revoked more than 30
// days ago. Runs on a periodic schedule, concurrently with live traffic.
func (m *Manager) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	now := m.now().UTC()
	removed, err := m.tokens.DeleteExpired(ctx, now, now.Add(-30*24*time.Hour))
	if err != nil {
		obs.ObserveTokenOp("cleanup", "error")
		return 0, err
	}
	obs.ObserveTokenOp("cleanup", "ok")
	return removed, nil
}

func (m *Manager) parse(tokenStr string, claims jwt.Claims) error {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return errors.New("empty token")
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

func (m *Manager) logFailure(kind, cause string, err error) {
	obs.ObserveTokenOp(kind+"_verify", cause)
	if !m.failLog.Allow() {
		return
	}
	entry := map[string]any{
		"ts":    m.now().UTC().Format(time.RFC3339Nano),
		"type":  "token",
		"event": "verify_failed",
		"kind":  kind,
		"cause": cause,
	}
	if err != nil {
		entry["error"] = err.Error()
	}
	obs.Log(entry)
}

func (m *Manager) record(ctx context.Context, id Identity, action, tokenID string) {
	if m.sink == nil {
		return
	}
	m.sink.Record(ctx, audit.Entry{
		UserID:     id.UserID,
		TenantID:   id.TenantID,
		Resource:   "refresh_tokens",
		ResourceID: tokenID,
		Action:     action,
		Granted:    true,
		Reason:     action,
		CreatedAt:  m.now().UTC(),
	})
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
