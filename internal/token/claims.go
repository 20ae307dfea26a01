package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer and Audience are fixed for every token this service signs.
	Issuer   = "servicedesk"
	Audience = "servicedesk-web"

	TypeAccess  = "access"
	TypeRefresh = "refresh"

	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// AccessClaims is the stateless access token payload. Verification never
// touches the database.
type AccessClaims struct {
	UserID            string `json:"user_id"`
	TenantID          string `json:"tenant_id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	Role              string `json:"role"`
	TenantSlug        string `json:"tenant_slug"`
	DeviceFingerprint string `json:"device_fingerprint"`
	TokenType         string `json:"type"`
	jwt.RegisteredClaims
}

// RefreshClaims is the refresh token payload. The signed token is also
// persisted as a one-way hash so it can be revoked before natural expiry.
type RefreshClaims struct {
	UserID            string `json:"user_id"`
	TenantID          string `json:"tenant_id"`
	TokenID           string `json:"token_id"`
	DeviceFingerprint string `json:"device_fingerprint"`
	TokenType         string `json:"type"`
	jwt.RegisteredClaims
}
