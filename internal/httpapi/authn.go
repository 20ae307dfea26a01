package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/nmatss/servicedesk-core/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/tokens/refresh",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

type claimsContextKey struct{}

// ClaimsFromContext returns the verified access claims, if any.
func ClaimsFromContext(ctx context.Context) (*token.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.AccessClaims)
	return claims, ok
}

// withAuth verifies the access token on protected paths and binds it to the
// requesting device fingerprint. The refresh endpoint stays public: an
// expired access token must not block refresh.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw := accessToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing access token")
			return
		}

		claims, err := a.tokens.VerifyAccessToken(raw, token.Fingerprint(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessToken prefers the Authorization header and falls back to the
// access cookie set by SetAuthCookies.
func accessToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if header != "" && strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return strings.TrimSpace(header[len(bearer):])
	}
	return token.AccessTokenFromRequest(r)
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// requireAdmin gates administrative endpoints on the caller's role claim.
func requireAdmin(w http.ResponseWriter, r *http.Request) (*token.AccessClaims, bool) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "admin role required")
		return nil, false
	}
	return claims, true
}
