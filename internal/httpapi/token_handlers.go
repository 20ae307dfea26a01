package httpapi

import (
	"net/http"
	"time"

	"github.com/nmatss/servicedesk-core/internal/token"
)

type refreshResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
	TenantSlug  string    `json:"tenant_slug"`
}

// handleRefresh exchanges a valid refresh token for a new access token. The
// refresh token comes from the cookie or the request body; the device
// fingerprint is always derived from the live request.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	refreshToken := token.RefreshTokenFromRequest(r)
	if refreshToken == "" {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusUnauthorized, "missing refresh token")
			return
		}
		refreshToken = req.RefreshToken
	}
	if refreshToken == "" {
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	res, err := a.tokens.Refresh(r.Context(), refreshToken, token.Fingerprint(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	token.SetAuthCookies(w, res.AccessToken, refreshToken, res.RefreshExpiresAt, r.TLS != nil)
	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken: res.AccessToken,
		ExpiresAt:   res.AccessExpiresAt,
		UserID:      res.Identity.UserID,
		TenantSlug:  res.Identity.TenantSlug,
	})
}

// handleRevoke invalidates the presented refresh token and clears cookies.
func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	refreshToken := token.RefreshTokenFromRequest(r)
	if refreshToken != "" {
		// Revocation of an already invalid token is not an error worth
		// reporting to the caller.
		_ = a.tokens.RevokeRefreshToken(r.Context(), refreshToken)
	}
	token.ClearAuthCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleRevokeAll invalidates every refresh token of the calling user.
func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.tokens.RevokeAllUserTokens(r.Context(), claims.UserID, claims.TenantID); err != nil {
		writeError(w, http.StatusInternalServerError, "revocation failed")
		return
	}
	token.ClearAuthCookies(w)
	w.WriteHeader(http.StatusNoContent)
}
