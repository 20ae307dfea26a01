package token

import (
	"net/http"
	"time"
)

// Credential transport contract: two HTTP-only same-site cookies for the
// token pair, plus one readable long-lived device-id cookie that only
// stabilizes fingerprinting across sessions. The device id is never an
// authorization factor by itself.
const (
	CookieAccess  = "sd_access"
	CookieRefresh = "sd_refresh"
	CookieDevice  = "sd_device"

	deviceCookieTTL = 365 * 24 * time.Hour
)

// SetAuthCookies writes the access and refresh token cookies. The refresh
// cookie's lifetime is bounded by refreshExpiry so a retained token's cookie
// never outlives the token; a zero expiry falls back to the default TTL for
// freshly issued tokens.
func SetAuthCookies(w http.ResponseWriter, access, refresh string, refreshExpiry time.Time, secure bool) {
	refreshMaxAge := int(defaultRefreshTTL / time.Second)
	if !refreshExpiry.IsZero() {
		remaining := time.Until(refreshExpiry)
		if remaining < 0 {
			remaining = 0
		}
		refreshMaxAge = int(remaining / time.Second)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieAccess,
		Value:    access,
		Path:     "/",
		MaxAge:   int(defaultAccessTTL / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CookieRefresh,
		Value:    refresh,
		Path:     "/",
		MaxAge:   refreshMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SetDeviceCookie writes the non-HTTP-only device-id cookie.
func SetDeviceCookie(w http.ResponseWriter, deviceID string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieDevice,
		Value:    deviceID,
		Path:     "/",
		MaxAge:   int(deviceCookieTTL / time.Second),
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearAuthCookies expires both token cookies, e.g. on logout. The device
// cookie survives so the fingerprint stays stable for the next login.
func ClearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{CookieAccess, CookieRefresh} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// AccessTokenFromRequest reads the access token cookie.
func AccessTokenFromRequest(r *http.Request) string {
	return cookieValue(r, CookieAccess)
}

// RefreshTokenFromRequest reads the refresh token cookie.
func RefreshTokenFromRequest(r *http.Request) string {
	return cookieValue(r, CookieRefresh)
}

// DeviceIDFromRequest reads the device-id cookie, empty when absent.
func DeviceIDFromRequest(r *http.Request) string {
	return cookieValue(r, CookieDevice)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
