package token

import (
	"crypto/sha256"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
)

// fingerprintHeaders is the fixed ordered attribute set hashed into the
// device fingerprint. Order matters: the same request must always yield the
// same digest.
var fingerprintHeaders = []string{
	"User-Agent",
	"Accept-Language",
	"Accept-Encoding",
	"Sec-CH-UA",
	"Sec-CH-UA-Platform",
	"Sec-CH-UA-Mobile",
	"Sec-CH-UA-Model",
	"Viewport-Width",
}

// Fingerprint derives a stable device identifier from observable request
// attributes: the leftmost forwarded client address, a fixed header set, and
// the long-lived device cookie when present. This is a heuristic binding,
// not a strong device identity. Pure function, no I/O.
func Fingerprint(r *http.Request) string {
	parts := make([]string, 0, len(fingerprintHeaders)+2)
	parts = append(parts, clientAddr(r))
	for _, h := range fingerprintHeaders {
		parts = append(parts, r.Header.Get(h))
	}
	parts = append(parts, DeviceIDFromRequest(r))

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// clientAddr returns the leftmost X-Forwarded-For entry, falling back to the
// connection's remote host.
func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
