package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/jmcleod/latchkey/storage"
)

type contextKey int

const sessionKey contextKey = iota

// AuthMiddleware authenticates the bearer token and stores the
// validated session on the request context. Validation slides the
// session's idle clock.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		sess, err := a.sessions.Validate(token)
		if err != nil {
			// Expired, revoked, and never-issued tokens are
			// indistinguishable to the caller.
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// sessionFrom returns the validated session stored by AuthMiddleware.
func sessionFrom(r *http.Request) (storage.Session, bool) {
	sess, ok := r.Context().Value(sessionKey).(storage.Session)
	return sess, ok
}

// extractClientIP returns the best-effort client IP. Forwarding headers
// are honored only when the direct peer is inside a trusted proxy range;
// otherwise the TCP peer address wins.
func (a *API) extractClientIP(r *http.Request) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(a.trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range a.trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

// parseIPCandidate normalizes a raw address that may carry a port,
// brackets, or surrounding whitespace.
func parseIPCandidate(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	raw = strings.Trim(raw, "[]")
	if addr, err := netip.ParseAddr(raw); err == nil {
		return addr.String(), true
	}
	return "", false
}
