package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/bcef-innovation/identity-core/internal/platform/httpx"
	"github.com/bcef-innovation/identity-core/internal/rbac"
)

const unknownIP = "unknown_ip"

// ClientIP returns the first X-Forwarded-For hop, falling back to the
// connection address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return unknownIP
}

// ScopeID identifies the caller for scope. User scope falls back to the
// client IP for anonymous callers.
func ScopeID(r *http.Request, scope Scope) string {
	if scope == ScopeUser {
		if p := rbac.PrincipalFromContext(r.Context()); !p.Anonymous() {
			return string(ScopeUser) + ":" + p.AccountID
		}
	}
	return string(ScopeIP) + ":" + ClientIP(r)
}

// Middleware rejects requests over rule with 429 and a {detail, count} body.
func (l *Limiter) Middleware(action string, rule Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := l.Allow(r.Context(), ScopeID(r, rule.Scope), action, "", rule); err != nil {
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
