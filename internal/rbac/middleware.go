package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bcef-innovation/identity-core/internal/platform/httpx"
	"github.com/bcef-innovation/identity-core/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Auditor shared.Auditor
	Logger  *slog.Logger
	Now     func() time.Time
}

// Require admits callers satisfying req. Denials are audited.
func (m Middleware) Require(req Requirement) func(http.Handler) http.Handler {
	req = normalizeRequirement(req)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if err := Authorize(p, req, m.now()); err != nil {
				m.deny(r.Context(), r, p, err)
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAny ensures the current principal holds at least one capability.
func (m Middleware) RequireAny(caps ...Capability) func(http.Handler) http.Handler {
	return m.Require(AnyOf(caps...))
}

// RequireAuthenticated admits any signed-in principal, including one whose
// password expired, so the password can still be changed.
func (m Middleware) RequireAuthenticated() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p.Anonymous() {
				m.deny(r.Context(), r, p, shared.ErrUnauthenticated)
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) deny(ctx context.Context, r *http.Request, p Principal, cause error) {
	outcome := "forbidden"
	switch {
	case errors.Is(cause, shared.ErrPasswordExpired):
		outcome = "password_expired"
	case errors.Is(cause, shared.ErrUnauthenticated):
		outcome = "unauthenticated"
	}
	if m.Logger != nil {
		m.Logger.Info("rbac denied",
			slog.String("account_id", p.AccountID),
			slog.String("role", string(p.Role)),
			slog.String("path", r.URL.Path),
			slog.String("reason", outcome))
	}
	if m.Auditor == nil {
		return
	}
	err := m.Auditor.Record(ctx, shared.AuditLog{
		ActorID:  p.AccountID,
		Action:   "authorization.denied",
		Entity:   "route",
		EntityID: r.Method + " " + r.URL.Path,
		Outcome:  shared.OutcomeDenied,
		Meta:     map[string]any{"reason": outcome, "role": string(p.Role)},
	})
	if err != nil && m.Logger != nil {
		m.Logger.Warn("rbac audit", slog.Any("error", err))
	}
}

func (m Middleware) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func normalizeRequirement(req Requirement) Requirement {
	out := Requirement{}
	seenCaps := make(map[Capability]struct{}, len(req.Capabilities))
	for _, c := range req.Capabilities {
		c = Capability(strings.TrimSpace(strings.ToLower(string(c))))
		if c == "" {
			continue
		}
		if _, ok := seenCaps[c]; ok {
			continue
		}
		seenCaps[c] = struct{}{}
		out.Capabilities = append(out.Capabilities, c)
	}
	for _, role := range req.Roles {
		if role.Valid() {
			out.Roles = append(out.Roles, role)
		}
	}
	return out
}
