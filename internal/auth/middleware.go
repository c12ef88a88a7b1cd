package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/bcef-innovation/identity-core/internal/platform/httpx"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
)

// PrincipalLoader resolves an account id to its current principal.
type PrincipalLoader interface {
	Principal(ctx context.Context, accountID string) (rbac.Principal, error)
}

// LoadPrincipal attaches the session and principal behind a bearer token to
// the request context. Requests without a valid session continue anonymously.
func LoadPrincipal(sessions *shared.SessionStore, loader PrincipalLoader, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := shared.BearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			sess, err := sessions.Load(r.Context(), token)
			if err == nil {
				var p rbac.Principal
				p, err = loader.Principal(r.Context(), sess.AccountID)
				if err == nil {
					ctx := shared.ContextWithSession(r.Context(), sess)
					ctx = rbac.WithPrincipal(ctx, p)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			if errors.Is(err, shared.ErrDependency) {
				logger.ErrorContext(r.Context(), "load principal", slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
