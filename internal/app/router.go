package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bcef-innovation/identity-core/internal/accounts"
	"github.com/bcef-innovation/identity-core/internal/auth"
	"github.com/bcef-innovation/identity-core/internal/bulkimport"
	"github.com/bcef-innovation/identity-core/internal/observability"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
	"github.com/bcef-innovation/identity-core/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Sessions           *shared.SessionStore
	Principals         auth.PrincipalLoader
	AuthHandler        *auth.Handler
	AccountsHandler    *accounts.Handler
	ImportHandler      *bulkimport.Handler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:     params.Logger,
		Config:     params.Config,
		Sessions:   params.Sessions,
		Principals: params.Principals,
		Metrics:    params.Metrics,
	}) {
		r.Use(mw)
	}

	if params.Config == nil || !params.Config.IsProduction() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}
	if params.AccountsHandler != nil || params.ImportHandler != nil {
		r.Route("/accounts", func(r chi.Router) {
			if params.ImportHandler != nil {
				r.Route("/import", params.ImportHandler.MountRoutes)
			}
			if params.AccountsHandler != nil {
				params.AccountsHandler.MountRoutes(r)
			}
		})
	}
	if params.PermissionsHandler != nil {
		r.Route("/permissions", params.PermissionsHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}
