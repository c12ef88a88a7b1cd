package accounts

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bcef-innovation/identity-core/internal/identity"
	"github.com/bcef-innovation/identity-core/internal/platform/httpx"
	"github.com/bcef-innovation/identity-core/internal/ratelimit"
	"github.com/bcef-innovation/identity-core/internal/rbac"
)

// Per-route quotas.
var (
	RuleRegister       = ratelimit.Rule{Limit: 20, Period: time.Hour, Scope: ratelimit.ScopeIP}
	RuleActivate       = ratelimit.Rule{Limit: 100, Period: 5 * time.Minute, Scope: ratelimit.ScopeIP}
	RulePasswordReset  = ratelimit.Rule{Limit: 5, Period: time.Hour, Scope: ratelimit.ScopeIP}
	RulePasswordChange = ratelimit.Rule{Limit: 10, Period: time.Minute, Scope: ratelimit.ScopeUser}
	RuleManage         = ratelimit.Rule{Limit: 30, Period: time.Minute, Scope: ratelimit.ScopeUser}
)

// Handler wires HTTP endpoints for the account lifecycle.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
	limiter *ratelimit.Limiter
}

// NewHandler constructs a Handler instance. A nil limiter disables quotas.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, limiter *ratelimit.Limiter) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, limiter: limiter}
}

// MountRoutes registers account routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.limit("register", RuleRegister)).Post("/register", h.handleRegister)
	r.With(h.limit("activate", RuleActivate)).Post("/activate", h.handleActivate)
	r.With(h.limit("password_reset", RulePasswordReset)).Post("/password/reset", h.handleRequestReset)
	r.With(h.limit("password_reset_confirm", RulePasswordReset)).Post("/password/reset/confirm", h.handleConfirmReset)

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAuthenticated())
		r.With(h.limit("password_change", RulePasswordChange)).Post("/password/change", h.handleChangePassword)
		r.Get("/me", h.handleMe)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.AnyOf(rbac.CapManageUsers).Or(rbac.RoleAdmin)))
		r.Use(h.limit("manage_accounts", RuleManage))
		r.Post("/", h.handleCreate)
		r.Post("/{id}/activation", h.handleResendActivation)
		r.Post("/{id}/suspend", h.handleSuspend)
		r.Post("/{id}/reactivate", h.handleReactivate)
		r.Post("/{id}/restore", h.handleRestore)
		r.Delete("/{id}", h.handleSoftDelete)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.Requirement{Roles: []rbac.Role{rbac.RoleAdmin}}))
		r.Use(h.limit("manage_accounts", RuleManage))
		r.Put("/{id}/role", h.handleChangeRole)
	})
}

func (h *Handler) limit(action string, rule ratelimit.Rule) func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.limiter.Middleware(action, rule)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := validate.Struct(target); err != nil {
		httpx.ValidationProblem(w, err)
		return false
	}
	return true
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Register(r.Context(), rbac.Principal{}, req.toInput())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"account":  toView(res.Account),
		"notified": res.Notified,
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Register(r.Context(), rbac.PrincipalFromContext(r.Context()), req.toInput())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"account":  toView(res.Account),
		"notified": res.Notified,
	})
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, err := h.service.Activate(r.Context(), req.Email, req.Token, req.NewPassword)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(acct))
}

const resetAccepted = "if an active account uses this email, a reset token has been sent"

func (h *Handler) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"detail": resetAccepted})
}

func (h *Handler) handleConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := rbac.PrincipalFromContext(r.Context())
	if err := h.service.ChangePassword(r.Context(), p.AccountID, req.OldPassword, req.NewPassword); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	p := rbac.PrincipalFromContext(r.Context())
	acct, err := h.service.Get(r.Context(), p.AccountID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"account":          toView(acct),
		"capabilities":     p.Capabilities().List(),
		"password_expired": p.PasswordExpired(h.service.Now()),
	})
}

func (h *Handler) handleResendActivation(w http.ResponseWriter, r *http.Request) {
	notified, err := h.service.ResendActivation(r.Context(), rbac.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]bool{"notified": notified})
}

func (h *Handler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Suspend(r.Context(), rbac.PrincipalFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Reactivate(r.Context(), rbac.PrincipalFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SoftDelete(r.Context(), rbac.PrincipalFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Restore(r.Context(), rbac.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"account":       toView(res.Account),
		"identity_lost": res.IdentityLost,
		"warning":       res.Warning,
	})
}

func (h *Handler) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	var profile *identity.Profile
	if req.Profile != nil {
		p := req.Profile.toDomain()
		profile = &p
	}
	acct, err := h.service.ChangeRole(r.Context(), rbac.PrincipalFromContext(r.Context()), chi.URLParam(r, "id"), rbac.Role(req.Role), profile)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(acct))
}
