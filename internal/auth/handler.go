package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bcef-innovation/identity-core/internal/platform/httpx"
	"github.com/bcef-innovation/identity-core/internal/ratelimit"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
)

var (
	RuleLogin  = ratelimit.Rule{Limit: 10, Period: time.Minute, Scope: ratelimit.ScopeIP}
	RuleLogout = ratelimit.Rule{Limit: 20, Period: time.Minute, Scope: ratelimit.ScopeUser}
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	limiter   *ratelimit.Limiter
	validator *validator.Validate
}

// NewHandler constructs a Handler instance. A nil limiter disables quotas.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, limiter *ratelimit.Limiter) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		rbac:      rbac,
		limiter:   limiter,
		validator: validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.limit("login", RuleLogin)).Post("/login", h.handleLogin)
	r.With(h.rbac.RequireAuthenticated(), h.limit("logout", RuleLogout)).Post("/logout", h.handleLogout)
}

func (h *Handler) limit(action string, rule ratelimit.Rule) func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.limiter.Middleware(action, rule)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token              string            `json:"token"`
	ExpiresAt          time.Time         `json:"expires_at"`
	AccountID          string            `json:"account_id"`
	Role               rbac.Role         `json:"role"`
	Capabilities       []rbac.Capability `json:"capabilities"`
	MustChangePassword bool              `json:"must_change_password"`
	PasswordExpired    bool              `json:"password_expired"`
	PasswordExpiry     *time.Time        `json:"password_expiry,omitempty"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	login, err := h.service.Authenticate(r.Context(), Credentials{
		Email:     req.Email,
		Password:  req.Password,
		IP:        ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, loginResponse{
		Token:              login.Token,
		ExpiresAt:          login.ExpiresAt,
		AccountID:          login.Principal.AccountID,
		Role:               login.Principal.Role,
		Capabilities:       login.Principal.Capabilities().List(),
		MustChangePassword: login.MustChangePassword,
		PasswordExpired:    login.Principal.PasswordExpired(time.Now()),
		PasswordExpiry:     login.Principal.PasswordExpiry,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	if err := h.service.Logout(r.Context(), rbac.PrincipalFromContext(r.Context()), sess.ID); err != nil {
		h.logger.Warn("remove session", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
