package rbac

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bcef-innovation/identity-core/internal/platform/httpx"
)

// PermissionsHandler exposes the role to capability table.
type PermissionsHandler struct {
	rbac Middleware
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(rbac Middleware) *PermissionsHandler {
	return &PermissionsHandler{rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAuthenticated())
		r.Get("/me", h.myCapabilities)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(AnyOf(CapManageUsers).Or(RoleAdmin)))
		r.Get("/", h.listRoles)
	})
}

func (h *PermissionsHandler) listRoles(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": Table()})
}

type principalView struct {
	AccountID       string       `json:"account_id"`
	Role            Role         `json:"role"`
	Capabilities    []Capability `json:"capabilities"`
	PasswordExpired bool         `json:"password_expired"`
}

func (h *PermissionsHandler) myCapabilities(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	httpx.JSON(w, http.StatusOK, principalView{
		AccountID:       p.AccountID,
		Role:            p.Role,
		Capabilities:    p.Capabilities().List(),
		PasswordExpired: p.PasswordExpired(h.rbac.now()),
	})
}
