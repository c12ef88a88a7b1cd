package rbac

import (
	"context"
	"time"

	"github.com/bcef-innovation/identity-core/internal/shared"
)

// roleCapabilities is built once at init and never mutated afterwards.
var roleCapabilities = map[Role]CapabilitySet{
	RoleVisitor: newCapabilitySet(
		CapViewAnnouncements,
		CapViewStats,
		CapSendSuggestions,
		CapViewCompanyLocation,
	),
	RoleIntern: newCapabilitySet(
		CapViewAnnouncements,
		CapViewStats,
		CapSendSuggestions,
		CapViewCompanyLocation,
		CapSubmitTask,
		CapUploadDocument,
		CapDownloadCorrection,
		CapChatWithAdmin,
		CapChatWithSupervisor,
	),
	RoleSupervisor: newCapabilitySet(
		CapViewAssignedStudents,
		CapViewStudentProgress,
		CapDownloadStudentDocument,
		CapUploadCorrection,
		CapChatWithStudent,
		CapViewAnnouncements,
		CapViewStats,
		CapViewCompanyLocation,
	),
	RoleAdmin: newCapabilitySet(
		CapLogin,
		CapManageUsers,
		CapManageInterns,
		CapManageSupervisors,
		CapBulkImportUsers,
		CapExportUsers,
		CapAssignTheme,
		CapCreateTheme,
		CapFilterThemes,
		CapExportThemes,
		CapManageTrainings,
		CapPublishRecruitment,
		CapManageDomains,
		CapViewDashboards,
		CapViewAnnouncements,
		CapViewStats,
		CapViewCompanyLocation,
	),
}

// Resolve returns the capability set of role. Unknown roles resolve to the
// visitor set.
func Resolve(role Role) CapabilitySet {
	if set, ok := roleCapabilities[role]; ok {
		return set
	}
	return roleCapabilities[RoleVisitor]
}

// Capabilities resolves the principal's capability set.
func (p Principal) Capabilities() CapabilitySet {
	return Resolve(p.Role)
}

// Allows reports whether a caller with role and caps satisfies req.
func Allows(caps CapabilitySet, role Role, req Requirement) bool {
	if req.Empty() {
		return true
	}
	for _, r := range req.Roles {
		if r == role {
			return true
		}
	}
	return caps.HasAny(req.Capabilities...)
}

// Authorize evaluates req for p at now. A principal whose password expired is
// refused with shared.ErrPasswordExpired regardless of the requirement.
func Authorize(p Principal, req Requirement, now time.Time) error {
	if p.PasswordExpired(now) {
		return shared.ErrPasswordExpired
	}
	if req.Empty() {
		return nil
	}
	if p.Anonymous() {
		// Anonymous callers hold the visitor set.
		if !Allows(Resolve(RoleVisitor), RoleVisitor, req) {
			return shared.ErrUnauthenticated
		}
		return nil
	}
	if !Allows(p.Capabilities(), p.Role, req) {
		return shared.ErrForbidden
	}
	return nil
}

// RoleGrant is the public view of one row of the capability table.
type RoleGrant struct {
	Role         Role         `json:"role"`
	Capabilities []Capability `json:"capabilities"`
}

// Table returns the full role to capability mapping.
func Table() []RoleGrant {
	roles := Roles()
	out := make([]RoleGrant, 0, len(roles))
	for _, r := range roles {
		out = append(out, RoleGrant{Role: r, Capabilities: Resolve(r).List()})
	}
	return out
}

type principalContextKey struct{}

// WithPrincipal stores the principal in context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context. Missing
// principals are anonymous.
func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalContextKey{}).(Principal)
	return p
}
