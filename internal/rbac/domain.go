package rbac

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleIntern     Role = "intern"
	RoleVisitor    Role = "visitor"
)

// Roles lists every role in privilege order.
func Roles() []Role {
	return []Role{RoleAdmin, RoleSupervisor, RoleIntern, RoleVisitor}
}

// Valid reports whether r is a member of the role enum.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSupervisor, RoleIntern, RoleVisitor:
		return true
	}
	return false
}

// ParseRole parses a role name case-insensitively.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("rbac: unknown role %q", raw)
	}
	return role, nil
}

// Capability represents an atomic, named authorization token.
type Capability string

// Visitor capabilities.
const (
	CapViewAnnouncements   Capability = "view_announcements"
	CapViewStats           Capability = "view_stats"
	CapSendSuggestions     Capability = "send_suggestions"
	CapViewCompanyLocation Capability = "view_company_location"
)

// Intern capabilities.
const (
	CapSubmitTask         Capability = "submit_task"
	CapUploadDocument     Capability = "upload_document"
	CapDownloadCorrection Capability = "download_correction"
	CapChatWithAdmin      Capability = "chat_with_admin"
	CapChatWithSupervisor Capability = "chat_with_supervisor"
)

// Supervisor capabilities.
const (
	CapViewAssignedStudents    Capability = "view_assigned_students"
	CapViewStudentProgress     Capability = "view_student_progress"
	CapDownloadStudentDocument Capability = "download_student_document"
	CapUploadCorrection        Capability = "upload_correction"
	CapChatWithStudent         Capability = "chat_with_student"
)

// Admin capabilities.
const (
	CapLogin              Capability = "login"
	CapManageInterns      Capability = "manage_interns"
	CapManageUsers        Capability = "manage_users"
	CapManageSupervisors  Capability = "manage_supervisors"
	CapBulkImportUsers    Capability = "bulk_import_users"
	CapExportUsers        Capability = "export_users"
	CapAssignTheme        Capability = "assign_theme"
	CapCreateTheme        Capability = "create_theme"
	CapFilterThemes       Capability = "filter_themes"
	CapExportThemes       Capability = "export_themes"
	CapManageTrainings    Capability = "manage_trainings"
	CapPublishRecruitment Capability = "publish_recruitment"
	CapManageDomains      Capability = "manage_domains"
	CapViewDashboards     Capability = "view_dashboards"
)

// CapabilitySet is an immutable set of capabilities. The zero value is empty.
type CapabilitySet struct {
	members map[Capability]struct{}
}

func newCapabilitySet(caps ...Capability) CapabilitySet {
	members := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		members[c] = struct{}{}
	}
	return CapabilitySet{members: members}
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s.members[c]
	return ok
}

// HasAny reports whether any of caps is in the set.
func (s CapabilitySet) HasAny(caps ...Capability) bool {
	for _, c := range caps {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// Len returns the set size.
func (s CapabilitySet) Len() int { return len(s.members) }

// List returns the members sorted by name.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s.members))
	for c := range s.members {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Principal describes the authenticated actor. The zero value is an
// anonymous caller.
type Principal struct {
	AccountID      string
	Email          string
	Role           Role
	IsStaff        bool
	PasswordExpiry *time.Time
}

// Anonymous reports whether the principal carries no account.
func (p Principal) Anonymous() bool {
	return p.AccountID == ""
}

// PasswordExpired reports whether the principal's password expired at now.
func (p Principal) PasswordExpired(now time.Time) bool {
	return p.PasswordExpiry != nil && now.After(*p.PasswordExpiry)
}

// Requirement is satisfied when the caller holds ANY listed role OR ANY listed
// capability. An empty requirement admits every caller.
type Requirement struct {
	Roles        []Role
	Capabilities []Capability
}

// AnyOf builds a capability-only requirement.
func AnyOf(caps ...Capability) Requirement {
	return Requirement{Capabilities: caps}
}

// Or adds alternative roles to the requirement.
func (r Requirement) Or(roles ...Role) Requirement {
	r.Roles = append(append([]Role(nil), r.Roles...), roles...)
	return r
}

// Empty reports whether the requirement constrains nothing.
func (r Requirement) Empty() bool {
	return len(r.Roles) == 0 && len(r.Capabilities) == 0
}
