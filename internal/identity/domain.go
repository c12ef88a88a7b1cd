// Package identity holds the account and profile records shared by the
// lifecycle, token and import components.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/bcef-innovation/identity-core/internal/rbac"
)

// Status is the lifecycle state of an account.
type Status string

const (
	StatusPendingActivation Status = "pending_activation"
	StatusActive            Status = "active"
	StatusSuspended         Status = "suspended"
	StatusArchived          Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingActivation, StatusActive, StatusSuspended, StatusArchived:
		return true
	}
	return false
}

// Account represents an identity record.
type Account struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Role      rbac.Role
	IsStaff   bool
	Status    Status

	PasswordHash       string
	PasswordExpiry     *time.Time
	MustChangePassword bool

	ActivationToken       string
	ActivationTokenExpiry *time.Time
	ResetToken            string
	ResetTokenExpiry      *time.Time

	DeletedAt *time.Time
	DeletedBy string

	Profile   Profile
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Profile is the 1:1 extension holding role-conditional fields.
type Profile struct {
	Profession      string
	Specialty       string
	FieldOfStudy    string
	University      string
	SupervisorEmail string
	Address         string
}

// FullName joins first and last name.
func (a *Account) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// Principal projects the account onto an authorization principal.
func (a *Account) Principal() rbac.Principal {
	return rbac.Principal{
		AccountID:      a.ID,
		Email:          a.Email,
		Role:           a.Role,
		IsStaff:        a.IsStaff,
		PasswordExpiry: a.PasswordExpiry,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	out.PasswordExpiry = cloneTime(a.PasswordExpiry)
	out.ActivationTokenExpiry = cloneTime(a.ActivationTokenExpiry)
	out.ResetTokenExpiry = cloneTime(a.ResetTokenExpiry)
	out.DeletedAt = cloneTime(a.DeletedAt)
	return &out
}

// CheckInvariants validates write-time constraints on the record.
func (a *Account) CheckInvariants() error {
	if !a.Role.Valid() {
		return fmt.Errorf("identity: invalid role %q", a.Role)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("identity: invalid status %q", a.Status)
	}
	if a.Role == rbac.RoleAdmin && !a.IsStaff {
		return fmt.Errorf("identity: admin account %s must be staff", a.ID)
	}
	if (a.ActivationToken == "") != (a.ActivationTokenExpiry == nil) {
		return fmt.Errorf("identity: activation token and expiry must be set together")
	}
	if (a.ResetToken == "") != (a.ResetTokenExpiry == nil) {
		return fmt.Errorf("identity: reset token and expiry must be set together")
	}
	return nil
}

// NormalizeEmail trims and lower-cases an email for storage and comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RequiredProfileFields lists the profile fields that must be non-blank for role.
func RequiredProfileFields(role rbac.Role) []string {
	switch role {
	case rbac.RoleSupervisor:
		return []string{"profession", "specialty"}
	case rbac.RoleIntern:
		return []string{"field_of_study"}
	}
	return nil
}

// MissingProfileField returns the first required field left blank, if any.
func MissingProfileField(role rbac.Role, p Profile) string {
	for _, field := range RequiredProfileFields(role) {
		if strings.TrimSpace(p.Field(field)) == "" {
			return field
		}
	}
	return ""
}

// Field returns a profile field by its column name.
func (p Profile) Field(name string) string {
	switch name {
	case "profession":
		return p.Profession
	case "specialty":
		return p.Specialty
	case "field_of_study":
		return p.FieldOfStudy
	case "university":
		return p.University
	case "supervisor_email":
		return p.SupervisorEmail
	case "address":
		return p.Address
	}
	return ""
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
