package accounts

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bcef-innovation/identity-core/internal/identity"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateEmail checks the syntax of an already normalized email.
func ValidateEmail(email string) error {
	if email == "" {
		return shared.InvalidField("email", "missing email")
	}
	if err := validate.Var(email, "email,max=254"); err != nil {
		return shared.InvalidField("email", "invalid email")
	}
	return nil
}

type profileRequest struct {
	Profession      string `json:"profession" validate:"max=120"`
	Specialty       string `json:"specialty" validate:"max=120"`
	FieldOfStudy    string `json:"field_of_study" validate:"max=120"`
	University      string `json:"university" validate:"max=200"`
	SupervisorEmail string `json:"supervisor_email" validate:"omitempty,email"`
	Address         string `json:"address" validate:"max=255"`
}

func (p profileRequest) toDomain() identity.Profile {
	return identity.Profile{
		Profession:      p.Profession,
		Specialty:       p.Specialty,
		FieldOfStudy:    p.FieldOfStudy,
		University:      p.University,
		SupervisorEmail: p.SupervisorEmail,
		Address:         p.Address,
	}
}

type registerRequest struct {
	Email     string         `json:"email" validate:"required,email"`
	FirstName string         `json:"first_name" validate:"max=150"`
	LastName  string         `json:"last_name" validate:"max=150"`
	Phone     string         `json:"phone" validate:"max=32"`
	Role      string         `json:"role" validate:"required,oneof=admin supervisor intern visitor"`
	Password  string         `json:"password" validate:"omitempty,max=72"`
	Profile   profileRequest `json:"profile"`
}

func (r registerRequest) toInput() RegisterInput {
	return RegisterInput{
		Email:     r.Email,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Phone:     r.Phone,
		Role:      rbac.Role(r.Role),
		Password:  r.Password,
		Profile:   r.Profile.toDomain(),
	}
}

type activateRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"omitempty,max=72"`
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,max=72"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,max=72"`
}

type changeRoleRequest struct {
	Role    string          `json:"role" validate:"required,oneof=admin supervisor intern visitor"`
	Profile *profileRequest `json:"profile"`
}

type profileView struct {
	Profession      string `json:"profession,omitempty"`
	Specialty       string `json:"specialty,omitempty"`
	FieldOfStudy    string `json:"field_of_study,omitempty"`
	University      string `json:"university,omitempty"`
	SupervisorEmail string `json:"supervisor_email,omitempty"`
	Address         string `json:"address,omitempty"`
}

type accountView struct {
	ID                 string      `json:"id"`
	Email              string      `json:"email"`
	FirstName          string      `json:"first_name"`
	LastName           string      `json:"last_name"`
	Phone              string      `json:"phone,omitempty"`
	Role               rbac.Role   `json:"role"`
	Status             string      `json:"status"`
	MustChangePassword bool        `json:"must_change_password"`
	PasswordExpiry     *time.Time  `json:"password_expiry,omitempty"`
	DeletedAt          *time.Time  `json:"deleted_at,omitempty"`
	Profile            profileView `json:"profile"`
	CreatedAt          time.Time   `json:"created_at"`
}

func toView(a *identity.Account) accountView {
	return accountView{
		ID:                 a.ID,
		Email:              a.Email,
		FirstName:          a.FirstName,
		LastName:           a.LastName,
		Phone:              a.Phone,
		Role:               a.Role,
		Status:             string(a.Status),
		MustChangePassword: a.MustChangePassword,
		PasswordExpiry:     a.PasswordExpiry,
		DeletedAt:          a.DeletedAt,
		Profile: profileView{
			Profession:      a.Profile.Profession,
			Specialty:       a.Profile.Specialty,
			FieldOfStudy:    a.Profile.FieldOfStudy,
			University:      a.Profile.University,
			SupervisorEmail: a.Profile.SupervisorEmail,
			Address:         a.Profile.Address,
		},
		CreatedAt: a.CreatedAt,
	}
}
