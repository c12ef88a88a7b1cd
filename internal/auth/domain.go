package auth

import (
	"time"

	"github.com/bcef-innovation/identity-core/internal/rbac"
)

// Credentials are the login inputs.
type Credentials struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
}

// Login is a successful authentication: the bearer token and the principal
// it resolves to.
type Login struct {
	Token              string
	ExpiresAt          time.Time
	Principal          rbac.Principal
	MustChangePassword bool
}
