// Package tokens issues and validates the single-use activation and password
// reset tokens carried on an account.
package tokens

import (
	"crypto/subtle"
	"time"

	"github.com/google/uuid"

	"github.com/bcef-innovation/identity-core/internal/identity"
)

// Kind selects which token slot on the account is addressed.
type Kind string

const (
	KindActivation Kind = "activation"
	KindReset      Kind = "password_reset"
)

// Default lifetimes.
const (
	DefaultActivationTTL = 48 * time.Hour
	DefaultResetTTL      = time.Hour
)

// Authority mints and checks tokens. It only mutates the in-memory account;
// callers persist the token together with the state change it authorises.
type Authority struct {
	activationTTL time.Duration
	resetTTL      time.Duration
	now           func() time.Time
	newToken      func() string
}

// Option customises an Authority.
type Option func(*Authority)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithGenerator overrides the token generator.
func WithGenerator(gen func() string) Option {
	return func(a *Authority) { a.newToken = gen }
}

// NewAuthority constructs an Authority. Non-positive TTLs fall back to defaults.
func NewAuthority(activationTTL, resetTTL time.Duration, opts ...Option) *Authority {
	if activationTTL <= 0 {
		activationTTL = DefaultActivationTTL
	}
	if resetTTL <= 0 {
		resetTTL = DefaultResetTTL
	}
	a := &Authority{
		activationTTL: activationTTL,
		resetTTL:      resetTTL,
		now:           time.Now,
		newToken:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issued describes a freshly minted token.
type Issued struct {
	Token  string
	Expiry time.Time
}

// IssueActivation stores a new activation token on acct, replacing any
// previous one.
func (a *Authority) IssueActivation(acct *identity.Account) Issued {
	issued := Issued{Token: a.newToken(), Expiry: a.now().UTC().Add(a.activationTTL)}
	acct.ActivationToken = issued.Token
	acct.ActivationTokenExpiry = &issued.Expiry
	return issued
}

// IssuePasswordReset stores a new reset token on acct, replacing any previous
// one.
func (a *Authority) IssuePasswordReset(acct *identity.Account) Issued {
	issued := Issued{Token: a.newToken(), Expiry: a.now().UTC().Add(a.resetTTL)}
	acct.ResetToken = issued.Token
	acct.ResetTokenExpiry = &issued.Expiry
	return issued
}

// Validate reports whether token is currently usable on acct for kind.
func (a *Authority) Validate(acct *identity.Account, token string, kind Kind) bool {
	if acct == nil || token == "" {
		return false
	}
	stored, expiry := slot(acct, kind)
	if stored == "" || expiry == nil {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		return false
	}
	if !a.now().Before(*expiry) {
		return false
	}
	switch kind {
	case KindActivation:
		return acct.Status == identity.StatusPendingActivation
	case KindReset:
		return acct.Status != identity.StatusArchived
	}
	return false
}

// Consume clears the token and its expiry together.
func (a *Authority) Consume(acct *identity.Account, kind Kind) {
	switch kind {
	case KindActivation:
		acct.ActivationToken = ""
		acct.ActivationTokenExpiry = nil
	case KindReset:
		acct.ResetToken = ""
		acct.ResetTokenExpiry = nil
	}
}

// ClearExpired drops every expired token from acct and reports whether
// anything changed.
func (a *Authority) ClearExpired(acct *identity.Account) bool {
	now := a.now()
	changed := false
	if acct.ActivationTokenExpiry != nil && !now.Before(*acct.ActivationTokenExpiry) {
		a.Consume(acct, KindActivation)
		changed = true
	}
	if acct.ResetTokenExpiry != nil && !now.Before(*acct.ResetTokenExpiry) {
		a.Consume(acct, KindReset)
		changed = true
	}
	return changed
}

// Now exposes the authority's clock so callers share one time source.
func (a *Authority) Now() time.Time {
	return a.now()
}

func slot(acct *identity.Account, kind Kind) (string, *time.Time) {
	switch kind {
	case KindActivation:
		return acct.ActivationToken, acct.ActivationTokenExpiry
	case KindReset:
		return acct.ResetToken, acct.ResetTokenExpiry
	}
	return "", nil
}
