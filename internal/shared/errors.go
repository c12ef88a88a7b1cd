package shared

import (
	"errors"
	"fmt"
	"time"
)

// Error classes. Every error surfaced by the identity core wraps exactly one of
// these so transports can map it without knowing the specific cause.
var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a request that clashes with current state.
	ErrConflict = errors.New("conflict")
	// ErrAuthorization marks a caller that may not perform the action.
	ErrAuthorization = errors.New("not authorized")
	// ErrRateLimited marks a request rejected by the rate limiter.
	ErrRateLimited = errors.New("rate limited")
	// ErrDependency marks a persistence or infrastructure failure.
	ErrDependency = errors.New("dependency failure")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
)

var (
	ErrInvalidToken      = fmt.Errorf("invalid or expired token: %w", ErrValidation)
	ErrPolicyViolation   = fmt.Errorf("password does not satisfy policy: %w", ErrValidation)
	ErrAlreadyActive     = fmt.Errorf("account already active: %w", ErrConflict)
	ErrAlreadyArchived   = fmt.Errorf("account already archived: %w", ErrConflict)
	ErrDuplicateEmail    = fmt.Errorf("email already registered: %w", ErrConflict)
	ErrStaleState        = fmt.Errorf("account was modified concurrently: %w", ErrConflict)
	ErrInvalidTransition = fmt.Errorf("transition not allowed from current status: %w", ErrConflict)
	ErrWrongPassword     = fmt.Errorf("current password is incorrect: %w", ErrAuthorization)
	ErrPasswordExpired   = fmt.Errorf("password expired: %w", ErrAuthorization)
	ErrForbidden         = fmt.Errorf("forbidden: %w", ErrAuthorization)
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", ErrAuthorization)
	ErrLoginLocked        = fmt.Errorf("too many failed login attempts: %w", ErrAuthorization)
	ErrUnauthenticated    = fmt.Errorf("authentication required: %w", ErrAuthorization)
)

// FieldError reports a validation failure on a single input field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrValidation }

// InvalidField builds a FieldError.
func InvalidField(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}

// PolicyError lists the password rules a candidate failed.
type PolicyError struct {
	Reasons []string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("password rejected: %v", e.Reasons)
}

func (e *PolicyError) Unwrap() error { return ErrPolicyViolation }

// RateLimitedError carries the observed count so callers can back off.
type RateLimitedError struct {
	Key    string
	Count  int64
	Limit  int64
	Period time.Duration
	Detail string
}

func (e *RateLimitedError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("rate limit exceeded (%d/%d)", e.Count, e.Limit)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// Dependency wraps an infrastructure error so it is classified as ErrDependency
// while keeping the cause inspectable.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDependency, err)
}

// UserSafeMessage returns a message that can be shown to API clients.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDependency):
		return "internal error, please retry later"
	default:
		return err.Error()
	}
}
