package accounts

import (
	"context"
	"time"
)

// ActivationNotice carries what the activation mail needs.
type ActivationNotice struct {
	AccountID      string     `json:"account_id"`
	Email          string     `json:"email"`
	FirstName      string     `json:"first_name"`
	Token          string     `json:"token"`
	TokenExpiry    time.Time  `json:"token_expiry"`
	PasswordExpiry *time.Time `json:"password_expiry,omitempty"`
}

// ResetNotice carries what the password reset mail needs.
type ResetNotice struct {
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	Token     string    `json:"token"`
	Expiry    time.Time `json:"expiry"`
}

// Notifier dispatches account mails. Implementations may deliver
// asynchronously and retry on their own; an error only means the request
// could not be accepted.
type Notifier interface {
	SendActivation(ctx context.Context, notice ActivationNotice) error
	SendPasswordReset(ctx context.Context, notice ResetNotice) error
}

// NopNotifier drops every notice.
type NopNotifier struct{}

// SendActivation implements Notifier.
func (NopNotifier) SendActivation(context.Context, ActivationNotice) error { return nil }

// SendPasswordReset implements Notifier.
func (NopNotifier) SendPasswordReset(context.Context, ResetNotice) error { return nil }
