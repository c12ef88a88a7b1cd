package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMail carries outbound account notices.
	QueueMail = "mail"

	// TaskSendActivation delivers an activation notice.
	TaskSendActivation = "mail:activation"
	// TaskSendPasswordReset delivers a password reset notice.
	TaskSendPasswordReset = "mail:password_reset"
	// TaskTokenCleanup clears expired activation and reset tokens.
	TaskTokenCleanup = "accounts:token_cleanup"
)

// ActivationPayload is the body of TaskSendActivation.
type ActivationPayload struct {
	AccountID      string     `json:"account_id"`
	Email          string     `json:"email"`
	FirstName      string     `json:"first_name"`
	Token          string     `json:"token"`
	TokenExpiry    time.Time  `json:"token_expiry"`
	PasswordExpiry *time.Time `json:"password_expiry,omitempty"`
}

// ResetPayload is the body of TaskSendPasswordReset.
type ResetPayload struct {
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	Token     string    `json:"token"`
	Expiry    time.Time `json:"expiry"`
}

// TokenCleanupPayload is the body of TaskTokenCleanup.
type TokenCleanupPayload struct {
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
}

// NewActivationTask constructs an Asynq task for an activation notice.
func NewActivationTask(payload ActivationPayload, maxRetry int) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSendActivation, body, asynq.Queue(QueueMail), asynq.MaxRetry(maxRetry)), nil
}

// NewResetTask constructs an Asynq task for a reset notice.
func NewResetTask(payload ResetPayload, maxRetry int) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSendPasswordReset, body, asynq.Queue(QueueMail), asynq.MaxRetry(maxRetry)), nil
}

// NewTokenCleanupTask constructs the cleanup task.
func NewTokenCleanupTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(TokenCleanupPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTokenCleanup, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
