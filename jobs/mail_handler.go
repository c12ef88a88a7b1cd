package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/bcef-innovation/identity-core/internal/jobs"
)

// MailJob delivers queued account notices.
type MailJob struct {
	Mailer  Mailer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewMailJob initialises the mail handler.
func NewMailJob(mailer Mailer, logger *slog.Logger, metrics *jobmetrics.Metrics) *MailJob {
	return &MailJob{Mailer: mailer, Logger: logger, Metrics: metrics}
}

// HandleActivation processes TaskSendActivation tasks.
func (j *MailJob) HandleActivation(ctx context.Context, t *asynq.Task) error {
	var payload ActivationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Email == "" {
		return fmt.Errorf("activation payload: %w", asynq.SkipRetry)
	}
	msg, err := ActivationMessage(payload)
	if err != nil {
		return fmt.Errorf("activation template: %v: %w", err, asynq.SkipRetry)
	}
	return j.deliver(ctx, TaskSendActivation, payload.AccountID, msg)
}

// HandleReset processes TaskSendPasswordReset tasks.
func (j *MailJob) HandleReset(ctx context.Context, t *asynq.Task) error {
	var payload ResetPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Email == "" {
		return fmt.Errorf("reset payload: %w", asynq.SkipRetry)
	}
	msg, err := ResetMessage(payload)
	if err != nil {
		return fmt.Errorf("reset template: %v: %w", err, asynq.SkipRetry)
	}
	return j.deliver(ctx, TaskSendPasswordReset, payload.AccountID, msg)
}

func (j *MailJob) deliver(ctx context.Context, task, accountID string, msg Message) (resultErr error) {
	if j == nil || j.Mailer == nil {
		return errors.New("mail job: mailer not configured")
	}
	tracker := j.Metrics.Track(task)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	logger := j.logger().With(slog.String("task", task), slog.String("account_id", accountID))
	if err := j.Mailer.Send(ctx, msg); err != nil {
		logger.Warn("mail delivery failed", slog.Any("error", err))
		return err
	}
	logger.Info("mail delivered")
	return nil
}

func (j *MailJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
