package jobs

import (
	"context"

	"github.com/hibiken/asynq"

	"github.com/bcef-innovation/identity-core/internal/accounts"
	"github.com/bcef-innovation/identity-core/internal/shared"
)

// DefaultMailRetry bounds delivery attempts per notice.
const DefaultMailRetry = 5

// Enqueuer submits tasks to the queue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Notifier implements accounts.Notifier by queueing mail tasks. Delivery is
// retried by the worker independently of the request that caused it.
type Notifier struct {
	queue    Enqueuer
	maxRetry int
}

// NewNotifier constructs a Notifier.
func NewNotifier(queue Enqueuer, maxRetry int) *Notifier {
	if maxRetry <= 0 {
		maxRetry = DefaultMailRetry
	}
	return &Notifier{queue: queue, maxRetry: maxRetry}
}

// SendActivation implements accounts.Notifier.
func (n *Notifier) SendActivation(ctx context.Context, notice accounts.ActivationNotice) error {
	task, err := NewActivationTask(ActivationPayload{
		AccountID:      notice.AccountID,
		Email:          notice.Email,
		FirstName:      notice.FirstName,
		Token:          notice.Token,
		TokenExpiry:    notice.TokenExpiry,
		PasswordExpiry: notice.PasswordExpiry,
	}, n.maxRetry)
	if err != nil {
		return err
	}
	if _, err := n.queue.EnqueueContext(ctx, task); err != nil {
		return shared.Dependency("jobs: enqueue activation", err)
	}
	return nil
}

// SendPasswordReset implements accounts.Notifier.
func (n *Notifier) SendPasswordReset(ctx context.Context, notice accounts.ResetNotice) error {
	task, err := NewResetTask(ResetPayload{
		AccountID: notice.AccountID,
		Email:     notice.Email,
		FirstName: notice.FirstName,
		Token:     notice.Token,
		Expiry:    notice.Expiry,
	}, n.maxRetry)
	if err != nil {
		return err
	}
	if _, err := n.queue.EnqueueContext(ctx, task); err != nil {
		return shared.Dependency("jobs: enqueue password reset", err)
	}
	return nil
}

var _ accounts.Notifier = (*Notifier)(nil)
