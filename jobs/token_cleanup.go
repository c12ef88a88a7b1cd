package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/bcef-innovation/identity-core/internal/jobs"
)

// TokenCleaner clears expired tokens in storage.
type TokenCleaner interface {
	ClearExpiredTokens(ctx context.Context, now time.Time) (activation, reset int64, err error)
}

// TokenCleanupJob clears activation and reset tokens past their expiry,
// dropping each token together with its expiry.
type TokenCleanupJob struct {
	Repo    TokenCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewTokenCleanupJob initialises the cleanup handler.
func NewTokenCleanupJob(repo TokenCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *TokenCleanupJob {
	return &TokenCleanupJob{
		Repo:    repo,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the cleanup.
func (j *TokenCleanupJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("token cleanup: handler not configured")
	}
	_, _, err := j.Run(ctx)
	return err
}

// Run clears expired tokens and reports how many of each kind were dropped.
func (j *TokenCleanupJob) Run(ctx context.Context) (activation, reset int64, resultErr error) {
	tracker := j.Metrics.Track(TaskTokenCleanup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	start := j.clock()
	activation, reset, err := j.Repo.ClearExpiredTokens(ctx, start)
	if err != nil {
		j.logger().Error("token cleanup failed", slog.Any("error", err))
		return 0, 0, err
	}
	j.Metrics.AddCleared("activation", activation)
	j.Metrics.AddCleared("reset", reset)
	j.logger().Info("token cleanup completed",
		slog.Int64("activation", activation),
		slog.Int64("reset", reset),
		slog.Duration("duration", time.Since(start)),
	)
	return activation, reset, nil
}

func (j *TokenCleanupJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
