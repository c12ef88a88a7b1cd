package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bcef-innovation/identity-core/internal/identity"
	"github.com/bcef-innovation/identity-core/internal/shared"
)

// Repository defines the account lookups needed to log in.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*identity.Account, error)
}

// AttemptCounter tracks failed logins per email.
type AttemptCounter interface {
	Failures(ctx context.Context, email string) (int64, error)
	RecordFailure(ctx context.Context, email string, window time.Duration) (int64, error)
	Reset(ctx context.Context, email string) error
}

// RedisAttempts implements AttemptCounter with keys failed_login:<email>.
type RedisAttempts struct {
	client *redis.Client
}

// NewRedisAttempts constructs a RedisAttempts.
func NewRedisAttempts(client *redis.Client) *RedisAttempts {
	return &RedisAttempts{client: client}
}

func attemptsKey(email string) string {
	return "failed_login:" + identity.NormalizeEmail(email)
}

// Failures returns the failure count in the current window.
func (a *RedisAttempts) Failures(ctx context.Context, email string) (int64, error) {
	raw, err := a.client.Get(ctx, attemptsKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, shared.Dependency("auth: read failures", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, shared.Dependency("auth: read failures", errors.New("malformed counter"))
	}
	return n, nil
}

// RecordFailure increments the counter. The window starts at the first
// failure and is not extended by later ones.
func (a *RedisAttempts) RecordFailure(ctx context.Context, email string, window time.Duration) (int64, error) {
	key := attemptsKey(email)
	n, err := a.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, shared.Dependency("auth: record failure", err)
	}
	if n == 1 {
		if err := a.client.Expire(ctx, key, window).Err(); err != nil {
			return n, shared.Dependency("auth: record failure", err)
		}
	}
	return n, nil
}

// Reset clears the counter.
func (a *RedisAttempts) Reset(ctx context.Context, email string) error {
	if err := a.client.Del(ctx, attemptsKey(email)).Err(); err != nil {
		return shared.Dependency("auth: reset failures", err)
	}
	return nil
}
