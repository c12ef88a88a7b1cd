package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bcef-innovation/identity-core/internal/shared"
)

// Scope selects how callers are grouped for counting.
type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeUser Scope = "user"
)

// Rule configures one rate-limited action.
type Rule struct {
	Limit  int64
	Period time.Duration
	Scope  Scope
}

// Info reports the counter state observed by a check.
type Info struct {
	Key    string
	Count  int64
	Limit  int64
	Period time.Duration
	// Degraded is set when the store failed and the request was admitted
	// without counting.
	Degraded bool
}

// Recorder receives rate limiter outcomes for metrics.
type Recorder interface {
	RecordRateLimit(action string, allowed bool)
}

// Limiter is a fixed-window counter gate. Store failures admit the request.
type Limiter struct {
	store    CounterStore
	logger   *slog.Logger
	auditor  shared.Auditor
	recorder Recorder
}

// NewLimiter constructs a Limiter. auditor and recorder may be nil.
func NewLimiter(store CounterStore, logger *slog.Logger, auditor shared.Auditor, recorder Recorder) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, logger: logger, auditor: auditor, recorder: recorder}
}

// Key builds the counter key for a caller, action and resource.
func Key(scopeID, action, resource string) string {
	parts := []string{"ratelimit", scopeID, action}
	if resource != "" {
		parts = append(parts, resource)
	}
	return strings.Join(parts, ":")
}

// Check reads the window counter for the key and admits the request when the
// count is below the limit, incrementing it and refreshing the window TTL.
func (l *Limiter) Check(ctx context.Context, scopeID, action, resource string, rule Rule) (bool, Info) {
	key := Key(scopeID, action, resource)
	info := Info{Key: key, Limit: rule.Limit, Period: rule.Period}
	if rule.Limit <= 0 || rule.Period <= 0 {
		return true, info
	}

	count, _, err := l.store.Get(ctx, key)
	if err != nil {
		l.fault(ctx, "get", key, err)
		info.Degraded = true
		l.record(action, true)
		return true, info
	}
	info.Count = count

	if count >= rule.Limit {
		l.reject(ctx, scopeID, action, info)
		l.record(action, false)
		return false, info
	}

	if err := l.store.Set(ctx, key, count+1, rule.Period); err != nil {
		l.fault(ctx, "set", key, err)
		info.Degraded = true
	} else {
		info.Count = count + 1
	}
	l.record(action, true)
	return true, info
}

// Allow is Check returning a *shared.RateLimitedError on rejection.
func (l *Limiter) Allow(ctx context.Context, scopeID, action, resource string, rule Rule) error {
	allowed, info := l.Check(ctx, scopeID, action, resource, rule)
	if allowed {
		return nil
	}
	return &shared.RateLimitedError{
		Key:    info.Key,
		Count:  info.Count,
		Limit:  info.Limit,
		Period: info.Period,
		Detail: "request limit exceeded, retry later",
	}
}

func (l *Limiter) fault(ctx context.Context, op, key string, err error) {
	l.logger.WarnContext(ctx, "rate limiter store unavailable, admitting request",
		slog.String("op", op),
		slog.String("key", key),
		slog.Any("error", err))
}

func (l *Limiter) reject(ctx context.Context, scopeID, action string, info Info) {
	l.logger.InfoContext(ctx, "rate limit exceeded",
		slog.String("key", info.Key),
		slog.Int64("count", info.Count),
		slog.Int64("limit", info.Limit))
	if l.auditor == nil {
		return
	}
	actor := ""
	if id, ok := strings.CutPrefix(scopeID, string(ScopeUser)+":"); ok {
		actor = id
	}
	err := l.auditor.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   "ratelimit.rejected",
		Entity:   "action",
		EntityID: action,
		Outcome:  shared.OutcomeDenied,
		Meta: map[string]any{
			"scope":  scopeID,
			"count":  info.Count,
			"limit":  info.Limit,
			"period": info.Period.String(),
		},
	})
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit audit", slog.Any("error", err))
	}
}

func (l *Limiter) record(action string, allowed bool) {
	if l.recorder != nil {
		l.recorder.RecordRateLimit(action, allowed)
	}
}
