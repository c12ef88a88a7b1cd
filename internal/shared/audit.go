package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  string
	Action   string
	Entity   string
	EntityID string
	Outcome  string
	Meta     map[string]any
	At       time.Time
}

// Auditor appends security relevant events to the audit trail.
type Auditor interface {
	Record(ctx context.Context, log AuditLog) error
}

// AuditLogger writes records into audit_logs and mirrors them to the audit
// logger. A nil pool keeps the log-only trail.
type AuditLogger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool, logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{pool: pool, logger: logger.With(slog.String("channel", "audit"))}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" {
		return errors.New("audit log requires action/entity")
	}
	if log.Outcome == "" {
		log.Outcome = OutcomeSuccess
	}
	if log.At.IsZero() {
		log.At = time.Now().UTC()
	}
	meta := SanitizeMeta(log.Meta)

	level := slog.LevelInfo
	if log.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "audit",
		slog.String("actor", log.ActorID),
		slog.String("action", log.Action),
		slog.String("entity", log.Entity),
		slog.String("entity_id", log.EntityID),
		slog.String("outcome", log.Outcome),
		slog.Any("meta", meta),
	)

	if l.pool == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, outcome, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.ActorID, log.Action, log.Entity, log.EntityID, log.Outcome, metaJSON, log.At)
	if err != nil {
		return Dependency("audit: insert", err)
	}
	return nil
}

var sensitiveKeys = []string{"password", "token", "secret", "key", "authorization"}

// SanitizeMeta redacts values whose key names a secret. Nested maps are
// sanitised recursively; the input is not modified.
func SanitizeMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if isSensitiveKey(k) {
			out[k] = "***REDACTED***"
			continue
		}
		switch typed := v.(type) {
		case map[string]any:
			out[k] = SanitizeMeta(typed)
		case map[string]string:
			out[k] = SanitizeStrings(typed)
		default:
			out[k] = v
		}
	}
	return out
}

// SanitizeStrings is SanitizeMeta for flat string maps such as tabular rows.
func SanitizeStrings(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if isSensitiveKey(k) {
			out[k] = "***REDACTED***"
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
