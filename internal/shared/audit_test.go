package shared

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/bcef-innovation/identity-core/testing"
)

func TestSanitizeMetaRedactsNestedSecrets(t *testing.T) {
	in := map[string]any{
		"email":         "a@x.io",
		"new_password":  "hunter2",
		"Authorization": "Bearer abc",
		"row": map[string]string{
			"first_name":       "Ana",
			"activation_token": "t0k",
		},
		"nested": map[string]any{"api_key": "k", "count": 3},
	}
	out := SanitizeMeta(in)

	assert.Equal(t, "a@x.io", out["email"])
	assert.Equal(t, "***REDACTED***", out["new_password"])
	assert.Equal(t, "***REDACTED***", out["Authorization"])
	assert.Equal(t, map[string]string{"first_name": "Ana", "activation_token": "***REDACTED***"}, out["row"])
	assert.Equal(t, map[string]any{"api_key": "***REDACTED***", "count": 3}, out["nested"])
	assert.Equal(t, "hunter2", in["new_password"])
}

func TestAuditLoggerWithoutPoolLogsSanitizedEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	audit := NewAuditLogger(nil, logger)

	err := audit.Record(context.Background(), AuditLog{
		ActorID: "u1",
		Action:  "account.password_change",
		Entity:  "account",
		Outcome: OutcomeDenied,
		Meta:    map[string]any{"password": "secret"},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"channel":"audit"`)
	assert.Contains(t, buf.String(), "***REDACTED***")
	assert.NotContains(t, buf.String(), `"secret"`)
}

func TestAuditLoggerRequiresActionAndEntity(t *testing.T) {
	audit := NewAuditLogger(nil, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	assert.Error(t, audit.Record(context.Background(), AuditLog{Action: "x"}))
}
