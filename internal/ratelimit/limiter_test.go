package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
)

type auditSink struct {
	logs []shared.AuditLog
}

func (a *auditSink) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type countingRecorder struct {
	allowed, rejected int
}

func (c *countingRecorder) RecordRateLimit(_ string, allowed bool) {
	if allowed {
		c.allowed++
	} else {
		c.rejected++
	}
}

func newRedisLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *auditSink) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	audit := &auditSink{}
	return NewLimiter(NewRedisStore(client), nil, audit, nil), mr, audit
}

func TestFixedWindowAllowsThenRejectsThenResets(t *testing.T) {
	limiter, mr, audit := newRedisLimiter(t)
	rule := Rule{Limit: 3, Period: time.Minute, Scope: ScopeIP}
	ctx := context.Background()

	var got []bool
	for i := 0; i < 4; i++ {
		allowed, _ := limiter.Check(ctx, "ip:10.0.0.1", "login", "", rule)
		got = append(got, allowed)
	}
	assert.Equal(t, []bool{true, true, true, false}, got)

	_, info := limiter.Check(ctx, "ip:10.0.0.1", "login", "", rule)
	assert.Equal(t, int64(3), info.Count, "rejection reports the current count")
	require.NotEmpty(t, audit.logs)
	assert.Equal(t, "ratelimit.rejected", audit.logs[0].Action)

	mr.FastForward(61 * time.Second)
	allowed, info := limiter.Check(ctx, "ip:10.0.0.1", "login", "", rule)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), info.Count)
}

func TestKeysAreIsolatedPerScopeAndAction(t *testing.T) {
	limiter, mr, _ := newRedisLimiter(t)
	rule := Rule{Limit: 1, Period: time.Minute}
	ctx := context.Background()

	ok, _ := limiter.Check(ctx, "user:1", "import", "accounts", rule)
	require.True(t, ok)
	ok, _ = limiter.Check(ctx, "user:2", "import", "accounts", rule)
	require.True(t, ok)
	ok, _ = limiter.Check(ctx, "user:1", "login", "", rule)
	require.True(t, ok)
	ok, _ = limiter.Check(ctx, "user:1", "import", "accounts", rule)
	require.False(t, ok)

	assert.True(t, mr.Exists("ratelimit:user:1:import:accounts"))
	ttl := mr.TTL("ratelimit:user:1:import:accounts")
	assert.Equal(t, time.Minute, ttl)
}

func TestFailsOpenWhenStoreUnavailable(t *testing.T) {
	limiter, mr, _ := newRedisLimiter(t)
	mr.Close()

	for i := 0; i < 5; i++ {
		allowed, info := limiter.Check(context.Background(), "ip:1.2.3.4", "login", "", Rule{Limit: 1, Period: time.Minute})
		assert.True(t, allowed)
		assert.True(t, info.Degraded)
	}
}

func TestFailsOpenOnMalformedCounter(t *testing.T) {
	limiter, mr, _ := newRedisLimiter(t)
	require.NoError(t, mr.Set("ratelimit:ip:1.2.3.4:login", `{"count": 9}`))

	allowed, info := limiter.Check(context.Background(), "ip:1.2.3.4", "login", "", Rule{Limit: 1, Period: time.Minute})
	assert.True(t, allowed)
	assert.True(t, info.Degraded)
}

func TestAllowReturnsRateLimitedError(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recorder := &countingRecorder{}
	limiter := NewLimiter(NewMemoryStore(func() time.Time { return clock }), nil, nil, recorder)
	rule := Rule{Limit: 1, Period: time.Hour}

	require.NoError(t, limiter.Allow(context.Background(), "ip:a", "reset", "", rule))
	err := limiter.Allow(context.Background(), "ip:a", "reset", "", rule)

	var rl *shared.RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, int64(1), rl.Count)
	assert.ErrorIs(t, err, shared.ErrRateLimited)
	assert.Equal(t, 1, recorder.allowed)
	assert.Equal(t, 1, recorder.rejected)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5000"
	assert.Equal(t, "192.0.2.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ""
	assert.Equal(t, "unknown_ip", ClientIP(req))
}

func TestScopeIDUsesPrincipalForUserScope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5000"
	assert.Equal(t, "ip:192.0.2.7", ScopeID(req, ScopeUser), "anonymous falls back to ip")

	req = req.WithContext(rbac.WithPrincipal(req.Context(), rbac.Principal{AccountID: "42"}))
	assert.Equal(t, "user:42", ScopeID(req, ScopeUser))
	assert.Equal(t, "ip:192.0.2.7", ScopeID(req, ScopeIP))
}

func TestMiddlewareResponds429WithCount(t *testing.T) {
	limiter, _, _ := newRedisLimiter(t)
	handler := limiter.Middleware("password_reset", Rule{Limit: 1, Period: time.Hour, Scope: ScopeIP})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) }))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/accounts/password/reset", nil))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/accounts/password/reset", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	var body struct {
		Detail string `json:"detail"`
		Count  int64  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Count)
	assert.NotEmpty(t, body.Detail)
}
