package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bcef-innovation/identity-core/internal/accounts"
	"github.com/bcef-innovation/identity-core/internal/auth"
	"github.com/bcef-innovation/identity-core/internal/identity"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
	_ "github.com/bcef-innovation/identity-core/testing"
)

const password = "Orchid-Lantern-42"

type stubRepo struct {
	accounts map[string]*identity.Account
}

func (s *stubRepo) FindByEmail(_ context.Context, email string) (*identity.Account, error) {
	acct, ok := s.accounts[email]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return acct.Clone(), nil
}

func (s *stubRepo) Principal(_ context.Context, id string) (rbac.Principal, error) {
	for _, acct := range s.accounts {
		if acct.ID == id && acct.Status == identity.StatusActive {
			return acct.Principal(), nil
		}
	}
	return rbac.Principal{}, shared.ErrUnauthenticated
}

type auditSink struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditSink) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditSink) count(action, outcome string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, l := range a.logs {
		if l.Action == action && l.Outcome == outcome {
			n++
		}
	}
	return n
}

type env struct {
	service  *auth.Service
	repo     *stubRepo
	sessions *shared.SessionStore
	audit    *auditSink
	redis    *miniredis.Miniredis
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	repo := &stubRepo{accounts: map[string]*identity.Account{
		"ines@example.com":    {ID: "acc-1", Email: "ines@example.com", PasswordHash: string(hash), Role: rbac.RoleIntern, Status: identity.StatusActive},
		"pending@example.com": {ID: "acc-2", Email: "pending@example.com", PasswordHash: string(hash), Role: rbac.RoleIntern, Status: identity.StatusPendingActivation},
	}}
	e := &env{
		repo:     repo,
		sessions: shared.NewSessionStore(client, time.Hour),
		audit:    &auditSink{},
		redis:    mr,
	}
	e.service = auth.NewService(repo, auth.NewRedisAttempts(client), e.sessions,
		accounts.BcryptHasher{Cost: bcrypt.MinCost}, e.audit, nil, auth.DefaultConfig())
	return e
}

func (e *env) login(email, pw string) (*auth.Login, error) {
	return e.service.Authenticate(context.Background(), auth.Credentials{Email: email, Password: pw, IP: "10.0.0.1"})
}

func TestLoginIssuesSession(t *testing.T) {
	e := newEnv(t)
	login, err := e.login("  Ines@Example.com ", password)
	require.NoError(t, err)
	assert.NotEmpty(t, login.Token)
	assert.Equal(t, "acc-1", login.Principal.AccountID)

	sess, err := e.sessions.Load(context.Background(), login.Token)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", sess.AccountID)
	assert.Equal(t, 1, e.audit.count("auth.login", shared.OutcomeSuccess))
}

func TestLoginLockoutAfterThreeFailures(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		_, err := e.login("ines@example.com", "wrong-password")
		require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	}
	assert.Equal(t, "3", mustGet(t, e.redis, "failed_login:ines@example.com"))

	_, err := e.login("ines@example.com", password)
	require.ErrorIs(t, err, shared.ErrLoginLocked)
	assert.Equal(t, 1, e.audit.count("auth.login", shared.OutcomeDenied))
	assert.Equal(t, 3, e.audit.count("auth.login", shared.OutcomeFailure))

	e.redis.FastForward(16 * time.Minute)
	_, err = e.login("ines@example.com", password)
	require.NoError(t, err)
}

func TestLoginSuccessResetsFailures(t *testing.T) {
	e := newEnv(t)
	_, err := e.login("ines@example.com", "wrong-password")
	require.Error(t, err)
	_, err = e.login("ines@example.com", password)
	require.NoError(t, err)
	assert.False(t, e.redis.Exists("failed_login:ines@example.com"))
}

func TestLoginRejectsInactiveAndUnknown(t *testing.T) {
	e := newEnv(t)
	_, err := e.login("pending@example.com", password)
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	_, err = e.login("ghost@example.com", password)
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
	assert.Equal(t, "1", mustGet(t, e.redis, "failed_login:ghost@example.com"))
}

func TestLoginFailsOpenWhenCounterUnavailable(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.redis.Set("failed_login:ines@example.com", "garbage"))
	_, err := e.login("ines@example.com", password)
	require.NoError(t, err)
}

func TestLoginAndLogoutOverHTTP(t *testing.T) {
	e := newEnv(t)
	handler := auth.NewHandler(nil, e.service, rbac.Middleware{}, nil)
	mw := auth.LoadPrincipal(e.sessions, e.repo, nil)

	mux := http.NewServeMux()
	mux.Handle("/", mw(routes(handler)))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	res, err := http.Post(srv.URL+"/login", "application/json", strings.NewReader(`{"email":"ines@example.com","password":"`+password+`"}`))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var body struct {
		Token        string   `json:"token"`
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "intern", body.Role)
	assert.Contains(t, body.Capabilities, string(rbac.CapSubmitTask))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/logout", nil)
	req.Header.Set("Authorization", "Bearer "+body.Token)
	out, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	out.Body.Close()
	assert.Equal(t, http.StatusNoContent, out.StatusCode)

	_, err = e.sessions.Load(context.Background(), body.Token)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)

	again, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	again.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, again.StatusCode)
}

func TestLoginBadPasswordOverHTTP(t *testing.T) {
	e := newEnv(t)
	handler := auth.NewHandler(nil, e.service, rbac.Middleware{}, nil)
	srv := httptest.NewServer(routes(handler))
	t.Cleanup(srv.Close)

	res, err := http.Post(srv.URL+"/login", "application/json", strings.NewReader(`{"email":"ines@example.com","password":"nope"}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func routes(h *auth.Handler) http.Handler {
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
