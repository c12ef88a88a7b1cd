package accounts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcef-innovation/identity-core/internal/rbac"
	_ "github.com/bcef-innovation/identity-core/testing"
)

func newTestRouter(f *fixture, principal *rbac.Principal) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if principal != nil {
				req = req.WithContext(rbac.WithPrincipal(req.Context(), *principal))
			}
			next.ServeHTTP(w, req)
		})
	})
	NewHandler(nil, f.svc, rbac.Middleware{Auditor: f.auditor, Now: f.clock.Now}, nil).MountRoutes(r)
	return r
}

func TestHandlerMeReturnsAccountAndCapabilities(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	acct := f.activeIntern(t, "me@example.org")
	p, err := f.svc.Principal(context.Background(), acct.ID)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	newTestRouter(f, &p).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Account      accountView `json:"account"`
		Capabilities []string    `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "me@example.org", body.Account.Email)
	assert.Equal(t, "active", body.Account.Status)
	assert.NotEmpty(t, body.Capabilities)
}

func TestHandlerMeRequiresPrincipal(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	rec := httptest.NewRecorder()
	newTestRouter(f, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerCreateForbiddenForIntern(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	acct := f.activeIntern(t, "intern@example.org")
	p, err := f.svc.Principal(context.Background(), acct.ID)
	require.NoError(t, err)

	body := `{"email":"new@example.org","role":"intern","profile":{"field_of_study":"Math"}}`
	rec := httptest.NewRecorder()
	newTestRouter(f, &p).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	_, err = f.repo.FindByEmail(context.Background(), "new@example.org")
	assert.Error(t, err)
}

func TestHandlerCreateAsAdmin(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	body := `{"email":"new@example.org","role":"intern","profile":{"field_of_study":"Math"}}`
	rec := httptest.NewRecorder()
	newTestRouter(f, &admin).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"notified":true`)
	assert.Contains(t, rec.Body.String(), `"status":"pending_activation"`)
}

func TestHandlerRegisterRejectsUnknownRole(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	rec := httptest.NewRecorder()
	newTestRouter(f, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register",
		strings.NewReader(`{"email":"x@example.org","role":"root"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.repo.All())
}

func TestHandlerResetResponseIsIdentical(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.activeIntern(t, "known@example.org")
	router := newTestRouter(f, nil)

	send := func(email string) (int, string) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/password/reset",
			strings.NewReader(`{"email":"`+email+`"}`)))
		return rec.Code, rec.Body.String()
	}
	knownCode, knownBody := send("known@example.org")
	unknownCode, unknownBody := send("nobody@example.org")

	assert.Equal(t, http.StatusAccepted, knownCode)
	assert.Equal(t, knownCode, unknownCode)
	assert.Equal(t, knownBody, unknownBody)
}

func TestHandlerMePasswordStatusFollowsServiceClock(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	acct := f.activeIntern(t, "clock@example.org")
	p, err := f.svc.Principal(context.Background(), acct.ID)
	require.NoError(t, err)
	expiry := f.clock.Now().Add(time.Hour)
	p.PasswordExpiry = &expiry
	router := newTestRouter(f, &p)

	expired := func() bool {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body struct {
			PasswordExpired bool `json:"password_expired"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.PasswordExpired
	}
	assert.False(t, expired())
	f.clock.Advance(2 * time.Hour)
	assert.True(t, expired())
}
