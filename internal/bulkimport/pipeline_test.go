package bulkimport

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bcef-innovation/identity-core/internal/accounts"
	"github.com/bcef-innovation/identity-core/internal/identity"
	"github.com/bcef-innovation/identity-core/internal/ratelimit"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
	"github.com/bcef-innovation/identity-core/internal/tokens"
	_ "github.com/bcef-innovation/identity-core/testing"
)

var importer = rbac.Principal{AccountID: "adm-1", Role: rbac.RoleAdmin, IsStaff: true}

type notices struct {
	mu    sync.Mutex
	sent  []string
	fails map[string]bool
}

func (n *notices) SendActivation(_ context.Context, notice accounts.ActivationNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fails[notice.Email] {
		return errors.New("smtp down")
	}
	n.sent = append(n.sent, notice.Email)
	return nil
}

func (n *notices) SendPasswordReset(context.Context, accounts.ResetNotice) error { return nil }

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

func (a *auditSink) actions(action string) []shared.AuditLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []shared.AuditLog
	for _, l := range a.logs {
		if l.Action == action {
			out = append(out, l)
		}
	}
	return out
}

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) RecordImport(outcome string, _, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, outcome)
}

type failingBatchRepo struct {
	*accounts.MemoryRepository
	err error
}

func (r failingBatchRepo) CreateBatch(context.Context, []*identity.Account) error {
	return r.err
}

type harness struct {
	pipeline *Pipeline
	repo     *accounts.MemoryRepository
	notices  *notices
	audit    *auditSink
	outcomes *outcomes
	redis    *miniredis.Miniredis
}

func newHarness(t *testing.T, wrap func(*accounts.MemoryRepository) accounts.RepositoryPort) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		repo:     accounts.NewMemoryRepository(),
		notices:  &notices{fails: map[string]bool{}},
		audit:    &auditSink{},
		outcomes: &outcomes{},
		redis:    mr,
	}
	var repo accounts.RepositoryPort = h.repo
	if wrap != nil {
		repo = wrap(h.repo)
	}
	authority := tokens.NewAuthority(0, 0)
	svc := accounts.NewService(repo, authority, h.notices, h.audit, nil, accounts.DefaultConfig(),
		accounts.WithHasher(accounts.BcryptHasher{Cost: bcrypt.MinCost}))
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(client), nil, h.audit, nil)
	h.pipeline = NewPipeline(svc, repo, limiter, h.audit, h.outcomes, nil, DefaultConfig())
	return h
}

func csvSource(body string) Source {
	return Source{Filename: "accounts.csv", Body: strings.NewReader(body)}
}

func TestImportBlankEmailRow(t *testing.T) {
	h := newHarness(t, nil)
	body := "email,first_name,last_name,field_of_study\n" +
		"a@x.io,Ana,Lee,Math\n" +
		",Bo,Ng,Physics\n" +
		"c@x.io,Cy,Oh,Biology\n"

	res, err := h.pipeline.Import(context.Background(), csvSource(body), nil, importer)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 3, res.Errors[0].Line)
	assert.Equal(t, ReasonMissingEmail, res.Errors[0].Reason)
	assert.Equal(t, "Bo", res.Errors[0].Data["first_name"])

	assert.Len(t, h.repo.All(), 2)
	for _, acct := range h.repo.All() {
		assert.Equal(t, identity.StatusPendingActivation, acct.Status)
		assert.NotEmpty(t, acct.ActivationToken)
		assert.True(t, acct.MustChangePassword)
	}
	assert.ElementsMatch(t, []string{"a@x.io", "c@x.io"}, h.notices.sent)
	assert.Empty(t, res.Unnotified)
}

func TestImportDuplicateInFile(t *testing.T) {
	h := newHarness(t, nil)
	body := "email,first_name,last_name,field_of_study\n" +
		"dup@x.io,Ana,Lee,Math\n" +
		"b@x.io,Bo,Ng,Physics\n" +
		"DUP@x.io,Ann,Lee,Math\n"

	res, err := h.pipeline.Import(context.Background(), csvSource(body), nil, importer)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 4, res.Errors[0].Line)
	assert.Equal(t, "dup@x.io", res.Errors[0].Email)
	assert.Equal(t, ReasonDuplicateInFile, res.Errors[0].Reason)

	acct, err := h.repo.FindByEmail(context.Background(), "dup@x.io")
	require.NoError(t, err)
	assert.Equal(t, "Ana", acct.FirstName)
}

func TestImportRowReasons(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.repo.Create(context.Background(), &identity.Account{
		ID: "existing", Email: "taken@x.io", Role: rbac.RoleVisitor, Status: identity.StatusActive,
	}))

	body := "email,first_name,last_name,role,field_of_study,profession,specialty\n" +
		"not-an-email,A,B,,Math,,\n" +
		"taken@x.io,A,B,,Math,,\n" +
		"boss@x.io,A,B,admin,,,\n" +
		"who@x.io,A,B,wizard,,,\n" +
		"intern@x.io,A,B,intern,,,\n" +
		"sup@x.io,A,B,supervisor,,Engineer,Networks\n"

	res, err := h.pipeline.Import(context.Background(), csvSource(body), nil, importer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 5, res.Skipped)

	reasons := map[int]string{}
	for _, e := range res.Errors {
		reasons[e.Line] = e.Reason
	}
	assert.Equal(t, ReasonInvalidEmail, reasons[2])
	assert.Equal(t, ReasonEmailExists, reasons[3])
	assert.Equal(t, ReasonAdminRole, reasons[4])
	assert.Equal(t, ReasonUnknownRole, reasons[5])
	assert.Contains(t, reasons[6], "field_of_study")

	acct, err := h.repo.FindByEmail(context.Background(), "sup@x.io")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleSupervisor, acct.Role)
	assert.Equal(t, "Networks", acct.Profile.Specialty)
}

func TestImportResubmissionCreatesNothing(t *testing.T) {
	h := newHarness(t, nil)
	body := "email,first_name,last_name,field_of_study\na@x.io,Ana,Lee,Math\n"

	res, err := h.pipeline.Import(context.Background(), csvSource(body), nil, importer)
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	res, err = h.pipeline.Import(context.Background(), csvSource(body), nil, importer)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, ReasonEmailExists, res.Errors[0].Reason)
	assert.Len(t, h.repo.All(), 1)
}

func TestImportMissingColumnsRejectsWholeRequest(t *testing.T) {
	h := newHarness(t, nil)
	body := "email,first_name\na@x.io,Ana\n"

	_, err := h.pipeline.Import(context.Background(), csvSource(body), nil, importer)
	var fe *shared.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "columns", fe.Field)
	assert.Contains(t, fe.Reason, "last_name")
	assert.Empty(t, h.repo.All())
}

func TestImportCustomRequiredColumns(t *testing.T) {
	h := newHarness(t, nil)
	body := "email,field_of_study\na@x.io,Math\n"

	res, err := h.pipeline.Import(context.Background(), csvSource(body), []string{"field_of_study"}, importer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
}

func TestImportBatchAbortCreatesNothing(t *testing.T) {
	h := newHarness(t, func(m *accounts.MemoryRepository) accounts.RepositoryPort {
		return failingBatchRepo{MemoryRepository: m, err: shared.ErrDuplicateEmail}
	})
	body := "email,first_name,last_name,field_of_study\na@x.io,Ana,Lee,Math\nb@x.io,Bo,Ng,Math\n"

	_, err := h.pipeline.Import(context.Background(), csvSource(body), nil, importer)
	require.ErrorIs(t, err, ErrBatchAborted)
	assert.ErrorIs(t, err, shared.ErrDependency)
	assert.NotErrorIs(t, err, shared.ErrConflict)
	assert.Empty(t, h.repo.All())
	assert.Empty(t, h.notices.sent)
	assert.Contains(t, h.outcomes.seen, "aborted")

	logs := h.audit.actions("account.bulk_import")
	require.Len(t, logs, 1)
	assert.Equal(t, shared.OutcomeFailure, logs[0].Outcome)
}

func TestImportNotificationFailureDoesNotUndoCreation(t *testing.T) {
	h := newHarness(t, nil)
	h.notices.fails["b@x.io"] = true
	body := "email,first_name,last_name,field_of_study\na@x.io,Ana,Lee,Math\nb@x.io,Bo,Ng,Math\n"

	res, err := h.pipeline.Import(context.Background(), csvSource(body), nil, importer)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, []string{"b@x.io"}, res.Unnotified)
	assert.Len(t, h.repo.All(), 2)
}

func TestImportAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	body := "email,first_name,last_name,field_of_study\na@x.io,Ana,Lee,Math\n"

	supervisor := rbac.Principal{AccountID: "sup-1", Role: rbac.RoleSupervisor}
	_, err := h.pipeline.Import(context.Background(), csvSource(body), nil, supervisor)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	denied := h.audit.actions("account.bulk_import")
	require.Len(t, denied, 1)
	assert.Equal(t, shared.OutcomeDenied, denied[0].Outcome)

	res, err := h.pipeline.Import(context.Background(), csvSource(body), nil, importer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	past := time.Now().Add(-time.Hour)
	expired := rbac.Principal{AccountID: "adm-2", Role: rbac.RoleAdmin, IsStaff: true, PasswordExpiry: &past}
	_, err = h.pipeline.Import(context.Background(), csvSource(body), nil, expired)
	assert.ErrorIs(t, err, shared.ErrPasswordExpired)
}

func TestImportRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	h.pipeline.cfg.Rule = ratelimit.Rule{Limit: 1, Period: time.Hour, Scope: ratelimit.ScopeUser}
	body := "email,first_name,last_name,field_of_study\n"

	_, err := h.pipeline.Import(context.Background(), csvSource(body+"a@x.io,Ana,Lee,Math\n"), nil, importer)
	require.NoError(t, err)

	_, err = h.pipeline.Import(context.Background(), csvSource(body+"b@x.io,Bo,Ng,Math\n"), nil, importer)
	var rl *shared.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, int64(1), rl.Count)
	assert.Len(t, h.repo.All(), 1)

	h.redis.FastForward(61 * time.Minute)
	_, err = h.pipeline.Import(context.Background(), csvSource(body+"b@x.io,Bo,Ng,Math\n"), nil, importer)
	assert.NoError(t, err)
}

func TestImportHandlerStatusCodes(t *testing.T) {
	h := newHarness(t, nil)
	handler := NewHandler(nil, h.pipeline, rbac.Middleware{}, 0)

	post := func(body string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "accounts.csv")
		require.NoError(t, err)
		_, err = part.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req = req.WithContext(rbac.WithPrincipal(req.Context(), importer))
		rec := httptest.NewRecorder()
		handler.handleImport(rec, req)
		return rec
	}

	rec := post("email,first_name,last_name,field_of_study\na@x.io,Ana,Lee,Math\n,Bo,Ng,Math\n")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"created":1`)
	assert.Contains(t, rec.Body.String(), `"missing email"`)

	rec = post("email,first_name,last_name,field_of_study\na@x.io,Ana,Lee,Math\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email already exists"`)
}

func TestImportHandlerRejectsOversizeUpload(t *testing.T) {
	h := newHarness(t, nil)
	handler := NewHandler(nil, h.pipeline, rbac.Middleware{}, 512)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "accounts.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("email,first_name,last_name\n" + strings.Repeat("a@x.io,Ana,Lee\n", 100)))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req = req.WithContext(rbac.WithPrincipal(req.Context(), importer))
	rec := httptest.NewRecorder()
	handler.handleImport(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"file"`)
	assert.Empty(t, h.repo.All())
}

func TestImportRejectedRowsRedactSecrets(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.pipeline.Import(context.Background(),
		csvSource("email,first_name,last_name,password\nnot-an-email,Ana,Lee,hunter2\n"), nil, importer)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "***REDACTED***", res.Errors[0].Data["password"])
	assert.Equal(t, "Ana", res.Errors[0].Data["first_name"])
}

func TestImportRowErrorsUsePhysicalLines(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.pipeline.Import(context.Background(),
		csvSource("email,first_name,last_name,field_of_study\na@x.io,Ana,Lee,Math\n\nbad,Bo,Ng,Math\n"), nil, importer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 4, res.Errors[0].Line)
	assert.Equal(t, ReasonInvalidEmail, res.Errors[0].Reason)
}
