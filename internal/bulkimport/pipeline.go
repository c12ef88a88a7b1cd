package bulkimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcef-innovation/identity-core/internal/accounts"
	"github.com/bcef-innovation/identity-core/internal/identity"
	"github.com/bcef-innovation/identity-core/internal/ratelimit"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
	"github.com/bcef-innovation/identity-core/internal/tokens"
)

// ErrBatchAborted reports that the durable write failed and nothing was
// created. The caller may resubmit the same file.
var ErrBatchAborted = fmt.Errorf("import batch aborted, no accounts were created: %w", shared.ErrDependency)

// DefaultRequiredColumns are enforced when the caller names none.
var DefaultRequiredColumns = []string{"email", "first_name", "last_name"}

// Row rejection reasons.
const (
	ReasonMissingEmail    = "missing email"
	ReasonInvalidEmail    = "invalid email"
	ReasonDuplicateInFile = "duplicate in file"
	ReasonEmailExists     = "email already exists"
	ReasonUnknownRole     = "unknown role"
	ReasonAdminRole       = "admin accounts cannot be imported"
	ReasonInvalidLink     = "invalid supervisor_email"
)

// Config tunes the pipeline.
type Config struct {
	Rule              ratelimit.Rule
	DefaultRole       rbac.Role
	NotifyConcurrency int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Rule:              ratelimit.Rule{Limit: 10, Period: time.Hour, Scope: ratelimit.ScopeUser},
		DefaultRole:       rbac.RoleIntern,
		NotifyConcurrency: 8,
	}
}

// Recorder receives import outcomes for metrics.
type Recorder interface {
	RecordImport(outcome string, created, skipped int)
}

// Source is an uploaded table.
type Source struct {
	Filename string
	Body     io.Reader
}

// RowError describes a rejected row.
type RowError struct {
	Line   int               `json:"line"`
	Email  string            `json:"email"`
	Reason string            `json:"error"`
	Data   map[string]string `json:"data"`
}

// Result summarises an import.
type Result struct {
	Created    int        `json:"created"`
	Skipped    int        `json:"skipped"`
	Errors     []RowError `json:"errors"`
	Unnotified []string   `json:"unnotified,omitempty"`
}

// Pipeline validates rows independently and persists the valid ones in one
// atomic batch.
type Pipeline struct {
	service  *accounts.Service
	repo     accounts.RepositoryPort
	limiter  *ratelimit.Limiter
	auditor  shared.Auditor
	recorder Recorder
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewPipeline constructs a Pipeline. limiter, auditor and recorder may be nil.
func NewPipeline(service *accounts.Service, repo accounts.RepositoryPort, limiter *ratelimit.Limiter, auditor shared.Auditor, recorder Recorder, logger *slog.Logger, cfg Config) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = rbac.RoleIntern
	}
	if cfg.NotifyConcurrency <= 0 {
		cfg.NotifyConcurrency = 1
	}
	return &Pipeline{
		service:  service,
		repo:     repo,
		limiter:  limiter,
		auditor:  auditor,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		now:      service.Now,
	}
}

// Import runs the whole pipeline for src on behalf of importedBy.
func (p *Pipeline) Import(ctx context.Context, src Source, requiredColumns []string, importedBy rbac.Principal) (*Result, error) {
	if p.limiter != nil {
		if err := p.limiter.Allow(ctx, string(ratelimit.ScopeUser)+":"+importedBy.AccountID, "bulk_import", "accounts", p.cfg.Rule); err != nil {
			p.record("rate_limited", 0, 0)
			return nil, err
		}
	}
	if err := rbac.Authorize(importedBy, rbac.AnyOf(rbac.CapBulkImportUsers).Or(rbac.RoleAdmin), p.now()); err != nil {
		p.audit(ctx, importedBy, shared.OutcomeDenied, map[string]any{"reason": err.Error()})
		p.record("denied", 0, 0)
		return nil, err
	}

	format, err := FormatFromFilename(src.Filename)
	if err != nil {
		return nil, err
	}
	table, err := Parse(format, src.Body)
	if err != nil {
		p.record("rejected", 0, 0)
		return nil, err
	}
	return p.ImportTable(ctx, table, requiredColumns, importedBy)
}

// ImportTable runs validation, persistence and notification for a parsed
// table. The caller has already been authorised.
func (p *Pipeline) ImportTable(ctx context.Context, table *Table, requiredColumns []string, importedBy rbac.Principal) (*Result, error) {
	if len(requiredColumns) == 0 {
		requiredColumns = DefaultRequiredColumns
	}
	if !contains(requiredColumns, "email") {
		requiredColumns = append([]string{"email"}, requiredColumns...)
	}
	if missing := table.MissingColumns(requiredColumns); len(missing) > 0 {
		p.record("rejected", 0, 0)
		return nil, shared.InvalidField("columns", "missing required columns: "+strings.Join(missing, ", "))
	}

	existing, err := p.repo.ExistingEmails(ctx, collectEmails(table))
	if err != nil {
		return nil, err
	}

	result := &Result{Errors: []RowError{}}
	type pending struct {
		acct   *identity.Account
		issued tokens.Issued
	}
	var batch []pending
	seen := make(map[string]int)

	for _, row := range table.Rows {
		if row.Blank() {
			continue
		}
		email := identity.NormalizeEmail(row.Get("email"))
		reject := func(reason string) {
			result.Errors = append(result.Errors, RowError{
				Line:   row.Line,
				Email:  email,
				Reason: reason,
				Data:   shared.SanitizeStrings(row.Values),
			})
		}
		if email == "" {
			reject(ReasonMissingEmail)
			continue
		}
		if err := accounts.ValidateEmail(email); err != nil {
			reject(ReasonInvalidEmail)
			continue
		}
		if _, dup := seen[email]; dup {
			reject(ReasonDuplicateInFile)
			continue
		}
		seen[email] = row.Line
		if existing[email] {
			reject(ReasonEmailExists)
			continue
		}

		in, reason := p.rowInput(row, email)
		if reason != "" {
			reject(reason)
			continue
		}
		acct, issued, err := p.service.Prepare(in)
		if err != nil {
			reject(rowReason(err))
			continue
		}
		batch = append(batch, pending{acct: acct, issued: issued})
	}
	result.Skipped = len(result.Errors)

	if len(batch) > 0 {
		accts := make([]*identity.Account, len(batch))
		for i, b := range batch {
			accts[i] = b.acct
		}
		if err := p.repo.CreateBatch(ctx, accts); err != nil {
			p.logger.ErrorContext(ctx, "bulk import batch aborted",
				slog.Int("rows", len(accts)),
				slog.Any("error", err))
			p.audit(ctx, importedBy, shared.OutcomeFailure, map[string]any{
				"rows":  len(accts),
				"error": err.Error(),
			})
			p.record("aborted", 0, result.Skipped)
			// The cause stays out of the chain so a late conflict is not
			// reported as a client error.
			return nil, fmt.Errorf("%w: %v", ErrBatchAborted, err)
		}
		result.Created = len(accts)

		var (
			mu sync.Mutex
			g  errgroup.Group
		)
		g.SetLimit(p.cfg.NotifyConcurrency)
		for _, b := range batch {
			g.Go(func() error {
				if err := p.service.NotifyActivation(ctx, b.acct, b.issued); err != nil {
					mu.Lock()
					result.Unnotified = append(result.Unnotified, b.acct.Email)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	outcome := "created"
	if result.Created == 0 {
		outcome = "rejected"
	}
	p.record(outcome, result.Created, result.Skipped)
	p.audit(ctx, importedBy, shared.OutcomeSuccess, map[string]any{
		"created":    result.Created,
		"skipped":    result.Skipped,
		"unnotified": len(result.Unnotified),
	})
	return result, nil
}

func (p *Pipeline) rowInput(row Row, email string) (accounts.RegisterInput, string) {
	role := p.cfg.DefaultRole
	if raw := row.Get("role"); raw != "" {
		parsed, err := rbac.ParseRole(raw)
		if err != nil {
			return accounts.RegisterInput{}, ReasonUnknownRole
		}
		role = parsed
	}
	if role == rbac.RoleAdmin {
		return accounts.RegisterInput{}, ReasonAdminRole
	}
	supervisor := identity.NormalizeEmail(row.Get("supervisor_email"))
	if supervisor != "" && accounts.ValidateEmail(supervisor) != nil {
		return accounts.RegisterInput{}, ReasonInvalidLink
	}
	return accounts.RegisterInput{
		Email:     email,
		FirstName: row.Get("first_name"),
		LastName:  row.Get("last_name"),
		Phone:     row.Get("phone"),
		Role:      role,
		Profile: identity.Profile{
			Profession:      row.Get("profession"),
			Specialty:       row.Get("specialty"),
			FieldOfStudy:    row.Get("field_of_study"),
			University:      row.Get("university"),
			SupervisorEmail: supervisor,
			Address:         row.Get("address"),
		},
	}, ""
}

func rowReason(err error) string {
	var fe *shared.FieldError
	if errors.As(err, &fe) {
		if fe.Reason == "" {
			return "missing " + fe.Field
		}
		return fe.Field + ": " + fe.Reason
	}
	return shared.UserSafeMessage(err)
}

func (p *Pipeline) audit(ctx context.Context, actor rbac.Principal, outcome string, meta map[string]any) {
	if p.auditor == nil {
		return
	}
	err := p.auditor.Record(ctx, shared.AuditLog{
		ActorID: actor.AccountID,
		Action:  "account.bulk_import",
		Entity:  "account",
		Outcome: outcome,
		Meta:    meta,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "bulk import audit", slog.Any("error", err))
	}
}

func (p *Pipeline) record(outcome string, created, skipped int) {
	if p.recorder != nil {
		p.recorder.RecordImport(outcome, created, skipped)
	}
}

func collectEmails(table *Table) []string {
	out := make([]string, 0, len(table.Rows))
	for _, row := range table.Rows {
		if e := identity.NormalizeEmail(row.Get("email")); e != "" {
			out = append(out, e)
		}
	}
	return out
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if CanonicalColumn(v) == want {
			return true
		}
	}
	return false
}
