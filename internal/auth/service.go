package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bcef-innovation/identity-core/internal/accounts"
	"github.com/bcef-innovation/identity-core/internal/identity"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
)

// Config holds the lockout policy.
type Config struct {
	MaxFailed int64
	Lockout   time.Duration
}

// DefaultConfig returns three attempts per fifteen minutes.
func DefaultConfig() Config {
	return Config{MaxFailed: 3, Lockout: 15 * time.Minute}
}

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	attempts AttemptCounter
	sessions *shared.SessionStore
	hasher   accounts.Hasher
	auditor  shared.Auditor
	logger   *slog.Logger
	cfg      Config
}

// NewService constructs a new Service.
func NewService(repo Repository, attempts AttemptCounter, sessions *shared.SessionStore, hasher accounts.Hasher, auditor shared.Auditor, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if hasher == nil {
		hasher = accounts.BcryptHasher{}
	}
	if cfg.MaxFailed <= 0 {
		cfg.MaxFailed = DefaultConfig().MaxFailed
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = DefaultConfig().Lockout
	}
	return &Service{
		repo:     repo,
		attempts: attempts,
		sessions: sessions,
		hasher:   hasher,
		auditor:  auditor,
		logger:   logger,
		cfg:      cfg,
	}
}

// Authenticate validates email/password credentials and opens a session.
// Only active accounts may log in. Counter store failures do not block login.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) (*Login, error) {
	email := identity.NormalizeEmail(creds.Email)
	if email == "" || creds.Password == "" {
		return nil, shared.InvalidField("credentials", "email and password are required")
	}

	failures, err := s.attempts.Failures(ctx, email)
	if err != nil {
		s.logger.WarnContext(ctx, "login attempt counter unavailable", slog.Any("error", err))
		failures = 0
	}
	if failures >= s.cfg.MaxFailed {
		s.audit(ctx, "", shared.OutcomeDenied, map[string]any{
			"email":           email,
			"reason":          "locked",
			"failed_attempts": failures,
			"ip":              creds.IP,
		})
		return nil, shared.ErrLoginLocked
	}

	acct, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, s.fail(ctx, email, creds.IP, "unknown_email")
		}
		return nil, err
	}
	if !s.hasher.Compare(acct.PasswordHash, creds.Password) {
		return nil, s.fail(ctx, email, creds.IP, "bad_password")
	}
	if acct.Status != identity.StatusActive {
		s.audit(ctx, acct.ID, shared.OutcomeFailure, map[string]any{
			"email":  email,
			"reason": "inactive",
			"status": string(acct.Status),
			"ip":     creds.IP,
		})
		return nil, shared.ErrInvalidCredentials
	}

	if err := s.attempts.Reset(ctx, email); err != nil {
		s.logger.WarnContext(ctx, "reset login attempts", slog.Any("error", err))
	}
	sess, err := s.sessions.Create(ctx, acct.ID, creds.IP, creds.UserAgent)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, acct.ID, shared.OutcomeSuccess, map[string]any{"ip": creds.IP, "ua": creds.UserAgent})
	return &Login{
		Token:              sess.ID,
		ExpiresAt:          sess.ExpiresAt,
		Principal:          acct.Principal(),
		MustChangePassword: acct.MustChangePassword,
	}, nil
}

func (s *Service) fail(ctx context.Context, email, ip, reason string) error {
	n, err := s.attempts.RecordFailure(ctx, email, s.cfg.Lockout)
	if err != nil {
		s.logger.WarnContext(ctx, "record login failure", slog.Any("error", err))
	}
	s.audit(ctx, "", shared.OutcomeFailure, map[string]any{
		"email":           email,
		"reason":          reason,
		"failed_attempts": n,
		"ip":              ip,
	})
	return shared.ErrInvalidCredentials
}

// Logout destroys the session behind token.
func (s *Service) Logout(ctx context.Context, actor rbac.Principal, token string) error {
	if err := s.sessions.Destroy(ctx, token); err != nil {
		return err
	}
	if s.auditor != nil {
		err := s.auditor.Record(ctx, shared.AuditLog{
			ActorID:  actor.AccountID,
			Action:   "auth.logout",
			Entity:   "session",
			EntityID: actor.AccountID,
			Outcome:  shared.OutcomeSuccess,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "audit logout", slog.Any("error", err))
		}
	}
	return nil
}

func (s *Service) audit(ctx context.Context, accountID, outcome string, meta map[string]any) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Record(ctx, shared.AuditLog{
		ActorID:  accountID,
		Action:   "auth.login",
		Entity:   "session",
		EntityID: accountID,
		Outcome:  outcome,
		Meta:     meta,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit login", slog.Any("error", err))
	}
}
