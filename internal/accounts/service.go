package accounts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bcef-innovation/identity-core/internal/identity"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
	"github.com/bcef-innovation/identity-core/internal/tokens"
)

// Config holds lifecycle tunables.
type Config struct {
	// TempPasswordTTL bounds the validity of generated passwords.
	TempPasswordTTL time.Duration
	// PasswordMaxAge sets the rotation deadline for chosen passwords. Zero
	// disables expiry.
	PasswordMaxAge time.Duration
	// ResetResponseFloor is the minimum latency of RequestPasswordReset.
	ResetResponseFloor time.Duration
	// VisitorAutoActivate activates self-registered visitors who chose a
	// password.
	VisitorAutoActivate bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TempPasswordTTL:     24 * time.Hour,
		ResetResponseFloor:  300 * time.Millisecond,
		VisitorAutoActivate: true,
	}
}

// Service owns the account state machine.
type Service struct {
	repo     RepositoryPort
	tokens   *tokens.Authority
	notifier Notifier
	auditor  shared.Auditor
	hasher   Hasher
	policy   Policy
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	newID    func() string
	wait     func(ctx context.Context, d time.Duration)
}

// Option customises a Service.
type Option func(*Service)

// WithHasher overrides the password hasher.
func WithHasher(h Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

// WithIDGenerator overrides account id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// WithWait overrides how the reset response floor is waited out.
func WithWait(wait func(ctx context.Context, d time.Duration)) Option {
	return func(s *Service) { s.wait = wait }
}

// NewService builds Service instance. The token authority's clock is the
// service clock.
func NewService(repo RepositoryPort, authority *tokens.Authority, notifier Notifier, auditor shared.Auditor, logger *slog.Logger, cfg Config, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.TempPasswordTTL <= 0 {
		cfg.TempPasswordTTL = 24 * time.Hour
	}
	s := &Service{
		repo:     repo,
		tokens:   authority,
		notifier: notifier,
		auditor:  auditor,
		hasher:   BcryptHasher{},
		policy:   DefaultPolicy(),
		logger:   logger,
		cfg:      cfg,
		now:      authority.Now,
		newID:    uuid.NewString,
		wait:     sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterInput describes a new account.
type RegisterInput struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Role      rbac.Role
	// Password is optional; a temporary one is generated when empty.
	Password string
	Profile  identity.Profile
}

// RegisterResult reports the created account and whether the activation
// notice was accepted.
type RegisterResult struct {
	Account  *identity.Account
	Notified bool
}

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Register creates an account and its profile. An anonymous actor is a
// self-service registration restricted to visitor and intern.
func (s *Service) Register(ctx context.Context, actor rbac.Principal, in RegisterInput) (*RegisterResult, error) {
	selfService := actor.Anonymous()
	if selfService {
		if in.Role != rbac.RoleVisitor && in.Role != rbac.RoleIntern {
			return nil, shared.InvalidField("role", "self-registration is limited to visitor and intern")
		}
	} else if err := s.authorizeManager(actor); err != nil {
		return nil, err
	}
	if in.Role == rbac.RoleAdmin && actor.Role != rbac.RoleAdmin {
		s.audit(ctx, actor, "account.register", "", shared.OutcomeDenied, map[string]any{"role": string(in.Role)})
		return nil, shared.ErrForbidden
	}

	acct, issued, err := s.Prepare(in)
	if err != nil {
		return nil, err
	}
	if selfService && in.Role == rbac.RoleVisitor && in.Password != "" && s.cfg.VisitorAutoActivate {
		s.tokens.Consume(acct, tokens.KindActivation)
		acct.Status = identity.StatusActive
	}

	if _, err := s.repo.FindByEmail(ctx, acct.Email); err == nil {
		return nil, shared.ErrDuplicateEmail
	} else if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}
	if err := s.repo.Create(ctx, acct); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "account.register", acct.ID, shared.OutcomeSuccess, map[string]any{
		"role":         string(acct.Role),
		"status":       string(acct.Status),
		"self_service": selfService,
	})

	result := &RegisterResult{Account: acct}
	if acct.Status == identity.StatusPendingActivation {
		result.Notified = s.NotifyActivation(ctx, acct, issued) == nil
	}
	return result, nil
}

// Prepare validates in and builds a pending account with a fresh activation
// token without persisting it.
func (s *Service) Prepare(in RegisterInput) (*identity.Account, tokens.Issued, error) {
	email := identity.NormalizeEmail(in.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, tokens.Issued{}, err
	}
	if !in.Role.Valid() {
		return nil, tokens.Issued{}, shared.InvalidField("role", "unknown role")
	}
	if field := identity.MissingProfileField(in.Role, in.Profile); field != "" {
		return nil, tokens.Issued{}, shared.InvalidField(field, "required for role "+string(in.Role))
	}

	now := s.now().UTC()
	acct := &identity.Account{
		ID:        s.newID(),
		Email:     email,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Phone:     strings.TrimSpace(in.Phone),
		Role:      in.Role,
		IsStaff:   in.Role == rbac.RoleAdmin,
		Status:    identity.StatusPendingActivation,
		Profile:   trimProfile(in.Profile),
	}
	if in.Password != "" {
		if err := s.setPassword(acct, in.Password, now); err != nil {
			return nil, tokens.Issued{}, err
		}
	} else {
		temp, err := GenerateTemporaryPassword(TemporaryPasswordLength)
		if err != nil {
			return nil, tokens.Issued{}, err
		}
		hash, err := s.hasher.Hash(temp)
		if err != nil {
			return nil, tokens.Issued{}, err
		}
		expiry := now.Add(s.cfg.TempPasswordTTL)
		acct.PasswordHash = hash
		acct.PasswordExpiry = &expiry
		acct.MustChangePassword = true
	}
	issued := s.tokens.IssueActivation(acct)
	return acct, issued, nil
}

// NotifyActivation hands the activation notice to the notifier. Failures are
// logged and audited but never undo the account.
func (s *Service) NotifyActivation(ctx context.Context, acct *identity.Account, issued tokens.Issued) error {
	err := s.notifier.SendActivation(ctx, ActivationNotice{
		AccountID:      acct.ID,
		Email:          acct.Email,
		FirstName:      acct.FirstName,
		Token:          issued.Token,
		TokenExpiry:    issued.Expiry,
		PasswordExpiry: acct.PasswordExpiry,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "activation notice not dispatched",
			slog.String("account_id", acct.ID),
			slog.Any("error", err))
		s.audit(ctx, rbac.Principal{}, "account.notify_activation", acct.ID, shared.OutcomeFailure, map[string]any{"error": err.Error()})
	}
	return err
}

// Activate moves a pending account to active. newPassword is optional; when
// given it replaces the temporary password.
func (s *Service) Activate(ctx context.Context, email, token, newPassword string) (*identity.Account, error) {
	acct, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.audit(ctx, rbac.Principal{}, "account.activate", "", shared.OutcomeDenied, map[string]any{"reason": "unknown email"})
			return nil, shared.ErrInvalidToken
		}
		return nil, err
	}
	if acct.Status == identity.StatusActive {
		return nil, shared.ErrAlreadyActive
	}
	if !s.tokens.Validate(acct, token, tokens.KindActivation) {
		s.audit(ctx, rbac.Principal{}, "account.activate", acct.ID, shared.OutcomeDenied, map[string]any{"reason": "invalid token"})
		return nil, shared.ErrInvalidToken
	}
	if newPassword != "" {
		if err := s.setPassword(acct, newPassword, s.now().UTC()); err != nil {
			return nil, err
		}
	}
	s.tokens.Consume(acct, tokens.KindActivation)
	acct.Status = identity.StatusActive
	if err := s.repo.Update(ctx, acct); err != nil {
		return nil, err
	}
	s.audit(ctx, acct.Principal(), "account.activate", acct.ID, shared.OutcomeSuccess, nil)
	return acct, nil
}

// ChangePassword rotates the password of an active account after checking the
// current one.
func (s *Service) ChangePassword(ctx context.Context, accountID, oldPassword, newPassword string) error {
	acct, err := s.repo.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.Status != identity.StatusActive {
		return shared.ErrInvalidTransition
	}
	if !s.hasher.Compare(acct.PasswordHash, oldPassword) {
		s.audit(ctx, acct.Principal(), "account.change_password", acct.ID, shared.OutcomeDenied, map[string]any{"reason": "wrong password"})
		return shared.ErrWrongPassword
	}
	if err := s.setPassword(acct, newPassword, s.now().UTC()); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, acct); err != nil {
		return err
	}
	s.audit(ctx, acct.Principal(), "account.change_password", acct.ID, shared.OutcomeSuccess, nil)
	return nil
}

// RequestPasswordReset issues a reset token when an active account owns
// email. The outcome and timing do not depend on whether it does.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	start := time.Now()
	defer func() {
		if remaining := s.cfg.ResetResponseFloor - time.Since(start); remaining > 0 {
			s.wait(ctx, remaining)
		}
	}()

	acct, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		s.logger.ErrorContext(ctx, "password reset lookup", slog.Any("error", err))
		return nil
	}
	if acct.Status != identity.StatusActive {
		return nil
	}
	issued := s.tokens.IssuePasswordReset(acct)
	if err := s.repo.Update(ctx, acct); err != nil {
		s.logger.ErrorContext(ctx, "password reset store token", slog.String("account_id", acct.ID), slog.Any("error", err))
		return nil
	}
	s.audit(ctx, rbac.Principal{}, "account.request_reset", acct.ID, shared.OutcomeSuccess, nil)
	err = s.notifier.SendPasswordReset(ctx, ResetNotice{
		AccountID: acct.ID,
		Email:     acct.Email,
		FirstName: acct.FirstName,
		Token:     issued.Token,
		Expiry:    issued.Expiry,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "reset notice not dispatched", slog.String("account_id", acct.ID), slog.Any("error", err))
	}
	return nil
}

// ConfirmPasswordReset sets a new password and consumes the reset token in
// one update.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	acct, err := s.repo.FindByResetToken(ctx, token)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			s.audit(ctx, rbac.Principal{}, "account.confirm_reset", "", shared.OutcomeDenied, map[string]any{"reason": "unknown token"})
			return shared.ErrInvalidToken
		}
		return err
	}
	if !s.tokens.Validate(acct, token, tokens.KindReset) {
		s.audit(ctx, rbac.Principal{}, "account.confirm_reset", acct.ID, shared.OutcomeDenied, map[string]any{"reason": "invalid token"})
		return shared.ErrInvalidToken
	}
	if err := s.setPassword(acct, newPassword, s.now().UTC()); err != nil {
		return err
	}
	s.tokens.Consume(acct, tokens.KindReset)
	if err := s.repo.Update(ctx, acct); err != nil {
		return err
	}
	s.audit(ctx, acct.Principal(), "account.confirm_reset", acct.ID, shared.OutcomeSuccess, nil)
	return nil
}

// SoftDelete archives an active or suspended account and anonymises it.
func (s *Service) SoftDelete(ctx context.Context, actor rbac.Principal, id string) error {
	if err := s.authorizeManager(actor); err != nil {
		return err
	}
	acct, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	switch acct.Status {
	case identity.StatusArchived:
		return shared.ErrAlreadyArchived
	case identity.StatusPendingActivation:
		return shared.ErrInvalidTransition
	}

	previousEmail := acct.Email
	now := s.now().UTC()
	acct.Email = AnonymizedEmail(acct.ID)
	acct.FirstName = ""
	acct.LastName = ""
	acct.Phone = ""
	s.tokens.Consume(acct, tokens.KindActivation)
	s.tokens.Consume(acct, tokens.KindReset)
	acct.DeletedAt = &now
	acct.DeletedBy = actor.AccountID
	acct.Status = identity.StatusArchived
	if err := s.repo.Update(ctx, acct); err != nil {
		return err
	}
	s.audit(ctx, actor, "account.soft_delete", acct.ID, shared.OutcomeSuccess, map[string]any{
		"previous_email": previousEmail,
		"deleted_by":     actor.AccountID,
	})
	return nil
}

// RestoreResult reports a restored account. IdentityLost is set when the
// email and names were anonymised and could not be recovered.
type RestoreResult struct {
	Account      *identity.Account
	IdentityLost bool
	Warning      string
}

// Restore reactivates an archived account and clears its deletion metadata.
func (s *Service) Restore(ctx context.Context, actor rbac.Principal, id string) (*RestoreResult, error) {
	if err := s.authorizeManager(actor); err != nil {
		return nil, err
	}
	acct, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.Status != identity.StatusArchived {
		return nil, shared.ErrInvalidTransition
	}
	acct.Status = identity.StatusActive
	acct.DeletedAt = nil
	acct.DeletedBy = ""
	if err := s.repo.Update(ctx, acct); err != nil {
		return nil, err
	}
	res := &RestoreResult{Account: acct}
	if IsAnonymized(acct.Email) {
		res.IdentityLost = true
		res.Warning = "original email and name were erased at deletion; update the account before notifying its owner"
	}
	s.audit(ctx, actor, "account.restore", acct.ID, shared.OutcomeSuccess, map[string]any{"identity_lost": res.IdentityLost})
	return res, nil
}

// Suspend moves an active account to suspended.
func (s *Service) Suspend(ctx context.Context, actor rbac.Principal, id string) error {
	return s.transition(ctx, actor, id, "account.suspend", identity.StatusActive, identity.StatusSuspended)
}

// Reactivate moves a suspended account back to active.
func (s *Service) Reactivate(ctx context.Context, actor rbac.Principal, id string) error {
	return s.transition(ctx, actor, id, "account.reactivate", identity.StatusSuspended, identity.StatusActive)
}

func (s *Service) transition(ctx context.Context, actor rbac.Principal, id, action string, from, to identity.Status) error {
	if err := s.authorizeManager(actor); err != nil {
		return err
	}
	acct, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if acct.Status != from {
		return shared.ErrInvalidTransition
	}
	acct.Status = to
	if err := s.repo.Update(ctx, acct); err != nil {
		return err
	}
	s.audit(ctx, actor, action, acct.ID, shared.OutcomeSuccess, nil)
	return nil
}

// ChangeRole assigns a new role. Only admins may call it; profile fields the
// new role requires may be supplied alongside.
func (s *Service) ChangeRole(ctx context.Context, actor rbac.Principal, id string, role rbac.Role, profile *identity.Profile) (*identity.Account, error) {
	if actor.Anonymous() || actor.Role != rbac.RoleAdmin {
		s.audit(ctx, actor, "account.change_role", id, shared.OutcomeDenied, map[string]any{"role": string(role)})
		return nil, shared.ErrForbidden
	}
	if !role.Valid() {
		return nil, shared.InvalidField("role", "unknown role")
	}
	acct, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.Status == identity.StatusArchived {
		return nil, shared.ErrInvalidTransition
	}
	if profile != nil {
		acct.Profile = trimProfile(*profile)
	}
	if field := identity.MissingProfileField(role, acct.Profile); field != "" {
		return nil, shared.InvalidField(field, "required for role "+string(role))
	}
	previous := acct.Role
	acct.Role = role
	acct.IsStaff = role == rbac.RoleAdmin
	if err := s.repo.Update(ctx, acct); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "account.change_role", acct.ID, shared.OutcomeSuccess, map[string]any{
		"from": string(previous),
		"to":   string(role),
	})
	return acct, nil
}

// ResendActivation mints a fresh activation token for a pending account and
// notifies its owner. The previous token stops working.
func (s *Service) ResendActivation(ctx context.Context, actor rbac.Principal, id string) (bool, error) {
	if err := s.authorizeManager(actor); err != nil {
		return false, err
	}
	acct, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	switch acct.Status {
	case identity.StatusPendingActivation:
	case identity.StatusActive:
		return false, shared.ErrAlreadyActive
	default:
		return false, shared.ErrInvalidTransition
	}
	issued := s.tokens.IssueActivation(acct)
	if err := s.repo.Update(ctx, acct); err != nil {
		return false, err
	}
	s.audit(ctx, actor, "account.resend_activation", acct.ID, shared.OutcomeSuccess, nil)
	return s.NotifyActivation(ctx, acct, issued) == nil, nil
}

// Get returns the account with id.
func (s *Service) Get(ctx context.Context, id string) (*identity.Account, error) {
	return s.repo.FindByID(ctx, id)
}

// Principal loads the authorization principal for an account. Only active
// accounts yield a principal.
func (s *Service) Principal(ctx context.Context, id string) (rbac.Principal, error) {
	acct, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return rbac.Principal{}, shared.ErrUnauthenticated
		}
		return rbac.Principal{}, err
	}
	if acct.Status != identity.StatusActive {
		return rbac.Principal{}, shared.ErrUnauthenticated
	}
	return acct.Principal(), nil
}

func (s *Service) setPassword(acct *identity.Account, password string, now time.Time) error {
	if err := s.policy.Check(password, acct.Email, acct.FirstName, acct.LastName); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	acct.PasswordHash = hash
	acct.MustChangePassword = false
	acct.PasswordExpiry = nil
	if s.cfg.PasswordMaxAge > 0 {
		expiry := now.Add(s.cfg.PasswordMaxAge)
		acct.PasswordExpiry = &expiry
	}
	return nil
}

func (s *Service) authorizeManager(actor rbac.Principal) error {
	return rbac.Authorize(actor, rbac.AnyOf(rbac.CapManageUsers).Or(rbac.RoleAdmin), s.now())
}

func (s *Service) audit(ctx context.Context, actor rbac.Principal, action, entityID, outcome string, meta map[string]any) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Record(ctx, shared.AuditLog{
		ActorID:  actor.AccountID,
		Action:   action,
		Entity:   "account",
		EntityID: entityID,
		Outcome:  outcome,
		Meta:     meta,
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit record", slog.String("action", action), slog.Any("error", err))
	}
}

const anonymizedDomain = "@removed.local"

// AnonymizedEmail is the placeholder email given to a soft-deleted account.
func AnonymizedEmail(id string) string {
	return "deleted_" + id + anonymizedDomain
}

// IsAnonymized reports whether email is a soft-delete placeholder.
func IsAnonymized(email string) bool {
	return strings.HasPrefix(email, "deleted_") && strings.HasSuffix(email, anonymizedDomain)
}

func trimProfile(p identity.Profile) identity.Profile {
	return identity.Profile{
		Profession:      strings.TrimSpace(p.Profession),
		Specialty:       strings.TrimSpace(p.Specialty),
		FieldOfStudy:    strings.TrimSpace(p.FieldOfStudy),
		University:      strings.TrimSpace(p.University),
		SupervisorEmail: identity.NormalizeEmail(p.SupervisorEmail),
		Address:         strings.TrimSpace(p.Address),
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
