package accounts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bcef-innovation/identity-core/internal/identity"
	"github.com/bcef-innovation/identity-core/internal/shared"
)

// RepositoryPort defines data access methods for accounts. Lookups miss with
// shared.ErrNotFound; email comparisons use the normalized form.
type RepositoryPort interface {
	FindByID(ctx context.Context, id string) (*identity.Account, error)
	// FindByEmail only considers accounts that are not soft-deleted.
	FindByEmail(ctx context.Context, email string) (*identity.Account, error)
	FindByResetToken(ctx context.Context, token string) (*identity.Account, error)
	// ExistingEmails returns the subset of emails already held by a live account.
	ExistingEmails(ctx context.Context, emails []string) (map[string]bool, error)
	// Create inserts the account and its profile together. A clash on email
	// yields shared.ErrDuplicateEmail.
	Create(ctx context.Context, acct *identity.Account) error
	// CreateBatch inserts every account or none of them.
	CreateBatch(ctx context.Context, accts []*identity.Account) error
	// Update persists acct if its Version still matches the stored row and
	// bumps the version; otherwise it returns shared.ErrStaleState.
	Update(ctx context.Context, acct *identity.Account) error
	// ClearExpiredTokens drops every token whose expiry is not after now.
	ClearExpiredTokens(ctx context.Context, now time.Time) (activation, reset int64, err error)
}

// MemoryRepository is an in-process RepositoryPort with the same uniqueness,
// batch atomicity and version semantics as the PostgreSQL repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	now      func() time.Time
	accounts map[string]*identity.Account
	emails   map[string]string
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:      time.Now,
		accounts: make(map[string]*identity.Account),
		emails:   make(map[string]string),
	}
}

// FindByID implements RepositoryPort.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*identity.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acct, ok := r.accounts[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return acct.Clone(), nil
}

// FindByEmail implements RepositoryPort.
func (r *MemoryRepository) FindByEmail(_ context.Context, email string) (*identity.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.emails[identity.NormalizeEmail(email)]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return r.accounts[id].Clone(), nil
}

// FindByResetToken implements RepositoryPort.
func (r *MemoryRepository) FindByResetToken(_ context.Context, token string) (*identity.Account, error) {
	if token == "" {
		return nil, shared.ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, acct := range r.accounts {
		if acct.ResetToken == token {
			return acct.Clone(), nil
		}
	}
	return nil, shared.ErrNotFound
}

// ExistingEmails implements RepositoryPort.
func (r *MemoryRepository) ExistingEmails(_ context.Context, emails []string) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool)
	for _, e := range emails {
		e = identity.NormalizeEmail(e)
		if _, ok := r.emails[e]; ok {
			out[e] = true
		}
	}
	return out, nil
}

// Create implements RepositoryPort.
func (r *MemoryRepository) Create(ctx context.Context, acct *identity.Account) error {
	return r.CreateBatch(ctx, []*identity.Account{acct})
}

// CreateBatch implements RepositoryPort.
func (r *MemoryRepository) CreateBatch(_ context.Context, accts []*identity.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(accts))
	for _, acct := range accts {
		if err := acct.CheckInvariants(); err != nil {
			return err
		}
		email := identity.NormalizeEmail(acct.Email)
		if _, ok := r.emails[email]; ok {
			return shared.ErrDuplicateEmail
		}
		if _, ok := seen[email]; ok {
			return shared.ErrDuplicateEmail
		}
		if _, ok := r.accounts[acct.ID]; ok {
			return shared.ErrDuplicateEmail
		}
		seen[email] = struct{}{}
	}
	now := r.now().UTC()
	for _, acct := range accts {
		acct.Email = identity.NormalizeEmail(acct.Email)
		acct.Version = 1
		acct.CreatedAt = now
		acct.UpdatedAt = now
		r.accounts[acct.ID] = acct.Clone()
		r.emails[acct.Email] = acct.ID
	}
	return nil
}

// Update implements RepositoryPort.
func (r *MemoryRepository) Update(_ context.Context, acct *identity.Account) error {
	if err := acct.CheckInvariants(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.accounts[acct.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if stored.Version != acct.Version {
		return shared.ErrStaleState
	}
	email := identity.NormalizeEmail(acct.Email)
	if acct.DeletedAt == nil {
		if owner, ok := r.emails[email]; ok && owner != acct.ID {
			return shared.ErrDuplicateEmail
		}
	}
	if stored.DeletedAt == nil {
		delete(r.emails, stored.Email)
	}
	if acct.DeletedAt == nil {
		r.emails[email] = acct.ID
	}
	acct.Email = email
	acct.Version++
	acct.UpdatedAt = r.now().UTC()
	r.accounts[acct.ID] = acct.Clone()
	return nil
}

// ClearExpiredTokens implements RepositoryPort.
func (r *MemoryRepository) ClearExpiredTokens(_ context.Context, now time.Time) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var activation, reset int64
	for _, acct := range r.accounts {
		changed := false
		if acct.ActivationTokenExpiry != nil && !now.Before(*acct.ActivationTokenExpiry) {
			acct.ActivationToken, acct.ActivationTokenExpiry = "", nil
			activation++
			changed = true
		}
		if acct.ResetTokenExpiry != nil && !now.Before(*acct.ResetTokenExpiry) {
			acct.ResetToken, acct.ResetTokenExpiry = "", nil
			reset++
			changed = true
		}
		if changed {
			acct.Version++
		}
	}
	return activation, reset, nil
}

// All returns every stored account ordered by email, for tests and tooling.
func (r *MemoryRepository) All() []*identity.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*identity.Account, 0, len(r.accounts))
	for _, acct := range r.accounts {
		out = append(out, acct.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}
