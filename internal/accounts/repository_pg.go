package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcef-innovation/identity-core/internal/identity"
	"github.com/bcef-innovation/identity-core/internal/platform/db"
	"github.com/bcef-innovation/identity-core/internal/rbac"
	"github.com/bcef-innovation/identity-core/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectAccount = `
SELECT a.id, a.email, a.first_name, a.last_name, a.phone, a.role, a.is_staff, a.status,
       a.password_hash, a.password_expiry, a.must_change_password,
       a.activation_token, a.activation_token_expiry, a.reset_token, a.reset_token_expiry,
       a.deleted_at, a.deleted_by, a.version, a.created_at, a.updated_at,
       p.profession, p.specialty, p.field_of_study, p.university, p.supervisor_email, p.address
FROM accounts a
JOIN profiles p ON p.account_id = a.id`

// FindByID implements RepositoryPort.
func (r *Repository) FindByID(ctx context.Context, id string) (*identity.Account, error) {
	return r.findOne(ctx, "accounts: find by id", selectAccount+` WHERE a.id = $1`, id)
}

// FindByEmail implements RepositoryPort.
func (r *Repository) FindByEmail(ctx context.Context, email string) (*identity.Account, error) {
	return r.findOne(ctx, "accounts: find by email",
		selectAccount+` WHERE lower(a.email) = $1 AND a.deleted_at IS NULL`, identity.NormalizeEmail(email))
}

// FindByResetToken implements RepositoryPort.
func (r *Repository) FindByResetToken(ctx context.Context, token string) (*identity.Account, error) {
	if token == "" {
		return nil, shared.ErrNotFound
	}
	return r.findOne(ctx, "accounts: find by reset token", selectAccount+` WHERE a.reset_token = $1`, token)
}

func (r *Repository) findOne(ctx context.Context, op, query string, args ...any) (*identity.Account, error) {
	acct, err := scanAccount(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, shared.Dependency(op, err)
	}
	return acct, nil
}

// ExistingEmails implements RepositoryPort.
func (r *Repository) ExistingEmails(ctx context.Context, emails []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(emails) == 0 {
		return out, nil
	}
	normalized := make([]string, len(emails))
	for i, e := range emails {
		normalized[i] = identity.NormalizeEmail(e)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT lower(email) FROM accounts WHERE lower(email) = ANY($1) AND deleted_at IS NULL`, normalized)
	if err != nil {
		return nil, shared.Dependency("accounts: existing emails", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, shared.Dependency("accounts: existing emails", err)
	}
	for _, e := range found {
		out[e] = true
	}
	return out, nil
}

// Create implements RepositoryPort.
func (r *Repository) Create(ctx context.Context, acct *identity.Account) error {
	return r.CreateBatch(ctx, []*identity.Account{acct})
}

const insertAccount = `
INSERT INTO accounts (id, email, first_name, last_name, phone, role, is_staff, status,
    password_hash, password_expiry, must_change_password,
    activation_token, activation_token_expiry, reset_token, reset_token_expiry,
    version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16, $16)`

const insertProfile = `
INSERT INTO profiles (account_id, profession, specialty, field_of_study, university, supervisor_email, address)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// CreateBatch implements RepositoryPort. Accounts and profiles are queued in a
// single pgx.Batch inside one transaction.
func (r *Repository) CreateBatch(ctx context.Context, accts []*identity.Account) error {
	if len(accts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, acct := range accts {
		if err := acct.CheckInvariants(); err != nil {
			return err
		}
		acct.Email = identity.NormalizeEmail(acct.Email)
		batch.Queue(insertAccount,
			acct.ID, acct.Email, acct.FirstName, acct.LastName, acct.Phone, string(acct.Role), acct.IsStaff, string(acct.Status),
			acct.PasswordHash, acct.PasswordExpiry, acct.MustChangePassword,
			nullString(acct.ActivationToken), acct.ActivationTokenExpiry, nullString(acct.ResetToken), acct.ResetTokenExpiry,
			now)
		p := acct.Profile
		batch.Queue(insertProfile, acct.ID, p.Profession, p.Specialty, p.FieldOfStudy, p.University, p.SupervisorEmail, p.Address)
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return err
			}
		}
		return results.Close()
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return shared.ErrDuplicateEmail
		}
		return shared.Dependency("accounts: create batch", err)
	}
	for _, acct := range accts {
		acct.Version = 1
		acct.CreatedAt = now
		acct.UpdatedAt = now
	}
	return nil
}

const updateAccount = `
UPDATE accounts SET email = $3, first_name = $4, last_name = $5, phone = $6, role = $7, is_staff = $8,
    status = $9, password_hash = $10, password_expiry = $11, must_change_password = $12,
    activation_token = $13, activation_token_expiry = $14, reset_token = $15, reset_token_expiry = $16,
    deleted_at = $17, deleted_by = $18, version = version + 1, updated_at = $19
WHERE id = $1 AND version = $2`

const updateProfile = `
UPDATE profiles SET profession = $2, specialty = $3, field_of_study = $4, university = $5,
    supervisor_email = $6, address = $7
WHERE account_id = $1`

// Update implements RepositoryPort.
func (r *Repository) Update(ctx context.Context, acct *identity.Account) error {
	if err := acct.CheckInvariants(); err != nil {
		return err
	}
	now := time.Now().UTC()
	acct.Email = identity.NormalizeEmail(acct.Email)
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateAccount,
			acct.ID, acct.Version, acct.Email, acct.FirstName, acct.LastName, acct.Phone, string(acct.Role), acct.IsStaff,
			string(acct.Status), acct.PasswordHash, acct.PasswordExpiry, acct.MustChangePassword,
			nullString(acct.ActivationToken), acct.ActivationTokenExpiry, nullString(acct.ResetToken), acct.ResetTokenExpiry,
			acct.DeletedAt, nullString(acct.DeletedBy), now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, acct.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return shared.ErrNotFound
			}
			return shared.ErrStaleState
		}
		p := acct.Profile
		_, err = tx.Exec(ctx, updateProfile, acct.ID, p.Profession, p.Specialty, p.FieldOfStudy, p.University, p.SupervisorEmail, p.Address)
		return err
	})
	switch {
	case err == nil:
		acct.Version++
		acct.UpdatedAt = now
		return nil
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrStaleState):
		return err
	case db.IsUniqueViolation(err):
		return shared.ErrDuplicateEmail
	case db.IsSerializationFailure(err):
		return shared.ErrStaleState
	default:
		return shared.Dependency("accounts: update", err)
	}
}

// ClearExpiredTokens implements RepositoryPort.
func (r *Repository) ClearExpiredTokens(ctx context.Context, now time.Time) (int64, int64, error) {
	var activation, reset int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE accounts SET activation_token = NULL, activation_token_expiry = NULL, version = version + 1
WHERE activation_token_expiry IS NOT NULL AND activation_token_expiry <= $1`, now)
		if err != nil {
			return err
		}
		activation = tag.RowsAffected()
		tag, err = tx.Exec(ctx, `UPDATE accounts SET reset_token = NULL, reset_token_expiry = NULL, version = version + 1
WHERE reset_token_expiry IS NOT NULL AND reset_token_expiry <= $1`, now)
		if err != nil {
			return err
		}
		reset = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, 0, shared.Dependency("accounts: clear expired tokens", err)
	}
	return activation, reset, nil
}

func scanAccount(row pgx.Row) (*identity.Account, error) {
	var (
		acct                                 identity.Account
		role, status                         string
		activationToken, resetToken, deleted *string
	)
	err := row.Scan(
		&acct.ID, &acct.Email, &acct.FirstName, &acct.LastName, &acct.Phone, &role, &acct.IsStaff, &status,
		&acct.PasswordHash, &acct.PasswordExpiry, &acct.MustChangePassword,
		&activationToken, &acct.ActivationTokenExpiry, &resetToken, &acct.ResetTokenExpiry,
		&acct.DeletedAt, &deleted, &acct.Version, &acct.CreatedAt, &acct.UpdatedAt,
		&acct.Profile.Profession, &acct.Profile.Specialty, &acct.Profile.FieldOfStudy,
		&acct.Profile.University, &acct.Profile.SupervisorEmail, &acct.Profile.Address,
	)
	if err != nil {
		return nil, err
	}
	acct.Role = rbac.Role(role)
	acct.Status = identity.Status(status)
	acct.ActivationToken = deref(activationToken)
	acct.ResetToken = deref(resetToken)
	acct.DeletedBy = deref(deleted)
	if !acct.Status.Valid() {
		return nil, fmt.Errorf("accounts: unknown status %q for %s", status, acct.ID)
	}
	return &acct, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
