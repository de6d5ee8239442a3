package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/dbx"
	"github.com/dmitrijs2005/optipress/internal/server/models"
)

const columns = `id, email, password_hash, api_key, credits, refresh_token, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanAccount(row *sql.Row) (*models.Account, error) {
	a := &models.Account{}
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.APIKey, &a.Credits, &a.RefreshToken, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		if dbx.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %v", common.ErrAlreadyExists, err)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) Create(ctx context.Context, a *models.Account) (*models.Account, error) {
	query :=
		`INSERT INTO accounts (email, password_hash, api_key, credits)
		 VALUES ($1, $2, $3, $4)
		 RETURNING ` + columns

	return scanAccount(r.db.QueryRowContext(ctx, query, a.Email, a.PasswordHash, a.APIKey, a.Credits))
}

// ClaimByEmail sets the password on an account that was provisioned by a
// webhook and never signed up. ErrorNotFound means there is no such account
// or it already has a password.
func (r *PostgresRepository) ClaimByEmail(ctx context.Context, email, passwordHash, apiKey string) (*models.Account, error) {
	query :=
		`UPDATE accounts
		 SET password_hash = $2, api_key = COALESCE(api_key, $3), updated_at = now()
		 WHERE email = $1 AND password_hash IS NULL
		 RETURNING ` + columns

	return scanAccount(r.db.QueryRowContext(ctx, query, email, passwordHash, apiKey))
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + columns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + columns + ` FROM accounts WHERE email = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, email))
}

func (r *PostgresRepository) FindByAPIKey(ctx context.Context, apiKey string) (*models.Account, error) {
	query := `SELECT ` + columns + ` FROM accounts WHERE api_key = $1`
	return scanAccount(r.db.QueryRowContext(ctx, query, apiKey))
}

// UpsertIncrement adds amount to the balance of email, creating the account
// when missing. apiKey is only stored if the account has none yet.
func (r *PostgresRepository) UpsertIncrement(ctx context.Context, email string, amount int64, apiKey *string) (*models.Account, error) {
	query :=
		`INSERT INTO accounts (email, credits, api_key)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO UPDATE
		 SET credits = accounts.credits + EXCLUDED.credits,
		     api_key = COALESCE(accounts.api_key, EXCLUDED.api_key),
		     updated_at = now()
		 RETURNING ` + columns

	return scanAccount(r.db.QueryRowContext(ctx, query, email, amount, apiKey))
}

// InsertIfAbsent creates the account with the given balance. An existing
// account is returned untouched with created == false.
func (r *PostgresRepository) InsertIfAbsent(ctx context.Context, email string, credits int64) (*models.Account, bool, error) {
	query :=
		`INSERT INTO accounts (email, credits)
		 VALUES ($1, $2)
		 ON CONFLICT (email) DO NOTHING
		 RETURNING ` + columns

	a, err := scanAccount(r.db.QueryRowContext(ctx, query, email, credits))
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return nil, false, err
	}

	a, err = r.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	return a, false, nil
}

// UpsertAPIKey stores apiKey for email, creating the account when missing.
// A key owned by another account yields ErrAlreadyExists.
func (r *PostgresRepository) UpsertAPIKey(ctx context.Context, email, apiKey string) (*models.Account, error) {
	query :=
		`INSERT INTO accounts (email, api_key)
		 VALUES ($1, $2)
		 ON CONFLICT (email) DO UPDATE
		 SET api_key = EXCLUDED.api_key, updated_at = now()
		 RETURNING ` + columns

	return scanAccount(r.db.QueryRowContext(ctx, query, email, apiKey))
}

// AtomicDecrementBalance subtracts amount only when the balance covers it.
func (r *PostgresRepository) AtomicDecrementBalance(ctx context.Context, id string, amount int64) error {
	query :=
		`UPDATE accounts
		 SET credits = credits - $2, updated_at = now()
		 WHERE id = $1 AND credits >= $2`

	err := dbx.ExecOne(ctx, r.db, query, id, amount)
	if errors.Is(err, common.ErrNoRowsAffected) {
		return common.ErrInsufficientBalance
	}
	return err
}

func (r *PostgresRepository) SetRefreshToken(ctx context.Context, id string, token *string) error {
	query :=
		`UPDATE accounts
		 SET refresh_token = $2, updated_at = now()
		 WHERE id = $1`

	err := dbx.ExecOne(ctx, r.db, query, id, token)
	if errors.Is(err, common.ErrNoRowsAffected) {
		return common.ErrorNotFound
	}
	return err
}

// RotateRefreshToken replaces oldToken with newToken. A token that is no
// longer current yields ErrRefreshTokenMismatch.
func (r *PostgresRepository) RotateRefreshToken(ctx context.Context, id, oldToken, newToken string) error {
	query :=
		`UPDATE accounts
		 SET refresh_token = $3, updated_at = now()
		 WHERE id = $1 AND refresh_token = $2`

	err := dbx.ExecOne(ctx, r.db, query, id, oldToken, newToken)
	if errors.Is(err, common.ErrNoRowsAffected) {
		return common.ErrRefreshTokenMismatch
	}
	return err
}
