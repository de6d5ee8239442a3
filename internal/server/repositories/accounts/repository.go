// Package accounts persists credit-holding accounts.
package accounts

import (
	"context"

	"github.com/dmitrijs2005/optipress/internal/server/models"
)

// Repository is the account store used by identity resolution, the ledger
// and the session service. Conditional methods encode their guards in SQL so
// callers never need a read-modify-write cycle.
type Repository interface {
	Create(ctx context.Context, a *models.Account) (*models.Account, error)
	ClaimByEmail(ctx context.Context, email, passwordHash, apiKey string) (*models.Account, error)

	FindByID(ctx context.Context, id string) (*models.Account, error)
	FindByEmail(ctx context.Context, email string) (*models.Account, error)
	FindByAPIKey(ctx context.Context, apiKey string) (*models.Account, error)

	UpsertIncrement(ctx context.Context, email string, amount int64, apiKey *string) (*models.Account, error)
	InsertIfAbsent(ctx context.Context, email string, credits int64) (*models.Account, bool, error)
	UpsertAPIKey(ctx context.Context, email, apiKey string) (*models.Account, error)
	AtomicDecrementBalance(ctx context.Context, id string, amount int64) error

	SetRefreshToken(ctx context.Context, id string, token *string) error
	RotateRefreshToken(ctx context.Context, id, oldToken, newToken string) error
}
