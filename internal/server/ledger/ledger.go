// Package ledger owns every mutation of account balances. Correctness under
// concurrency comes from conditional single-statement updates; the ledger
// keeps no locks and does not deduplicate.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/dbx"
	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/metrics"
	"github.com/dmitrijs2005/optipress/internal/server/models"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/accounts"
)

// Repos vends the account repository for a DB handle or transaction.
type Repos interface {
	Accounts(db dbx.DBTX) accounts.Repository
}

type Ledger struct {
	repos   Repos
	metrics *metrics.Metrics
	logger  logging.Logger
}

func New(repos Repos, m *metrics.Metrics, logger logging.Logger) *Ledger {
	return &Ledger{repos: repos, metrics: m, logger: logger}
}

// HasCredit is a pre-check only. The debit itself is the authority.
func (l *Ledger) HasCredit(a *models.Account) bool {
	return a != nil && a.Credits >= 1
}

// Debit removes amount credits from the account, or fails with
// ErrInsufficientBalance when the balance does not cover it.
func (l *Ledger) Debit(ctx context.Context, db dbx.DBTX, accountID string, amount int64) error {
	if amount <= 0 {
		return common.Validationf("debit amount must be positive, got %d", amount)
	}
	err := l.repos.Accounts(db).AtomicDecrementBalance(ctx, accountID, amount)
	switch {
	case err == nil:
		l.metrics.AddCreditsDebited(amount)
		return nil
	case errors.Is(err, common.ErrInsufficientBalance):
		return err
	default:
		return fmt.Errorf("%w: debit: %v", common.ErrorInternal, err)
	}
}

// Credit adds amount to the account of email, creating the account when it
// does not exist. newAPIKey is stored only if the account has none.
func (l *Ledger) Credit(ctx context.Context, db dbx.DBTX, email string, amount int64, newAPIKey string) (*models.Account, error) {
	if amount < 0 {
		return nil, common.Validationf("credit amount must not be negative, got %d", amount)
	}
	var key *string
	if newAPIKey != "" {
		key = &newAPIKey
	}
	a, err := l.repos.Accounts(db).UpsertIncrement(ctx, email, amount, key)
	if err != nil {
		return nil, err
	}
	l.metrics.AddCreditsGranted(amount)
	l.logger.Info(ctx, "credits granted", "account", a.ID, "amount", amount, "balance", a.Credits)
	return a, nil
}

// Provision creates the account with an initial balance. An account that
// already exists is returned unchanged with created == false.
func (l *Ledger) Provision(ctx context.Context, db dbx.DBTX, email string, initial int64) (*models.Account, bool, error) {
	if initial < 0 {
		return nil, false, common.Validationf("initial balance must not be negative, got %d", initial)
	}
	a, created, err := l.repos.Accounts(db).InsertIfAbsent(ctx, email, initial)
	if err != nil {
		return nil, false, err
	}
	if created {
		l.metrics.AddCreditsGranted(initial)
		l.logger.Info(ctx, "account provisioned", "account", a.ID, "credits", initial)
	}
	return a, created, nil
}

// AssignAPIKey sets the API key of email, creating the account if needed.
// ErrAlreadyExists means the key belongs to another account.
func (l *Ledger) AssignAPIKey(ctx context.Context, db dbx.DBTX, email, key string) (*models.Account, error) {
	if key == "" {
		return nil, common.Validationf("api key must not be empty")
	}
	return l.repos.Accounts(db).UpsertAPIKey(ctx, email, key)
}

// Balance returns the current balance of the account.
func (l *Ledger) Balance(ctx context.Context, db dbx.DBTX, accountID string) (int64, error) {
	a, err := l.repos.Accounts(db).FindByID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.Credits, nil
}
