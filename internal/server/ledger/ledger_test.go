package ledger

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/dbx"
	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/metrics"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/repomanager"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemLedger(t *testing.T) (*Ledger, *repomanager.InMemoryRepositoryManager, *metrics.Metrics) {
	t.Helper()
	rm := repomanager.NewInMemoryRepositoryManager()
	m := metrics.NewMetrics("ledger_test")
	return New(rm, m, logging.Nop()), rm, m
}

func TestDebit_ConcurrentRaceAllowsExactlyOne(t *testing.T) {
	l, rm, m := newMemLedger(t)
	ctx := context.Background()

	acc, _, err := rm.Accounts(nil).InsertIfAbsent(ctx, "race@example.com", 1)
	require.NoError(t, err)

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := l.Debit(ctx, nil, acc.ID, 1)
			if err == nil {
				wins.Add(1)
			} else if errors.Is(err, common.ErrInsufficientBalance) {
				losses.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), losses.Load())
	bal, err := l.Balance(ctx, nil, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CreditsDebited))
}

func TestDebit_SQLConditionalUpdate(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	l := New(repomanager.NewPostgresRepositoryManager(), metrics.NewMetrics("ledger_sql"), logging.Nop())
	q := `UPDATE\s+accounts\s+SET\s+credits\s*=\s*credits\s*-\s*\$2.*WHERE\s+id\s*=\s*\$1\s+AND\s+credits\s*>=\s*\$2`

	// Two concurrent requests against balance 1: the database lets exactly one
	// statement match the guard.
	mock.ExpectExec(q).WithArgs("acc-1", int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("acc-1", int64(1)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, l.Debit(context.Background(), db, "acc-1", 1))
	assert.ErrorIs(t, l.Debit(context.Background(), db, "acc-1", 1), common.ErrInsufficientBalance)

	mock.ExpectExec(q).WillReturnError(errors.New("conn reset"))
	assert.ErrorIs(t, l.Debit(context.Background(), db, "acc-1", 1), common.ErrorInternal)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebit_RejectsNonPositive(t *testing.T) {
	l, _, _ := newMemLedger(t)
	assert.ErrorIs(t, l.Debit(context.Background(), nil, "x", 0), common.ErrValidation)
}

func TestCreditAndProvision(t *testing.T) {
	l, _, m := newMemLedger(t)
	ctx := context.Background()

	a, created, err := l.Provision(ctx, nil, "w@example.com", 100)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(100), a.Credits)

	a, created, err = l.Provision(ctx, nil, "w@example.com", 5000)
	require.NoError(t, err)
	assert.False(t, created, "provision is creation only")
	assert.Equal(t, int64(100), a.Credits)

	a, err = l.Credit(ctx, nil, "w@example.com", 5000, "lic-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5100), a.Credits)
	assert.Equal(t, "lic-1", a.Key())

	a, err = l.Credit(ctx, nil, "w@example.com", 10, "lic-2")
	require.NoError(t, err)
	assert.Equal(t, "lic-1", a.Key(), "key only set when absent")

	assert.Equal(t, 5110.0, testutil.ToFloat64(m.CreditsGranted))

	_, err = l.Credit(ctx, nil, "w@example.com", -1, "")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestAssignAPIKey(t *testing.T) {
	l, _, _ := newMemLedger(t)
	ctx := context.Background()

	a, err := l.AssignAPIKey(ctx, nil, "k@example.com", "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Credits)

	_, err = l.AssignAPIKey(ctx, nil, "other@example.com", "key-1")
	assert.ErrorIs(t, err, common.ErrAlreadyExists)

	_, err = l.AssignAPIKey(ctx, nil, "k@example.com", "")
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestHasCredit(t *testing.T) {
	l, rm, _ := newMemLedger(t)
	a, _, _ := rm.Accounts(nil).InsertIfAbsent(context.Background(), "z@example.com", 0)
	assert.False(t, l.HasCredit(a))
	assert.False(t, l.HasCredit(nil))
	a.Credits = 1
	assert.True(t, l.HasCredit(a))
}

// txRepos records which handle the ledger asked for.
type txRepos struct {
	got dbx.DBTX
}

func (r *txRepos) Accounts(db dbx.DBTX) accounts.Repository {
	r.got = db
	return accounts.NewPostgresRepository(db)
}

func TestLedger_UsesGivenHandle(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repos := &txRepos{}
	l := New(repos, metrics.NewMetrics("ledger_tx"), logging.Nop())
	err = dbx.WithTx(context.Background(), db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return l.Debit(ctx, tx, "acc-1", 1)
	})
	require.NoError(t, err)
	_, isTx := repos.got.(*sql.Tx)
	assert.True(t, isTx)
	require.NoError(t, mock.ExpectationsWereMet())
}
