package services

import (
	"bytes"
	"context"
	"database/sql"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/config"
	"github.com/dmitrijs2005/optipress/internal/server/identity"
	"github.com/dmitrijs2005/optipress/internal/server/imaging"
	"github.com/dmitrijs2005/optipress/internal/server/ledger"
	"github.com/dmitrijs2005/optipress/internal/server/metrics"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/optipress/internal/server/storage"
	"github.com/dmitrijs2005/optipress/internal/server/transfer"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// fakeTransformer returns fixed output and counts calls.
type fakeTransformer struct {
	calls  atomic.Int32
	out    []byte
	err    error
	before func(ctx context.Context)
}

func (f *fakeTransformer) Transform(ctx context.Context, data []byte, format imaging.Format, quality int) ([]byte, error) {
	f.calls.Add(1)
	if f.before != nil {
		f.before(ctx)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	return data[:len(data)/2], nil
}

type env struct {
	cfg      *config.Config
	db       *sql.DB
	repos    *repomanager.InMemoryRepositoryManager
	store    *storage.MemoryStore
	metrics  *metrics.Metrics
	ledger   *ledger.Ledger
	transfer *transfer.Orchestrator
	users    *UserService
	optimize *OptimizeService
}

// newEnv wires the services over in-memory repositories. The sqlite handle
// only provides transaction boundaries for dbx.WithTx.
func newEnv(t *testing.T, tr imaging.Transformer) *env {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.TransformTimeout = 2 * time.Second

	e := &env{
		cfg:     cfg,
		db:      db,
		repos:   repomanager.NewInMemoryRepositoryManager(),
		store:   storage.NewMemoryStore(),
		metrics: metrics.NewMetrics("services_test"),
	}
	log := logging.Nop()

	e.ledger = ledger.New(e.repos, e.metrics, log)
	e.transfer = transfer.New(db, e.repos, e.store, cfg, e.metrics, log)
	e.users = NewUserService(db, e.repos, e.ledger, cfg, log)
	e.users.bcryptCost = bcrypt.MinCost

	chain := identity.NewDefaultChain(e.repos.Accounts(db), []byte(cfg.SecretKey), log)
	e.optimize = NewOptimizeService(db, chain, e.transfer, tr, e.ledger, cfg, e.metrics, log)
	return e
}

func (e *env) signup(t *testing.T, email string) *Session {
	t.Helper()
	s, err := e.users.Signup(context.Background(), email, "correct horse")
	require.NoError(t, err)
	return s
}

func (e *env) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	c, err := e.users.Credits(context.Background(), accountID)
	require.NoError(t, err)
	return c
}

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.NRGBA{uint8(x * 7), uint8(y * 3), 200, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
