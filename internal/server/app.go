// Package server wires the optipress components together and runs the HTTP
// and gRPC listeners until the process is asked to stop.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/config"
	"github.com/dmitrijs2005/optipress/internal/server/httpapi"
	"github.com/dmitrijs2005/optipress/internal/server/identity"
	"github.com/dmitrijs2005/optipress/internal/server/imaging"
	"github.com/dmitrijs2005/optipress/internal/server/ledger"
	"github.com/dmitrijs2005/optipress/internal/server/metrics"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/optipress/internal/server/services"
	"github.com/dmitrijs2005/optipress/internal/server/storage"
	"github.com/dmitrijs2005/optipress/internal/server/transfer"
	"github.com/dmitrijs2005/optipress/internal/server/webhooks"

	gs "github.com/dmitrijs2005/optipress/internal/server/grpc"
)

// orphanAge is how long a staged object may stay undeleted before the
// startup audit reports it.
const orphanAge = time.Hour

type App struct {
	config     *config.Config
	logger     logging.Logger
	db         *sql.DB
	httpServer *httpapi.Server
	grpcServer *gs.GRPCServer
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger, err := logging.New(os.Stdout, c.LogLevel, c.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	db, err := repomanager.OpenDB(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	store, err := storage.NewS3Store(ctx, c)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	m := metrics.NewMetrics("optipress")

	l := ledger.New(rm, m, logger.With("module", "ledger"))
	chain := identity.NewDefaultChain(rm.Accounts(db), []byte(c.SecretKey), logger.With("module", "identity"))
	orch := transfer.New(db, rm, store, c, m, logger)
	transformer := imaging.NewStdTransformer(c.MaxWidth)
	reportOrphans(ctx, orch, orphanAge, logger)

	us := services.NewUserService(db, rm, l, c, logger)
	ops := services.NewOptimizeService(db, chain, orch, transformer, l, c, m, logger)
	rec := webhooks.NewReconciler(db, rm, l, c, m, logger)

	return &App{
		config:     c,
		logger:     logger,
		db:         db,
		httpServer: httpapi.NewServer(c.EndpointAddrHTTP, logger, m, chain, us, ops, orch, rec),
		grpcServer: gs.NewGRPCServer(c.EndpointAddrGRPC, logger, m, chain, ops, us, c.InlineThreshold),
	}, nil
}

// reportOrphans logs staged objects left behind by failed cleanups so an
// operator can remove them from the bucket.
func reportOrphans(ctx context.Context, orch *transfer.Orchestrator, olderThan time.Duration, logger logging.Logger) {
	orphans, err := orch.ListOrphans(ctx, olderThan)
	if err != nil {
		logger.Warn(ctx, "orphan audit failed", "error", err)
		return
	}
	for _, o := range orphans {
		var lastErr string
		if o.LastError != nil {
			lastErr = *o.LastError
		}
		logger.Warn(ctx, "orphaned staged object", "key", o.Key, "account_id", o.AccountID, "state", o.State, "last_error", lastErr)
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// serve runs one listener; a listener failure stops the whole app.
func (app *App) serve(ctx context.Context, cancelFunc context.CancelFunc, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil {
		app.logger.Error(ctx, "server failed", "server", name, "error", err)
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.serve(ctx, cancelFunc, "grpc", app.grpcServer.Run)
	}()
	go func() {
		defer wg.Done()
		app.serve(ctx, cancelFunc, "http", app.httpServer.Run)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "closing database failed", "error", err)
	}
	app.logger.Info(ctx, "App stopped")
}
