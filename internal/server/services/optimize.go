package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/config"
	"github.com/dmitrijs2005/optipress/internal/server/identity"
	"github.com/dmitrijs2005/optipress/internal/server/imaging"
	"github.com/dmitrijs2005/optipress/internal/server/ledger"
	"github.com/dmitrijs2005/optipress/internal/server/metrics"
	"github.com/dmitrijs2005/optipress/internal/server/models"
	"github.com/dmitrijs2005/optipress/internal/server/transfer"
)

// Authenticator resolves request credentials to an account.
type Authenticator interface {
	Resolve(ctx context.Context, creds identity.Credentials) (*models.Account, error)
}

// Options are the caller-supplied output settings, unparsed.
type Options struct {
	Format  string
	Quality string
}

// Result describes one successful optimization. Exactly one of Inline and
// URL is set.
type Result struct {
	AccountID    string
	SizeBefore   int
	SizeAfter    int
	SavedPercent float64
	Format       imaging.Format
	Inline       []byte
	URL          string
}

// OptimizeService runs the metered optimize operation:
// resolve, pre-check, acquire, transform, debit, publish.
type OptimizeService struct {
	db               *sql.DB
	auth             Authenticator
	transfer         *transfer.Orchestrator
	transformer      imaging.Transformer
	ledger           *ledger.Ledger
	transformTimeout time.Duration
	metrics          *metrics.Metrics
	logger           logging.Logger
}

func NewOptimizeService(db *sql.DB, a Authenticator, t *transfer.Orchestrator, tr imaging.Transformer,
	l *ledger.Ledger, cfg *config.Config, m *metrics.Metrics, logger logging.Logger) *OptimizeService {
	return &OptimizeService{
		db:               db,
		auth:             a,
		transfer:         t,
		transformer:      tr,
		ledger:           l,
		transformTimeout: cfg.TransformTimeout,
		metrics:          m,
		logger:           logger.With("module", "optimize"),
	}
}

// Optimize resolves creds and optimizes the input for that account.
func (s *OptimizeService) Optimize(ctx context.Context, creds identity.Credentials, in transfer.Input, opts Options) (*Result, error) {
	acc, err := s.auth.Resolve(ctx, creds)
	if err != nil {
		s.metrics.RecordOptimize("unauthorized")
		return nil, err
	}
	return s.OptimizeAccount(ctx, acc, in, opts)
}

// OptimizeAccount runs the operation for an already resolved account. The
// single credit is debited only after a successful transform. If publishing
// then fails the debit stands and the failure is logged for reconciliation.
func (s *OptimizeService) OptimizeAccount(ctx context.Context, acc *models.Account, in transfer.Input, opts Options) (*Result, error) {
	format, err := imaging.ParseFormat(opts.Format)
	if err != nil {
		s.metrics.RecordOptimize("invalid")
		return nil, err
	}
	quality := imaging.ParseQuality(opts.Quality)

	if !s.ledger.HasCredit(acc) {
		s.metrics.RecordOptimize("insufficient")
		return nil, fmt.Errorf("%w: account has no credits left", common.ErrInsufficientBalance)
	}

	data, err := s.transfer.Acquire(ctx, acc.ID, in)
	if err != nil {
		s.metrics.RecordOptimize(outcomeFor(err))
		return nil, err
	}

	out, err := s.transform(ctx, data, format, quality)
	if err != nil {
		s.metrics.RecordOptimize(outcomeFor(err))
		s.logger.Warn(ctx, "transform failed", "account_id", acc.ID, "format", format, "error", err)
		return nil, err
	}

	if err := s.ledger.Debit(ctx, s.db, acc.ID, 1); err != nil {
		s.metrics.RecordOptimize(outcomeFor(err))
		if errors.Is(err, common.ErrInsufficientBalance) {
			s.logger.Info(ctx, "balance exhausted during transform, result discarded", "account_id", acc.ID)
		}
		return nil, err
	}

	pub, err := s.transfer.Publish(ctx, acc.ID, out, format)
	if err != nil {
		s.metrics.RecordOptimize("publish_failed")
		s.logger.Error(ctx, "result publication failed after debit", "account_id", acc.ID, "error", err)
		return nil, err
	}

	s.metrics.RecordOptimize("ok")
	s.metrics.AddBytesSaved(len(data) - len(out))

	return &Result{
		AccountID:    acc.ID,
		SizeBefore:   len(data),
		SizeAfter:    len(out),
		SavedPercent: savedPercent(len(data), len(out)),
		Format:       format,
		Inline:       pub.Inline,
		URL:          pub.URL,
	}, nil
}

func (s *OptimizeService) transform(ctx context.Context, data []byte, format imaging.Format, quality int) ([]byte, error) {
	tctx := ctx
	if s.transformTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, s.transformTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := s.transformer.Transform(tctx, data, format, quality)
	s.metrics.ObserveTransform(string(format), time.Since(start).Seconds())

	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && !errors.Is(err, common.ErrTimeout) {
			return nil, fmt.Errorf("%w: transform: %v", common.ErrTimeout, err)
		}
		return nil, err
	}
	return out, nil
}

func savedPercent(before, after int) float64 {
	if before == 0 {
		return 0
	}
	p := float64(before-after) * 100 / float64(before)
	return math.Round(p*10) / 10
}

func outcomeFor(err error) string {
	var te *common.TransformError
	switch {
	case errors.Is(err, common.ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, common.ErrValidation):
		return "invalid"
	case errors.Is(err, common.ErrorNotFound):
		return "not_found"
	case errors.Is(err, common.ErrTimeout):
		return "timeout"
	case errors.As(err, &te):
		return "transform_failed"
	case errors.Is(err, common.ErrStorage):
		return "storage_failed"
	default:
		return "error"
	}
}
