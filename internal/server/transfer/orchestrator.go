// Package transfer moves image bytes between callers, the object store and
// the optimizer. Small payloads travel inline; larger ones are staged in the
// bucket and tracked in staged_objects until they are deleted.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/dbx"
	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/config"
	"github.com/dmitrijs2005/optipress/internal/server/imaging"
	"github.com/dmitrijs2005/optipress/internal/server/metrics"
	"github.com/dmitrijs2005/optipress/internal/server/models"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/stagedobjects"
	"github.com/dmitrijs2005/optipress/internal/server/storage"
	"github.com/google/uuid"
)

// Repos vends the staged-object repository.
type Repos interface {
	StagedObjects(db dbx.DBTX) stagedobjects.Repository
}

// Input is either inline bytes or the key of a staged upload.
type Input struct {
	Inline []byte
	Path   string
}

// Output is either inline bytes or a presigned URL to a stored result.
type Output struct {
	Inline []byte
	URL    string
	Key    string
}

// Upload describes a presigned PUT issued to a caller.
type Upload struct {
	Key       string
	URL       string
	ExpiresAt time.Time
}

type Orchestrator struct {
	db             dbx.DBTX
	repos          Repos
	store          storage.ObjectStore
	threshold      int
	storageTimeout time.Duration
	presignExpiry  time.Duration
	metrics        *metrics.Metrics
	logger         logging.Logger

	// publishLocks serialize Publish per account within this process.
	publishLocks [32]sync.Mutex

	now   func() time.Time
	newID func() string
}

func New(db dbx.DBTX, repos Repos, store storage.ObjectStore, cfg *config.Config, m *metrics.Metrics, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		db:             db,
		repos:          repos,
		store:          store,
		threshold:      cfg.InlineThreshold,
		storageTimeout: cfg.StorageTimeout,
		presignExpiry:  cfg.PresignExpiry,
		metrics:        m,
		logger:         logger.With("module", "transfer"),
		now:            time.Now,
		newID:          func() string { return uuid.New().String() },
	}
}

// Threshold is the size at which payloads must be staged.
func (o *Orchestrator) Threshold() int {
	return o.threshold
}

// Acquire returns the bytes to optimize. A staged input is fetched, marked
// consumed and deleted before Acquire returns; the delete runs detached from
// ctx so a disconnecting caller cannot skip it.
func (o *Orchestrator) Acquire(ctx context.Context, accountID string, in Input) ([]byte, error) {
	if in.Path == "" {
		switch {
		case len(in.Inline) == 0:
			return nil, common.Validationf("empty input")
		case len(in.Inline) >= o.threshold:
			return nil, common.Validationf("input of %d bytes exceeds inline limit of %d bytes, use a staged upload", len(in.Inline), o.threshold)
		}
		return in.Inline, nil
	}
	if len(in.Inline) > 0 {
		return nil, common.Validationf("inline bytes and a staged path are mutually exclusive")
	}

	repo := o.repos.StagedObjects(o.db)

	obj, err := repo.FindOwned(ctx, in.Path, accountID, models.StagedInput)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("%w: staged object %s", common.ErrorNotFound, in.Path)
		}
		return nil, fmt.Errorf("%w: find staged object: %v", common.ErrorInternal, err)
	}
	if obj.State != models.StateUploaded {
		return nil, fmt.Errorf("%w: staged object %s already consumed", common.ErrorNotFound, in.Path)
	}

	sctx, cancel := o.withStorageTimeout(ctx)
	data, err := o.store.Get(sctx, obj.Key)
	cancel()
	if err != nil {
		o.metrics.RecordStaged("fetch", "error")
		if errors.Is(err, common.ErrorNotFound) {
			_ = repo.MarkDeleted(context.WithoutCancel(ctx), obj.Key)
		}
		return nil, fmt.Errorf("fetch staged input: %w", err)
	}
	o.metrics.RecordStaged("fetch", "ok")

	if err := repo.MarkConsumed(ctx, obj.Key); err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("%w: staged object %s already consumed", common.ErrorNotFound, in.Path)
		}
		// The bytes were fetched, so the object is ours to delete.
		o.remove(ctx, obj.Key)
		return nil, fmt.Errorf("%w: mark consumed: %v", common.ErrorInternal, err)
	}

	o.remove(ctx, obj.Key)

	return data, nil
}

// PrepareUpload registers a new input key for the account and returns a
// presigned PUT URL for it.
func (o *Orchestrator) PrepareUpload(ctx context.Context, accountID, filename, contentType string) (*Upload, error) {
	now := o.now()
	key := fmt.Sprintf("raw/%s/%d-%s-%s", accountID, now.UnixMilli(), o.newID(), sanitizeName(filename))

	sctx, cancel := o.withStorageTimeout(ctx)
	defer cancel()

	url, err := o.store.PresignPut(sctx, key, contentType, o.presignExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}

	err = o.repos.StagedObjects(o.db).Register(ctx, &models.StagedObject{
		Key:       key,
		AccountID: accountID,
		Kind:      models.StagedInput,
		State:     models.StateUploaded,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: register upload: %v", common.ErrorInternal, err)
	}
	o.metrics.RecordStaged("register", "ok")

	return &Upload{Key: key, URL: url, ExpiresAt: now.Add(o.presignExpiry)}, nil
}

// Publish hands the optimized bytes back. The account's previous stored
// result is deleted first, and results registered concurrently are swept
// after the put, so at most one result object per account stays live.
func (o *Orchestrator) Publish(ctx context.Context, accountID string, out []byte, format imaging.Format) (*Output, error) {
	mu := o.publishLock(accountID)
	mu.Lock()
	defer mu.Unlock()

	repo := o.repos.StagedObjects(o.db)

	stale, err := repo.ListLive(ctx, accountID, models.StagedResult)
	if err != nil {
		o.logger.Warn(ctx, "listing stale results failed", "account_id", accountID, "error", err)
	}
	for _, s := range stale {
		o.remove(ctx, s.Key)
	}

	if len(out) < o.threshold {
		return &Output{Inline: out}, nil
	}

	key := fmt.Sprintf("results/%s/%s.%s", accountID, o.newID(), format.Ext())
	err = repo.Register(ctx, &models.StagedObject{
		Key:       key,
		AccountID: accountID,
		Kind:      models.StagedResult,
		State:     models.StateUploaded,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: register result: %v", common.ErrorInternal, err)
	}

	sctx, cancel := o.withStorageTimeout(ctx)
	defer cancel()

	url, err := o.store.Put(sctx, key, out, format.ContentType())
	if err != nil {
		o.metrics.RecordStaged("put", "error")
		_ = repo.MarkDeleted(context.WithoutCancel(ctx), key)
		if errors.Is(err, common.ErrTimeout) || errors.Is(err, common.ErrStorage) {
			return nil, fmt.Errorf("store result: %w", err)
		}
		return nil, fmt.Errorf("%w: store result: %v", common.ErrStorage, err)
	}
	o.metrics.RecordStaged("put", "ok")

	o.sweepResults(ctx, repo, accountID, key)

	return &Output{URL: url, Key: key}, nil
}

func (o *Orchestrator) publishLock(accountID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return &o.publishLocks[h.Sum32()%uint32(len(o.publishLocks))]
}

// sweepResults settles publishes for one account that raced across
// processes: every live result registered before key is removed, and key
// itself is removed when a newer publish already retired it.
func (o *Orchestrator) sweepResults(ctx context.Context, repo stagedobjects.Repository, accountID, key string) {
	live, err := repo.ListLive(ctx, accountID, models.StagedResult)
	if err != nil {
		o.logger.Warn(ctx, "listing results for sweep failed", "account_id", accountID, "error", err)
		return
	}

	own := slices.IndexFunc(live, func(s models.StagedObject) bool { return s.Key == key })
	if own < 0 {
		o.remove(ctx, key)
		return
	}
	for _, s := range live[:own] {
		o.remove(ctx, s.Key)
	}
}

// Release deletes a staged object owned by the account on request.
func (o *Orchestrator) Release(ctx context.Context, accountID, key string) error {
	repo := o.repos.StagedObjects(o.db)

	var obj *models.StagedObject
	for _, kind := range []models.StagedKind{models.StagedInput, models.StagedResult} {
		found, err := repo.FindOwned(ctx, key, accountID, kind)
		if err == nil {
			obj = found
			break
		}
		if !errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("%w: find staged object: %v", common.ErrorInternal, err)
		}
	}
	if obj == nil {
		return fmt.Errorf("%w: staged object %s", common.ErrorNotFound, key)
	}

	sctx, cancel := o.withStorageTimeout(ctx)
	defer cancel()

	if err := o.store.Delete(sctx, obj.Key); err != nil {
		o.metrics.RecordStaged("delete", "error")
		_ = repo.RecordError(context.WithoutCancel(ctx), obj.Key, err.Error())
		return fmt.Errorf("delete staged object: %w", err)
	}
	o.metrics.RecordStaged("delete", "ok")

	if err := repo.MarkDeleted(ctx, obj.Key); err != nil {
		return fmt.Errorf("%w: mark deleted: %v", common.ErrorInternal, err)
	}
	return nil
}

// ListOrphans returns staged objects not deleted within olderThan. These are
// left by failed cleanup and are reclaimed manually.
func (o *Orchestrator) ListOrphans(ctx context.Context, olderThan time.Duration) ([]models.StagedObject, error) {
	objs, err := o.repos.StagedObjects(o.db).ListOrphans(ctx, o.now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("%w: list orphans: %v", common.ErrorInternal, err)
	}
	return objs, nil
}

// remove deletes key from the store and records the outcome. Failures are
// logged and counted, never returned.
func (o *Orchestrator) remove(ctx context.Context, key string) {
	dctx, cancel := o.withStorageTimeout(context.WithoutCancel(ctx))
	defer cancel()

	repo := o.repos.StagedObjects(o.db)

	if err := o.store.Delete(dctx, key); err != nil {
		o.metrics.RecordStaged("delete", "error")
		o.metrics.IncOrphaned()
		o.logger.Error(ctx, "staged object delete failed", "key", key, "error", err)
		if rerr := repo.RecordError(dctx, key, err.Error()); rerr != nil {
			o.logger.Error(ctx, "recording delete failure failed", "key", key, "error", rerr)
		}
		return
	}
	o.metrics.RecordStaged("delete", "ok")

	if err := repo.MarkDeleted(dctx, key); err != nil {
		o.logger.Error(ctx, "marking staged object deleted failed", "key", key, "error", err)
	}
}

func (o *Orchestrator) withStorageTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.storageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.storageTimeout)
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.Trim(name, ".")
	if name == "" || name == "_" {
		return "upload"
	}
	return name
}
