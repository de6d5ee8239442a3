// Package stagedobjects tracks temporary bucket objects through their
// uploaded -> consumed -> deleted lifecycle.
package stagedobjects

import (
	"context"
	"time"

	"github.com/dmitrijs2005/optipress/internal/server/models"
)

type Repository interface {
	Register(ctx context.Context, obj *models.StagedObject) error
	FindOwned(ctx context.Context, key, accountID string, kind models.StagedKind) (*models.StagedObject, error)
	MarkConsumed(ctx context.Context, key string) error
	MarkDeleted(ctx context.Context, key string) error
	RecordError(ctx context.Context, key, msg string) error
	ListLive(ctx context.Context, accountID string, kind models.StagedKind) ([]models.StagedObject, error)
	ListOrphans(ctx context.Context, olderThan time.Time) ([]models.StagedObject, error)
}
