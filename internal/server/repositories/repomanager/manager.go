package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/optipress/internal/dbx"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/stagedobjects"
	"github.com/dmitrijs2005/optipress/internal/server/repositories/webhookevents"
)

// RepositoryManager vends repositories bound to a DBTX, so the same code
// path works on the pool and inside a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Accounts(db dbx.DBTX) accounts.Repository
	WebhookEvents(db dbx.DBTX) webhookevents.Repository
	StagedObjects(db dbx.DBTX) stagedobjects.Repository
}
