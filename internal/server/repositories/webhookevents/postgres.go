package webhookevents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/dbx"
	"github.com/dmitrijs2005/optipress/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Claim(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	query :=
		`INSERT INTO webhook_events (fingerprint, event_type, email, provider_event_id, payload, outcome)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (fingerprint) DO NOTHING`

	err := dbx.ExecOne(ctx, r.db, query,
		ev.Fingerprint, ev.EventType, ev.Email, ev.ProviderEventID, ev.Payload, ev.Outcome)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, common.ErrNoRowsAffected):
		return false, nil
	default:
		return false, err
	}
}

func (r *PostgresRepository) Get(ctx context.Context, fingerprint string) (*models.WebhookEvent, error) {
	query :=
		`SELECT fingerprint, event_type, email, provider_event_id, payload, outcome, created_at
		 FROM webhook_events
		 WHERE fingerprint = $1`

	ev := &models.WebhookEvent{}
	err := r.db.QueryRowContext(ctx, query, fingerprint).Scan(
		&ev.Fingerprint, &ev.EventType, &ev.Email, &ev.ProviderEventID, &ev.Payload, &ev.Outcome, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ev, nil
}
