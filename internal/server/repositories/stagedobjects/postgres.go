package stagedobjects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/dbx"
	"github.com/dmitrijs2005/optipress/internal/server/models"
)

const columns = `key, account_id, kind, state, last_error, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(s scanner) (*models.StagedObject, error) {
	o := &models.StagedObject{}
	if err := s.Scan(&o.Key, &o.AccountID, &o.Kind, &o.State, &o.LastError, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepository) Register(ctx context.Context, obj *models.StagedObject) error {
	query :=
		`INSERT INTO staged_objects (key, account_id, kind, state)
		 VALUES ($1, $2, $3, $4)`

	_, err := r.db.ExecContext(ctx, query, obj.Key, obj.AccountID, obj.Kind, obj.State)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// FindOwned returns the live object key of the given kind owned by accountID.
// Deleted objects, foreign keys and unknown keys all yield ErrorNotFound.
func (r *PostgresRepository) FindOwned(ctx context.Context, key, accountID string, kind models.StagedKind) (*models.StagedObject, error) {
	query :=
		`SELECT ` + columns + `
		 FROM staged_objects
		 WHERE key = $1 AND account_id = $2 AND kind = $3 AND state <> 'deleted'`

	o, err := scanObject(r.db.QueryRowContext(ctx, query, key, accountID, kind))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return o, nil
}

func (r *PostgresRepository) MarkConsumed(ctx context.Context, key string) error {
	query :=
		`UPDATE staged_objects
		 SET state = 'consumed', updated_at = now()
		 WHERE key = $1 AND state = 'uploaded'`

	err := dbx.ExecOne(ctx, r.db, query, key)
	if errors.Is(err, common.ErrNoRowsAffected) {
		return common.ErrorNotFound
	}
	return err
}

// MarkDeleted is idempotent: deleting an already deleted object is not an error.
func (r *PostgresRepository) MarkDeleted(ctx context.Context, key string) error {
	query :=
		`UPDATE staged_objects
		 SET state = 'deleted', last_error = NULL, updated_at = now()
		 WHERE key = $1 AND state <> 'deleted'`

	_, err := r.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RecordError(ctx context.Context, key, msg string) error {
	query :=
		`UPDATE staged_objects
		 SET last_error = $2, updated_at = now()
		 WHERE key = $1`

	_, err := r.db.ExecContext(ctx, query, key, msg)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListLive(ctx context.Context, accountID string, kind models.StagedKind) ([]models.StagedObject, error) {
	query :=
		`SELECT ` + columns + `
		 FROM staged_objects
		 WHERE account_id = $1 AND kind = $2 AND state <> 'deleted'
		 ORDER BY created_at, key`

	return r.list(ctx, query, accountID, kind)
}

// ListOrphans returns objects that are still not deleted and were last
// touched before olderThan.
func (r *PostgresRepository) ListOrphans(ctx context.Context, olderThan time.Time) ([]models.StagedObject, error) {
	query :=
		`SELECT ` + columns + `
		 FROM staged_objects
		 WHERE state <> 'deleted' AND updated_at < $1
		 ORDER BY updated_at`

	return r.list(ctx, query, olderThan)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]models.StagedObject, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.StagedObject
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}
