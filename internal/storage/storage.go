// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"filekeeper/internal/models"
)

// ErrNotFound is returned when a row does not exist or is owned by someone
// else. Callers must not be able to tell the two cases apart.
var ErrNotFound = errors.New("not found")

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

func NewStorage(dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

// ---- operations ----

func (s *Storage) CreateOperation(ctx context.Context, op *models.Operation) error {
	const fn = "storage.CreateOperation"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO operations (id, owner, kind, status, metadata, result, started_at, ended_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $7)`,
		op.ID, op.Owner, op.Kind, op.Status, op.Metadata, op.Result, op.StartedAt)
	if err != nil {
		return fmt.Errorf("%s: %v", fn, err)
	}
	return nil
}

// UpdateOperation overwrites status and result. When the new status is
// terminal, ended_at is set in the same write; once set it is never cleared
// or moved.
func (s *Storage) UpdateOperation(ctx context.Context, id uuid.UUID, status models.OperationStatus, result string) error {
	const fn = "storage.UpdateOperation"
	tag, err := s.pool.Exec(ctx,
		`UPDATE operations
		 SET status = $2,
		     result = $3,
		     updated_at = now(),
		     ended_at = CASE WHEN $4 AND ended_at IS NULL THEN now() ELSE ended_at END
		 WHERE id = $1`,
		id, status, result, status.Terminal())
	if err != nil {
		return fmt.Errorf("%s: %v", fn, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", fn, ErrNotFound)
	}
	return nil
}

const operationColumns = `id, owner, kind, status, metadata, COALESCE(result, ''), started_at, ended_at, updated_at`

func scanOperation(row pgx.Row) (*models.Operation, error) {
	var op models.Operation
	err := row.Scan(&op.ID, &op.Owner, &op.Kind, &op.Status, &op.Metadata,
		&op.Result, &op.StartedAt, &op.EndedAt, &op.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (s *Storage) Operation(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	const fn = "storage.Operation"
	op, err := scanOperation(s.pool.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = $1`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v", fn, err)
	}
	return op, nil
}

func (s *Storage) OperationForOwner(ctx context.Context, id, owner uuid.UUID) (*models.Operation, error) {
	const fn = "storage.OperationForOwner"
	op, err := scanOperation(s.pool.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = $1 AND owner = $2`, id, owner))
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v", fn, err)
	}
	return op, nil
}

func (s *Storage) RecentOperations(ctx context.Context, owner uuid.UUID, limit int) ([]models.Operation, error) {
	const fn = "storage.RecentOperations"
	rows, err := s.pool.Query(ctx,
		`SELECT `+operationColumns+` FROM operations
		 WHERE owner = $1 ORDER BY started_at DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", fn, err)
	}
	defer rows.Close()

	var ops []models.Operation
	for rows.Next() {
		var op models.Operation
		if err := rows.Scan(&op.ID, &op.Owner, &op.Kind, &op.Status, &op.Metadata,
			&op.Result, &op.StartedAt, &op.EndedAt, &op.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s: %v", fn, err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", fn, err)
	}
	return ops, nil
}

// InterruptPendingOperations flips every pending operation to interrupted.
// A pending row surviving to process start means its owner died before
// reporting any outcome.
func (s *Storage) InterruptPendingOperations(ctx context.Context) (int64, error) {
	const fn = "storage.InterruptPendingOperations"
	tag, err := s.pool.Exec(ctx,
		`UPDATE operations SET status = $1, updated_at = now() WHERE status = $2`,
		models.OperationInterrupted, models.OperationPending)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", fn, err)
	}
	return tag.RowsAffected(), nil
}

// ---- files ----

func (s *Storage) SaveFile(ctx context.Context, f *models.File) error {
	const fn = "storage.SaveFile"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO files (id, owner, name, preview_status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		f.ID, f.Owner, f.Name, f.PreviewStatus, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: %v", fn, err)
	}
	return nil
}

func (s *Storage) GetFile(ctx context.Context, id uuid.UUID) (*models.File, error) {
	const fn = "storage.GetFile"
	var f models.File
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner, name, preview_status, created_at FROM files WHERE id = $1`, id).
		Scan(&f.ID, &f.Owner, &f.Name, &f.PreviewStatus, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v", fn, err)
	}
	return &f, nil
}

func (s *Storage) DeleteFile(ctx context.Context, id uuid.UUID) error {
	const fn = "storage.DeleteFile"
	_, err := s.pool.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %v", fn, err)
	}
	return nil
}

func (s *Storage) SetPreviewStatus(ctx context.Context, assetIDs []uuid.UUID, status models.PreviewStatus) error {
	const fn = "storage.SetPreviewStatus"
	if len(assetIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE files SET preview_status = $1 WHERE id = ANY($2)`, status, assetIDs)
	if err != nil {
		return fmt.Errorf("%s: %v", fn, err)
	}
	return nil
}

// ResetProcessingPreviews clears preview markers left behind by an unclean
// shutdown. Runs at boot, before any traffic.
func (s *Storage) ResetProcessingPreviews(ctx context.Context) (int64, error) {
	const fn = "storage.ResetProcessingPreviews"
	tag, err := s.pool.Exec(ctx,
		`UPDATE files SET preview_status = $1 WHERE preview_status = $2`,
		models.PreviewUnavailable, models.PreviewProcessing)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", fn, err)
	}
	return tag.RowsAffected(), nil
}

// ---- derived formats ----

// ReplaceDerivedFormats persists a batch's accumulated derivatives in a
// single transaction. The upsert keeps recovery re-runs idempotent: a second
// run for the same (asset, format) overwrites instead of duplicating.
func (s *Storage) ReplaceDerivedFormats(ctx context.Context, rows []models.DerivedFormat) error {
	const fn = "storage.ReplaceDerivedFormats"
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %v", fn, err)
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		_, err := tx.Exec(ctx,
			`INSERT INTO derived_formats (id, asset_id, format_kind, width, height, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (asset_id, format_kind)
			 DO UPDATE SET id = EXCLUDED.id, width = EXCLUDED.width,
			               height = EXCLUDED.height, created_at = EXCLUDED.created_at`,
			row.ID, row.AssetID, row.Kind, row.Width, row.Height, row.CreatedAt)
		if err != nil {
			return fmt.Errorf("%s: %v", fn, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %v", fn, err)
	}
	return nil
}

func (s *Storage) DerivedFormats(ctx context.Context, assetID uuid.UUID) ([]models.DerivedFormat, error) {
	const fn = "storage.DerivedFormats"
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset_id, format_kind, width, height, created_at
		 FROM derived_formats WHERE asset_id = $1`, assetID)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", fn, err)
	}
	defer rows.Close()

	var out []models.DerivedFormat
	for rows.Next() {
		var d models.DerivedFormat
		if err := rows.Scan(&d.ID, &d.AssetID, &d.Kind, &d.Width, &d.Height, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: %v", fn, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", fn, err)
	}
	return out, nil
}
