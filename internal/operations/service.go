// Package operations owns the durable ledger of background batches: the
// operation state machine, preview-status propagation onto files, manual
// recovery, and boot-time reconciliation.
package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"filekeeper/internal/models"
	"filekeeper/internal/process"
	"filekeeper/internal/storage"
)

var (
	ErrNotFound       = errors.New("operation not found")
	ErrUnrecoverable  = errors.New("operation is unrecoverable")
	ErrNotRecoverable = errors.New("operation is not in an error state")
)

// Store is the database of record. *storage.Storage implements it; tests
// supply an in-memory double. Lookups return storage.ErrNotFound for rows
// that are missing or owned by someone else.
type Store interface {
	CreateOperation(ctx context.Context, op *models.Operation) error
	UpdateOperation(ctx context.Context, id uuid.UUID, status models.OperationStatus, result string) error
	OperationForOwner(ctx context.Context, id, owner uuid.UUID) (*models.Operation, error)
	RecentOperations(ctx context.Context, owner uuid.UUID, limit int) ([]models.Operation, error)
	InterruptPendingOperations(ctx context.Context) (int64, error)
	SetPreviewStatus(ctx context.Context, assetIDs []uuid.UUID, status models.PreviewStatus) error
	ResetProcessingPreviews(ctx context.Context) (int64, error)
	ReplaceDerivedFormats(ctx context.Context, rows []models.DerivedFormat) error
}

// Event is published once a batch resolves, successfully or not.
type Event struct {
	OperationID uuid.UUID              `json:"operation_id"`
	Owner       uuid.UUID              `json:"owner"`
	Status      models.OperationStatus `json:"status"`
	Succeeded   int                    `json:"succeeded"`
	Failed      int                    `json:"failed"`
	Recovers    *uuid.UUID             `json:"recovers,omitempty"`
	HappenedAt  int64                  `json:"happened_at"`
}

type Publisher interface {
	OperationFinished(ctx context.Context, ev Event) error
}

type Service struct {
	store Store
	gen   process.Generator
	pool  *process.Pool
	pub   Publisher
	log   *slog.Logger
	wg    sync.WaitGroup
}

// NewService wires the ledger to its collaborators. pub may be nil when no
// broker is configured.
func NewService(store Store, gen process.Generator, pool *process.Pool, pub Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, gen: gen, pool: pool, pub: pub, log: log}
}

// BeginProcessing creates a pending operation for the batch, marks every
// targeted asset as processing, and hands the batch to the executor. The
// pending row and the processing markers are durable before this returns,
// so a crash immediately afterwards is visible to reconciliation.
func (s *Service) BeginProcessing(ctx context.Context, owner uuid.UUID, assetIDs []uuid.UUID) (*models.Operation, error) {
	const op = "operations.BeginProcessing"

	if len(assetIDs) == 0 {
		return nil, fmt.Errorf("%s: empty batch", op)
	}

	operation, err := s.createBatchOperation(ctx, owner, models.BatchMetadata{AssetIDs: assetIDs})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.SetPreviewStatus(ctx, assetIDs, models.PreviewProcessing); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.launch(operation, assetIDs, nil)
	return operation, nil
}

// Recover validates and re-launches a previously interrupted or failed
// operation. It is a one-shot manual action: recovery is never scheduled
// automatically.
func (s *Service) Recover(ctx context.Context, owner, operationID uuid.UUID) error {
	const op = "operations.Recover"

	original, err := s.store.OperationForOwner(ctx, operationID, owner)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch original.Status {
	case models.OperationUnrecoverable:
		return ErrUnrecoverable
	case models.OperationInterrupted, models.OperationFailed:
	default:
		return ErrNotRecoverable
	}

	meta, err := models.DecodeBatchMetadata(original.Metadata)
	if err != nil {
		return fmt.Errorf("%s: decode metadata: %w", op, err)
	}
	if len(meta.AssetIDs) == 0 {
		return fmt.Errorf("%s: metadata lists no assets", op)
	}

	run, err := s.createBatchOperation(ctx, owner, models.BatchMetadata{
		AssetIDs:  meta.AssetIDs,
		StartedBy: &original.ID,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.SetPreviewStatus(ctx, meta.AssetIDs, models.PreviewProcessing); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.launch(run, meta.AssetIDs, &original.ID)
	return nil
}

func (s *Service) Get(ctx context.Context, owner, operationID uuid.UUID) (*models.Operation, error) {
	op, err := s.store.OperationForOwner(ctx, operationID, owner)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return op, err
}

func (s *Service) List(ctx context.Context, owner uuid.UUID, limit int) ([]models.Operation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.RecentOperations(ctx, owner, limit)
}

// ReconcileOnStartup resolves state left behind by an unclean shutdown.
// Must run before the service accepts traffic.
func (s *Service) ReconcileOnStartup(ctx context.Context) error {
	const op = "operations.ReconcileOnStartup"

	interrupted, err := s.store.InterruptPendingOperations(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	previews, err := s.store.ResetProcessingPreviews(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("startup reconciliation done",
		"interrupted_operations", interrupted, "reset_previews", previews)
	return nil
}

// Wait blocks until every launched batch has resolved. Used by graceful
// shutdown and by tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) createBatchOperation(ctx context.Context, owner uuid.UUID, meta models.BatchMetadata) (*models.Operation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	payload, err := meta.Encode()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	operation := &models.Operation{
		ID:        id,
		Owner:     owner,
		Kind:      models.KindImageProcessing,
		Status:    models.OperationPending,
		Metadata:  payload,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateOperation(ctx, operation); err != nil {
		return nil, err
	}
	return operation, nil
}

// launch hands the batch to a goroutine of its own; per-asset work inside
// runBatch goes through the bounded pool. The request context is gone by
// the time the batch runs, so the batch gets a fresh one.
func (s *Service) launch(op *models.Operation, assetIDs []uuid.UUID, recovers *uuid.UUID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBatch(context.Background(), op, assetIDs, recovers)
	}()
}

func (s *Service) runBatch(ctx context.Context, op *models.Operation, assetIDs []uuid.UUID, recovers *uuid.UUID) {
	out := process.Run(ctx, s.pool, s.gen, assetIDs)

	now := time.Now().UTC()
	rows := make([]models.DerivedFormat, 0, len(out.Succeeded))
	for assetID, formats := range out.Succeeded {
		for _, f := range formats {
			rows = append(rows, models.DerivedFormat{
				ID:        uuid.New(),
				AssetID:   assetID,
				Kind:      f.Kind,
				Width:     f.Width,
				Height:    f.Height,
				CreatedAt: now,
			})
		}
	}

	// A bulk-persist failure means the storage layer is unavailable, not
	// that the input was bad. Abort with no partial commit and leave the
	// operation in its current state for the operator.
	if err := s.store.ReplaceDerivedFormats(ctx, rows); err != nil {
		s.log.Error("bulk persist of derived formats failed",
			"operation_id", op.ID, "rows", len(rows), "err", err)
		return
	}

	failed := make([]uuid.UUID, 0, len(out.Failed))
	ready := make([]uuid.UUID, 0, len(assetIDs))
	for _, id := range assetIDs {
		if genErr, ok := out.Failed[id]; ok {
			s.log.Warn("derivative generation failed", "operation_id", op.ID,
				"asset_id", id, "err", genErr)
			failed = append(failed, id)
		} else {
			ready = append(ready, id)
		}
	}
	s.propagate(ctx, op.ID, failed, models.PreviewFailed)
	s.propagate(ctx, op.ID, ready, models.PreviewReady)

	// A single success is enough to call the batch successful.
	status := models.OperationSuccess
	result := ""
	if len(out.Succeeded) == 0 {
		status = models.OperationUnrecoverable
		result = fmt.Sprintf("all %d assets failed", len(assetIDs))
	}
	if err := s.store.UpdateOperation(ctx, op.ID, status, result); err != nil {
		s.log.Error("update operation status failed", "operation_id", op.ID, "err", err)
	}

	// The recovered operation transitions only after the run's own status
	// is recorded.
	if recovers != nil {
		origStatus := models.OperationRecovered
		origResult := fmt.Sprintf("recovered by operation %s", op.ID)
		if len(out.Succeeded) == 0 {
			origStatus = models.OperationUnrecoverable
			origResult = fmt.Sprintf("recovery operation %s produced no derivatives", op.ID)
		}
		if err := s.store.UpdateOperation(ctx, *recovers, origStatus, origResult); err != nil {
			s.log.Error("update recovered operation failed",
				"operation_id", *recovers, "err", err)
		}
	}

	if s.pub != nil {
		ev := Event{
			OperationID: op.ID,
			Owner:       op.Owner,
			Status:      status,
			Succeeded:   len(out.Succeeded),
			Failed:      len(out.Failed),
			Recovers:    recovers,
			HappenedAt:  time.Now().Unix(),
		}
		if err := s.pub.OperationFinished(ctx, ev); err != nil {
			s.log.Warn("publish operation event failed", "operation_id", op.ID, "err", err)
		}
	}

	s.log.Info("batch resolved", "operation_id", op.ID, "status", status,
		"succeeded", len(out.Succeeded), "failed", len(out.Failed))
}

func (s *Service) propagate(ctx context.Context, opID uuid.UUID, assetIDs []uuid.UUID, status models.PreviewStatus) {
	if len(assetIDs) == 0 {
		return
	}
	if err := s.store.SetPreviewStatus(ctx, assetIDs, status); err != nil {
		s.log.Error("preview status update failed", "operation_id", opID,
			"status", status, "err", err)
	}
}
