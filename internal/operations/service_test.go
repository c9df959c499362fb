package operations_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filekeeper/internal/derive"
	"filekeeper/internal/models"
	"filekeeper/internal/operations"
	"filekeeper/internal/process"
	"filekeeper/internal/storage"
)

// fakeStore is an in-memory stand-in for *storage.Storage implementing the
// same contract: owner-mismatched lookups return storage.ErrNotFound, and a
// terminal status update sets ended_at exactly once.
type fakeStore struct {
	mu       sync.Mutex
	ops      map[uuid.UUID]*models.Operation
	previews map[uuid.UUID]models.PreviewStatus
	derived  map[uuid.UUID][]models.DerivedFormat
	bulkErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ops:      make(map[uuid.UUID]*models.Operation),
		previews: make(map[uuid.UUID]models.PreviewStatus),
		derived:  make(map[uuid.UUID][]models.DerivedFormat),
	}
}

func (f *fakeStore) CreateOperation(_ context.Context, op *models.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *op
	f.ops[op.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateOperation(_ context.Context, id uuid.UUID, status models.OperationStatus, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok {
		return storage.ErrNotFound
	}
	op.Status = status
	op.Result = result
	op.UpdatedAt = time.Now().UTC()
	if status.Terminal() && op.EndedAt == nil {
		now := time.Now().UTC()
		op.EndedAt = &now
	}
	return nil
}

func (f *fakeStore) OperationForOwner(_ context.Context, id, owner uuid.UUID) (*models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	if !ok || op.Owner != owner {
		return nil, storage.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (f *fakeStore) RecentOperations(_ context.Context, owner uuid.UUID, limit int) ([]models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Operation
	for _, op := range f.ops {
		if op.Owner == owner && len(out) < limit {
			out = append(out, *op)
		}
	}
	return out, nil
}

func (f *fakeStore) InterruptPendingOperations(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, op := range f.ops {
		if op.Status == models.OperationPending {
			op.Status = models.OperationInterrupted
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SetPreviewStatus(_ context.Context, assetIDs []uuid.UUID, status models.PreviewStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range assetIDs {
		f.previews[id] = status
	}
	return nil
}

func (f *fakeStore) ResetProcessingPreviews(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, status := range f.previews {
		if status == models.PreviewProcessing {
			f.previews[id] = models.PreviewUnavailable
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ReplaceDerivedFormats(_ context.Context, rows []models.DerivedFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return f.bulkErr
	}
	for _, row := range rows {
		f.derived[row.AssetID] = append(f.derived[row.AssetID], row)
	}
	return nil
}

func (f *fakeStore) operation(t *testing.T, id uuid.UUID) models.Operation {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[id]
	require.True(t, ok, "operation %s not stored", id)
	return *op
}

func (f *fakeStore) preview(id uuid.UUID) models.PreviewStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.previews[id]
}

func (f *fakeStore) seedOperation(owner uuid.UUID, status models.OperationStatus, assetIDs []uuid.UUID) *models.Operation {
	meta, _ := models.BatchMetadata{AssetIDs: assetIDs}.Encode()
	op := &models.Operation{
		ID:        uuid.Must(uuid.NewV7()),
		Owner:     owner,
		Kind:      models.KindImageProcessing,
		Status:    status,
		Metadata:  meta,
		StartedAt: time.Now().UTC(),
	}
	f.mu.Lock()
	f.ops[op.ID] = op
	f.mu.Unlock()
	return op
}

type fakeGenerator struct {
	mu    sync.Mutex
	fail  map[uuid.UUID]bool
	delay time.Duration
}

func (g *fakeGenerator) Generate(_ context.Context, assetID uuid.UUID) ([]derive.FormatResult, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	failed := g.fail[assetID]
	g.mu.Unlock()
	if failed {
		return nil, &derive.Error{
			AssetID: assetID,
			Format:  models.FormatThumbnail,
			Stage:   derive.StageSourceRead,
			Err:     fmt.Errorf("source bytes missing"),
		}
	}
	return []derive.FormatResult{{Kind: models.FormatThumbnail, Width: 256, Height: 192}}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []operations.Event
}

func (p *fakePublisher) OperationFinished(_ context.Context, ev operations.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) all() []operations.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]operations.Event(nil), p.events...)
}

func newService(t *testing.T, store *fakeStore, gen *fakeGenerator, pub *fakePublisher) *operations.Service {
	t.Helper()
	pool := process.NewPool(4)
	t.Cleanup(pool.Close)
	var publisher operations.Publisher
	if pub != nil {
		publisher = pub
	}
	return operations.NewService(store, gen, pool, publisher, slog.Default())
}

func TestBeginProcessingPersistsStateBeforeReturning(t *testing.T) {
	store := newFakeStore()
	gen := &fakeGenerator{delay: 100 * time.Millisecond}
	svc := newService(t, store, gen, nil)

	owner := uuid.New()
	assets := []uuid.UUID{uuid.New(), uuid.New()}

	op, err := svc.BeginProcessing(context.Background(), owner, assets)
	require.NoError(t, err)

	// The batch is still running: pending row and processing markers must
	// already be durable so a crash right now is visible at next boot.
	stored := store.operation(t, op.ID)
	assert.Equal(t, models.OperationPending, stored.Status)
	assert.Nil(t, stored.EndedAt)
	for _, id := range assets {
		assert.Equal(t, models.PreviewProcessing, store.preview(id))
	}

	svc.Wait()
	assert.Equal(t, models.OperationSuccess, store.operation(t, op.ID).Status)
}

func TestBeginProcessingEmptyBatch(t *testing.T) {
	svc := newService(t, newFakeStore(), &fakeGenerator{}, nil)
	_, err := svc.BeginProcessing(context.Background(), uuid.New(), nil)
	require.Error(t, err)
}

func TestBatchPartialFailureIsStillSuccess(t *testing.T) {
	store := newFakeStore()
	owner := uuid.New()
	assets := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	gen := &fakeGenerator{fail: map[uuid.UUID]bool{assets[1]: true}}
	svc := newService(t, store, gen, nil)

	op, err := svc.BeginProcessing(context.Background(), owner, assets)
	require.NoError(t, err)
	svc.Wait()

	stored := store.operation(t, op.ID)
	assert.Equal(t, models.OperationSuccess, stored.Status)
	assert.Empty(t, stored.Result)
	require.NotNil(t, stored.EndedAt)

	assert.Equal(t, models.PreviewReady, store.preview(assets[0]))
	assert.Equal(t, models.PreviewFailed, store.preview(assets[1]))
	assert.Equal(t, models.PreviewReady, store.preview(assets[2]))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.derived[assets[0]], 1)
	assert.Empty(t, store.derived[assets[1]])
	assert.Len(t, store.derived[assets[2]], 1)
}

func TestBatchAllFailuresIsUnrecoverable(t *testing.T) {
	store := newFakeStore()
	assets := []uuid.UUID{uuid.New(), uuid.New()}
	gen := &fakeGenerator{fail: map[uuid.UUID]bool{assets[0]: true, assets[1]: true}}
	svc := newService(t, store, gen, nil)

	op, err := svc.BeginProcessing(context.Background(), uuid.New(), assets)
	require.NoError(t, err)
	svc.Wait()

	stored := store.operation(t, op.ID)
	assert.Equal(t, models.OperationUnrecoverable, stored.Status)
	assert.NotEmpty(t, stored.Result)
	require.NotNil(t, stored.EndedAt)
	for _, id := range assets {
		assert.Equal(t, models.PreviewFailed, store.preview(id))
	}
}

func TestBulkPersistFailureLeavesOperationUntouched(t *testing.T) {
	store := newFakeStore()
	store.bulkErr = errors.New("storage unavailable")
	assets := []uuid.UUID{uuid.New()}
	svc := newService(t, store, &fakeGenerator{}, nil)

	op, err := svc.BeginProcessing(context.Background(), uuid.New(), assets)
	require.NoError(t, err)
	svc.Wait()

	// Fatal subsystem error: no terminal status, no preview resolution.
	// Only reconciliation at next boot clears this.
	stored := store.operation(t, op.ID)
	assert.Equal(t, models.OperationPending, stored.Status)
	assert.Nil(t, stored.EndedAt)
	assert.Equal(t, models.PreviewProcessing, store.preview(assets[0]))
}

func TestRecoverNotFound(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &fakeGenerator{}, nil)

	err := svc.Recover(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, operations.ErrNotFound)

	// Owned by someone else looks identical to missing.
	op := store.seedOperation(uuid.New(), models.OperationInterrupted, []uuid.UUID{uuid.New()})
	err = svc.Recover(context.Background(), uuid.New(), op.ID)
	assert.ErrorIs(t, err, operations.ErrNotFound)
}

func TestRecoverRejectsWrongStatus(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &fakeGenerator{}, nil)
	owner := uuid.New()
	assets := []uuid.UUID{uuid.New()}

	op := store.seedOperation(owner, models.OperationUnrecoverable, assets)
	assert.ErrorIs(t, svc.Recover(context.Background(), owner, op.ID), operations.ErrUnrecoverable)

	for _, status := range []models.OperationStatus{
		models.OperationPending, models.OperationSuccess, models.OperationRecovered,
	} {
		op := store.seedOperation(owner, status, assets)
		assert.ErrorIs(t, svc.Recover(context.Background(), owner, op.ID), operations.ErrNotRecoverable,
			"status %s", status)
	}
}

func TestRecoverRejectsBadMetadata(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &fakeGenerator{}, nil)
	owner := uuid.New()

	op := store.seedOperation(owner, models.OperationInterrupted, nil)
	store.mu.Lock()
	store.ops[op.ID].Metadata = []byte("{not json")
	store.mu.Unlock()

	err := svc.Recover(context.Background(), owner, op.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, operations.ErrNotFound)
	assert.NotErrorIs(t, err, operations.ErrUnrecoverable)
	assert.NotErrorIs(t, err, operations.ErrNotRecoverable)
}

func TestRecoverInterruptedOperation(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	owner := uuid.New()
	asset := uuid.New()
	svc := newService(t, store, &fakeGenerator{}, pub)

	original := store.seedOperation(owner, models.OperationInterrupted, []uuid.UUID{asset})

	require.NoError(t, svc.Recover(context.Background(), owner, original.ID))
	svc.Wait()

	// The recovery run is its own operation and ends Success.
	var run models.Operation
	store.mu.Lock()
	for id, op := range store.ops {
		if id != original.ID {
			run = *op
		}
	}
	store.mu.Unlock()
	require.NotEqual(t, uuid.Nil, run.ID, "recovery run not persisted")
	assert.Equal(t, models.OperationSuccess, run.Status)
	require.NotNil(t, run.EndedAt)

	meta, err := models.DecodeBatchMetadata(run.Metadata)
	require.NoError(t, err)
	require.NotNil(t, meta.StartedBy)
	assert.Equal(t, original.ID, *meta.StartedBy)

	// The original transitions only after the run's status is recorded.
	recovered := store.operation(t, original.ID)
	assert.Equal(t, models.OperationRecovered, recovered.Status)
	require.NotNil(t, recovered.EndedAt)
	assert.Equal(t, models.PreviewReady, store.preview(asset))

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, run.ID, events[0].OperationID)
	require.NotNil(t, events[0].Recovers)
	assert.Equal(t, original.ID, *events[0].Recovers)
}

func TestRecoverWithNoSuccessesIsUnrecoverable(t *testing.T) {
	store := newFakeStore()
	owner := uuid.New()
	asset := uuid.New()
	gen := &fakeGenerator{fail: map[uuid.UUID]bool{asset: true}}
	svc := newService(t, store, gen, nil)

	original := store.seedOperation(owner, models.OperationFailed, []uuid.UUID{asset})

	require.NoError(t, svc.Recover(context.Background(), owner, original.ID))
	svc.Wait()

	assert.Equal(t, models.OperationUnrecoverable, store.operation(t, original.ID).Status)
	assert.Equal(t, models.PreviewFailed, store.preview(asset))
}

func TestReconcileOnStartup(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &fakeGenerator{}, nil)

	owner := uuid.New()
	asset := uuid.New()
	pending := store.seedOperation(owner, models.OperationPending, []uuid.UUID{asset})
	terminal := store.seedOperation(owner, models.OperationSuccess, []uuid.UUID{uuid.New()})
	store.previews[asset] = models.PreviewProcessing

	require.NoError(t, svc.ReconcileOnStartup(context.Background()))

	interrupted := store.operation(t, pending.ID)
	assert.Equal(t, models.OperationInterrupted, interrupted.Status)
	assert.Nil(t, interrupted.EndedAt)
	assert.Equal(t, models.OperationSuccess, store.operation(t, terminal.ID).Status)
	assert.Equal(t, models.PreviewUnavailable, store.preview(asset))
}

func TestGetAndList(t *testing.T) {
	store := newFakeStore()
	svc := newService(t, store, &fakeGenerator{}, nil)
	owner := uuid.New()

	op := store.seedOperation(owner, models.OperationSuccess, []uuid.UUID{uuid.New()})

	got, err := svc.Get(context.Background(), owner, op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)

	_, err = svc.Get(context.Background(), uuid.New(), op.ID)
	assert.ErrorIs(t, err, operations.ErrNotFound)

	list, err := svc.List(context.Background(), owner, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEventCountsPerBatch(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	assets := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	gen := &fakeGenerator{fail: map[uuid.UUID]bool{assets[2]: true}}
	svc := newService(t, store, gen, pub)

	op, err := svc.BeginProcessing(context.Background(), uuid.New(), assets)
	require.NoError(t, err)
	svc.Wait()

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, op.ID, events[0].OperationID)
	assert.Equal(t, models.OperationSuccess, events[0].Status)
	assert.Equal(t, 2, events[0].Succeeded)
	assert.Equal(t, 1, events[0].Failed)
	assert.Nil(t, events[0].Recovers)
}
