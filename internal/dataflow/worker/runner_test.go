package worker

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow/clusterlock"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
	"github.com/G-Research/dataflow/internal/dataflow/storage"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const staleAfter = time.Hour

// fakeProcessor completes every batch unless process is set.
type fakeProcessor struct {
	clock     *clock.FakeClock
	process   func(ctx context.Context, batch *domain.ImportBatch) error
	mu        sync.Mutex
	processed []uuid.UUID
}

func (p *fakeProcessor) Process(ctx context.Context, batch *domain.ImportBatch) error {
	p.mu.Lock()
	p.processed = append(p.processed, batch.Id)
	p.mu.Unlock()
	if p.process != nil {
		return p.process(ctx, batch)
	}
	return batch.Complete(2, 2, "", p.clock.Now())
}

func (p *fakeProcessor) calls() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.processed...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	batches []*domain.ImportBatch
}

func (n *recordingNotifier) DeliverBatchFinalized(_ context.Context, batch *domain.ImportBatch) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, batch)
	return nil
}

func (n *recordingNotifier) notified() []*domain.ImportBatch {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*domain.ImportBatch(nil), n.batches...)
}

type fixture struct {
	repos     *repository.Repositories
	store     *storage.LocalStore
	lock      clusterlock.Lock
	clock     *clock.FakeClock
	processor *fakeProcessor
	notifier  *recordingNotifier
	runner    *Runner
}

func withFixture(t *testing.T, action func(f *fixture)) {
	repos, err := repository.NewInMemoryRepositories()
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(baseTime)
	store, err := storage.NewLocalStore(t.TempDir(), fakeClock)
	require.NoError(t, err)

	db, err := repository.OpenSqlite(":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, repository.MigrateSqlite(context.Background(), db))
	lock := clusterlock.NewSqlLock(db, repository.DialectSqlite, fakeClock)

	processor := &fakeProcessor{clock: fakeClock}
	notifier := &recordingNotifier{}
	f := &fixture{
		repos:     repos,
		store:     store,
		lock:      lock,
		clock:     fakeClock,
		processor: processor,
		notifier:  notifier,
		runner:    NewRunner(repos.Batches, lock, processor, store, notifier, true, staleAfter, fakeClock),
	}
	action(f)
}

// newBatch stores an upload and creates a Pending batch for it.
func (f *fixture) newBatch(t *testing.T, clientId uuid.UUID) *domain.ImportBatch {
	ctx := context.Background()
	stored, err := f.store.Save(ctx, "acme", "contacts.json", strings.NewReader(`[{"email":"a@example.com"}]`))
	require.NoError(t, err)
	batch, err := domain.NewImportBatch(domain.NewBatchParams{
		ClientId:      clientId,
		FileType:      domain.FileTypeJson,
		FileName:      "contacts.json",
		FileSizeBytes: stored.SizeBytes,
		Checksum:      stored.Checksum,
		StoragePath:   stored.Path,
	}, f.clock.Now())
	require.NoError(t, err)
	return batch
}

func (f *fixture) createBatch(t *testing.T, batch *domain.ImportBatch) *domain.ImportBatch {
	require.NoError(t, f.repos.Batches.Create(context.Background(), batch))
	return batch
}

func (f *fixture) pendingBatch(t *testing.T) *domain.ImportBatch {
	return f.createBatch(t, f.newBatch(t, uuid.New()))
}

// finishedBatch creates a Completed batch for clientId that finished at completedAt.
func (f *fixture) finishedBatch(t *testing.T, clientId uuid.UUID, completedAt time.Time) *domain.ImportBatch {
	batch := f.newBatch(t, clientId)
	require.NoError(t, batch.MarkProcessing(completedAt.Add(-time.Minute)))
	require.NoError(t, batch.Complete(1, 1, "", completedAt))
	return f.createBatch(t, batch)
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *domain.ImportBatch {
	batch, err := f.repos.Batches.GetById(context.Background(), id)
	require.NoError(t, err)
	return batch
}

func (f *fixture) assertLockFree(t *testing.T) {
	state, err := f.lock.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Locked)
}

func (f *fixture) fileExists(t *testing.T, path string) bool {
	exists, err := f.store.Exists(path)
	require.NoError(t, err)
	return exists
}

func TestRunner_ProcessesPendingBatch(t *testing.T) {
	withFixture(t, func(f *fixture) {
		batch := f.pendingBatch(t)

		outcome, err := f.runner.RunBatch(context.Background(), batch.Id)
		require.NoError(t, err)
		assert.Equal(t, Processed, outcome)
		f.runner.Wait()

		stored := f.reload(t, batch.Id)
		assert.Equal(t, domain.BatchCompleted, stored.Status)
		assert.Equal(t, baseTime, *stored.StartedAt)
		assert.Equal(t, baseTime, *stored.CompletedAt)
		assert.Equal(t, 2, stored.ProcessedRecords)

		assert.False(t, f.fileExists(t, batch.StoragePath))
		assert.NoDirExists(t, filepath.Dir(batch.StoragePath))
		f.assertLockFree(t)

		notified := f.notifier.notified()
		require.Len(t, notified, 1)
		assert.Equal(t, batch.Id, notified[0].Id)
		assert.Equal(t, domain.BatchCompleted, notified[0].Status)
	})
}

func TestRunner_KeepsUploadWhenFileDeletionDisabled(t *testing.T) {
	withFixture(t, func(f *fixture) {
		runner := NewRunner(f.repos.Batches, f.lock, f.processor, f.store, nil, false, staleAfter, f.clock)
		batch := f.pendingBatch(t)

		outcome, err := runner.RunBatch(context.Background(), batch.Id)
		require.NoError(t, err)
		assert.Equal(t, Processed, outcome)
		runner.Wait()

		assert.Equal(t, domain.BatchCompleted, f.reload(t, batch.Id).Status)
		assert.True(t, f.fileExists(t, batch.StoragePath))
	})
}

func TestRunner_LockHeldByAnotherBatch(t *testing.T) {
	withFixture(t, func(f *fixture) {
		ctx := context.Background()
		batch := f.pendingBatch(t)
		other := uuid.New()
		require.True(t, f.lock.TryAcquire(ctx, other))

		outcome, err := f.runner.RunBatch(ctx, batch.Id)
		require.NoError(t, err)
		assert.Equal(t, LockUnavailable, outcome)
		assert.Empty(t, f.processor.calls())
		assert.Equal(t, domain.BatchPending, f.reload(t, batch.Id).Status)

		state, err := f.lock.Status(ctx)
		require.NoError(t, err)
		assert.True(t, state.Locked)
		assert.Equal(t, other, *state.BatchId)
	})
}

func TestRunner_SkipsBatchesThatAreNotDue(t *testing.T) {
	withFixture(t, func(f *fixture) {
		ctx := context.Background()

		scheduled := f.newBatch(t, uuid.New())
		later := baseTime.Add(2 * time.Hour)
		require.NoError(t, scheduled.ApplyDecision(domain.DecisionScheduled, &later))
		f.createBatch(t, scheduled)

		finished := f.finishedBatch(t, uuid.New(), baseTime.Add(-time.Hour))

		running := f.newBatch(t, uuid.New())
		require.NoError(t, running.MarkProcessing(baseTime.Add(-10*time.Minute)))
		f.createBatch(t, running)

		for _, batch := range []*domain.ImportBatch{scheduled, finished, running} {
			outcome, err := f.runner.RunBatch(ctx, batch.Id)
			require.NoError(t, err)
			assert.Equal(t, Skipped, outcome, "batch %s", batch.Status)
			assert.Equal(t, batch.Status, f.reload(t, batch.Id).Status)
			f.assertLockFree(t)
		}
		assert.Empty(t, f.processor.calls())

		f.clock.SetTime(later)
		outcome, err := f.runner.RunBatch(ctx, scheduled.Id)
		require.NoError(t, err)
		assert.Equal(t, Processed, outcome)
		assert.Equal(t, domain.BatchCompleted, f.reload(t, scheduled.Id).Status)
	})
}

func TestRunner_UnknownBatch(t *testing.T) {
	withFixture(t, func(f *fixture) {
		outcome, err := f.runner.RunBatch(context.Background(), uuid.New())
		assert.Equal(t, Skipped, outcome)
		assert.True(t, dataflowerrors.IsNotFound(err))
		f.assertLockFree(t)
	})
}

func TestRunner_FailedBatch(t *testing.T) {
	withFixture(t, func(f *fixture) {
		f.processor.process = func(_ context.Context, batch *domain.ImportBatch) error {
			require.NoError(t, batch.Fail("file is not valid JSON", f.clock.Now()))
			return errors.New("file is not valid JSON")
		}
		batch := f.pendingBatch(t)

		outcome, err := f.runner.RunBatch(context.Background(), batch.Id)
		assert.Error(t, err)
		assert.Equal(t, Processed, outcome)
		f.runner.Wait()

		stored := f.reload(t, batch.Id)
		assert.Equal(t, domain.BatchFailed, stored.Status)
		assert.Equal(t, "file is not valid JSON", stored.ErrorSummary)
		assert.False(t, f.fileExists(t, batch.StoragePath))
		f.assertLockFree(t)

		notified := f.notifier.notified()
		require.Len(t, notified, 1)
		assert.Equal(t, domain.BatchFailed, notified[0].Status)
	})
}

func TestRunner_InterruptedBatchStaysProcessing(t *testing.T) {
	withFixture(t, func(f *fixture) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f.processor.process = func(ctx context.Context, _ *domain.ImportBatch) error {
			cancel()
			return ctx.Err()
		}
		batch := f.pendingBatch(t)

		outcome, err := f.runner.RunBatch(ctx, batch.Id)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, Processed, outcome)
		f.runner.Wait()

		stored := f.reload(t, batch.Id)
		assert.Equal(t, domain.BatchProcessing, stored.Status)
		assert.Nil(t, stored.CompletedAt)
		assert.True(t, f.fileExists(t, batch.StoragePath))
		assert.Empty(t, f.notifier.notified())
		f.assertLockFree(t)
	})
}

func TestRunner_RestartsOrphanedBatch(t *testing.T) {
	withFixture(t, func(f *fixture) {
		orphan := f.newBatch(t, uuid.New())
		require.NoError(t, orphan.MarkProcessing(baseTime.Add(-2*staleAfter)))
		f.createBatch(t, orphan)

		outcome, err := f.runner.RunBatch(context.Background(), orphan.Id)
		require.NoError(t, err)
		assert.Equal(t, Processed, outcome)

		stored := f.reload(t, orphan.Id)
		assert.Equal(t, domain.BatchCompleted, stored.Status)
		assert.Equal(t, baseTime, *stored.StartedAt)
	})
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "LockUnavailable", LockUnavailable.String())
	assert.Equal(t, "Skipped", Skipped.String())
	assert.Equal(t, "Processed", Processed.String())
	assert.Equal(t, "Unknown", Outcome(42).String())
}
