package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

func (f *fixture) poller() *Poller {
	return NewPoller(f.repos.Batches, f.runner, time.Second, 10, staleAfter, f.clock)
}

func TestPoller_ProcessesDueBatchesOldestFirst(t *testing.T) {
	withFixture(t, func(f *fixture) {
		newest := f.newBatch(t, uuid.New())
		newest.CreatedAt = baseTime.Add(-time.Minute)
		f.createBatch(t, newest)

		oldest := f.newBatch(t, uuid.New())
		oldest.CreatedAt = baseTime.Add(-3 * time.Hour)
		require.NoError(t, oldest.MarkProcessing(baseTime.Add(-2*staleAfter)))
		f.createBatch(t, oldest)

		middle := f.newBatch(t, uuid.New())
		middle.CreatedAt = baseTime.Add(-time.Hour)
		due := baseTime.Add(-time.Minute)
		require.NoError(t, middle.ApplyDecision(domain.DecisionScheduled, &due))
		f.createBatch(t, middle)

		notDue := f.newBatch(t, uuid.New())
		notDue.CreatedAt = baseTime.Add(-4 * time.Hour)
		later := baseTime.Add(time.Hour)
		require.NoError(t, notDue.ApplyDecision(domain.DecisionScheduled, &later))
		f.createBatch(t, notDue)

		processed := f.poller().PollOnce(context.Background())
		f.runner.Wait()

		assert.Equal(t, 3, processed)
		assert.Equal(t, []uuid.UUID{oldest.Id, middle.Id, newest.Id}, f.processor.calls())
		for _, batch := range []*domain.ImportBatch{oldest, middle, newest} {
			assert.Equal(t, domain.BatchCompleted, f.reload(t, batch.Id).Status)
		}
		assert.Equal(t, domain.BatchScheduled, f.reload(t, notDue.Id).Status)
	})
}

func TestPoller_StopsWhenLockIsHeld(t *testing.T) {
	withFixture(t, func(f *fixture) {
		ctx := context.Background()
		first := f.pendingBatch(t)
		second := f.pendingBatch(t)
		require.True(t, f.lock.TryAcquire(ctx, uuid.New()))

		assert.Equal(t, 0, f.poller().PollOnce(ctx))
		assert.Empty(t, f.processor.calls())
		assert.Equal(t, domain.BatchPending, f.reload(t, first.Id).Status)
		assert.Equal(t, domain.BatchPending, f.reload(t, second.Id).Status)
	})
}

func TestPoller_NothingToDo(t *testing.T) {
	withFixture(t, func(f *fixture) {
		f.finishedBatch(t, uuid.New(), baseTime.Add(-time.Hour))
		assert.Equal(t, 0, f.poller().PollOnce(context.Background()))
		assert.Empty(t, f.processor.calls())
	})
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	withFixture(t, func(f *fixture) {
		batch := f.pendingBatch(t)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- f.poller().Run(ctx)
		}()

		require.Eventually(t, func() bool {
			return len(f.processor.calls()) == 1
		}, 5*time.Second, 10*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("poller did not stop")
		}
		f.runner.Wait()
		assert.Equal(t, domain.BatchCompleted, f.reload(t, batch.Id).Status)
	})
}
