package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow/policy"
)

type retentionByClient map[uuid.UUID]int

func (r retentionByClient) ResolveFor(_ context.Context, clientId uuid.UUID) (policy.ResolvedPolicy, error) {
	return policy.ResolvedPolicy{HasPolicy: true, RetentionDays: r[clientId]}, nil
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func TestRetentionSweeper_UsesRetentionOfEachClient(t *testing.T) {
	withFixture(t, func(f *fixture) {
		ctx := context.Background()
		shortLived, longLived, noPolicy := uuid.New(), uuid.New(), uuid.New()
		resolver := retentionByClient{shortLived: 2, longLived: 30}

		expired := f.finishedBatch(t, shortLived, baseTime.Add(-days(3)))
		recent := f.finishedBatch(t, shortLived, baseTime.Add(-time.Hour))
		kept := f.finishedBatch(t, longLived, baseTime.Add(-days(10)))
		// No retention configured falls back to a single day.
		fallback := f.finishedBatch(t, noPolicy, baseTime.Add(-days(2)))
		pending := f.pendingBatch(t)

		sweeper := NewRetentionSweeper(f.repos.Batches, resolver, f.store, time.Hour, 100, f.clock)
		deleted, err := sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)

		for _, id := range []uuid.UUID{expired.Id, fallback.Id} {
			_, err := f.repos.Batches.GetById(ctx, id)
			assert.True(t, dataflowerrors.IsNotFound(err))
		}
		for _, id := range []uuid.UUID{recent.Id, kept.Id, pending.Id} {
			_, err := f.repos.Batches.GetById(ctx, id)
			assert.NoError(t, err)
		}
		assert.NoDirExists(t, filepath.Dir(expired.StoragePath))
		assert.NoDirExists(t, filepath.Dir(fallback.StoragePath))
		assert.DirExists(t, filepath.Dir(kept.StoragePath))
	})
}

func TestRetentionSweeper_DeletesAtMostMaxPerRun(t *testing.T) {
	withFixture(t, func(f *fixture) {
		ctx := context.Background()
		clientId := uuid.New()
		for i := 0; i < 5; i++ {
			f.finishedBatch(t, clientId, baseTime.Add(-days(10+i)))
		}

		sweeper := NewRetentionSweeper(f.repos.Batches, retentionByClient{clientId: 7}, f.store, time.Hour, 2, f.clock)
		deleted, err := sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)

		remaining, err := f.repos.Batches.GetFinishedBefore(ctx, baseTime, 0)
		require.NoError(t, err)
		assert.Len(t, remaining, 3)
	})
}

func TestRetentionSweeper_NothingExpired(t *testing.T) {
	withFixture(t, func(f *fixture) {
		clientId := uuid.New()
		f.finishedBatch(t, clientId, baseTime.Add(-days(3)))

		sweeper := NewRetentionSweeper(f.repos.Batches, retentionByClient{clientId: 30}, f.store, time.Hour, 10, f.clock)
		deleted, err := sweeper.SweepOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, deleted)
	})
}

func TestRetentionSweeper_RunSweepsOnEachTick(t *testing.T) {
	withFixture(t, func(f *fixture) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		clientId := uuid.New()
		batch := f.finishedBatch(t, clientId, baseTime.Add(-time.Hour))

		sweeper := NewRetentionSweeper(f.repos.Batches, retentionByClient{clientId: 1}, f.store, time.Hour, 10, f.clock)
		go func() {
			_ = sweeper.Run(ctx)
		}()
		require.Eventually(t, f.clock.HasWaiters, 5*time.Second, 10*time.Millisecond)
		_, err := f.repos.Batches.GetById(context.Background(), batch.Id)
		require.NoError(t, err)

		f.clock.Step(days(1))
		assert.Eventually(t, func() bool {
			_, err := f.repos.Batches.GetById(context.Background(), batch.Id)
			return dataflowerrors.IsNotFound(err)
		}, 5*time.Second, 10*time.Millisecond)
	})
}
