package clusterlock

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"
)

func TestWatchdog_CheckOnce(t *testing.T) {
	withSqlLock(t, func(lock *SqlLock, fakeClock *clock.FakeClock) {
		ctx := context.Background()
		watchdog := NewWatchdog(lock, 5*time.Minute, 30*time.Minute, fakeClock)

		assert.False(t, watchdog.CheckOnce(ctx))

		require.True(t, lock.TryAcquire(ctx, uuid.New()))
		fakeClock.Step(10 * time.Minute)
		assert.False(t, watchdog.CheckOnce(ctx))

		fakeClock.Step(25 * time.Minute)
		assert.True(t, watchdog.CheckOnce(ctx))

		state, err := lock.Status(ctx)
		require.NoError(t, err)
		assert.False(t, state.Locked)
	})
}

func TestWatchdog_RunStopsOnCancel(t *testing.T) {
	withSqlLock(t, func(lock *SqlLock, fakeClock *clock.FakeClock) {
		ctx, cancel := context.WithCancel(context.Background())
		watchdog := NewWatchdog(lock, 5*time.Minute, 30*time.Minute, fakeClock)
		done := make(chan error)
		go func() {
			done <- watchdog.Run(ctx)
		}()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("watchdog did not stop")
		}
	})
}

func TestWatchdog_RunReleasesExpiredLockOnTick(t *testing.T) {
	withSqlLock(t, func(lock *SqlLock, fakeClock *clock.FakeClock) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		require.True(t, lock.TryAcquire(ctx, uuid.New()))

		watchdog := NewWatchdog(lock, 5*time.Minute, 30*time.Minute, fakeClock)
		go func() {
			_ = watchdog.Run(ctx)
		}()
		require.Eventually(t, fakeClock.HasWaiters, 5*time.Second, 10*time.Millisecond)

		fakeClock.Step(35 * time.Minute)
		assert.Eventually(t, func() bool {
			state, err := lock.Status(context.Background())
			return err == nil && !state.Locked
		}, 5*time.Second, 10*time.Millisecond)
	})
}
