package clusterlock

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common/logging"
	"github.com/G-Research/dataflow/internal/dataflow/metrics"
)

// Watchdog periodically frees a lock whose holder has held it for longer than timeout.
// This is the only path by which a crashed worker's lock is recovered for the sql provider.
type Watchdog struct {
	lock     Lock
	interval time.Duration
	timeout  time.Duration
	clock    clock.WithTicker
}

func NewWatchdog(lock Lock, interval time.Duration, timeout time.Duration, clock clock.WithTicker) *Watchdog {
	return &Watchdog{lock: lock, interval: interval, timeout: timeout, clock: clock}
}

// Run checks the lock every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	log.Infof("lock watchdog started; checking every %s for locks older than %s", w.interval, w.timeout)
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("lock watchdog stopped")
			return nil
		case <-ticker.C():
			w.CheckOnce(ctx)
		}
	}
}

// CheckOnce force-releases the lock if it is expired. It returns true if a lock was released.
func (w *Watchdog) CheckOnce(ctx context.Context) bool {
	state, err := w.lock.Status(ctx)
	if err != nil {
		logging.WithStacktrace(log.WithField("component", "watchdog"), err).Warn("failed to read lock state")
		return false
	}
	if !state.IsExpired(w.clock.Now(), w.timeout) {
		return false
	}
	released, err := w.lock.ForceReleaseExpired(ctx, w.timeout)
	if err != nil {
		logging.WithStacktrace(log.WithField("component", "watchdog"), err).Warn("failed to force-release expired lock")
	}
	if released {
		metrics.RecordForceRelease()
		log.WithField("batchId", state.BatchId).
			Warnf("force-released cluster lock acquired at %s; holder exceeded %s", state.AcquiredAt.Format(time.RFC3339), w.timeout)
	}
	return released
}
