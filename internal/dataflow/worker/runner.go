// Package worker drives batches through processing. Batches reach the Runner from the Poller, which
// scans the repository periodically, and from BatchReady messages. Both entry points go through the
// cluster lock, so at most one batch is processed at any time across all workers.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common/logging"
	"github.com/G-Research/dataflow/internal/dataflow/clusterlock"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/metrics"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
	"github.com/G-Research/dataflow/internal/dataflow/storage"
	"github.com/G-Research/dataflow/internal/dataflow/webhook"
)

// Bookkeeping done after a run (persisting the result, releasing the lock) must survive shutdown.
const cleanupTimeout = 30 * time.Second

type Outcome int

const (
	// Another batch holds the cluster lock.
	LockUnavailable Outcome = iota
	// The lock was taken but the batch was not in a state that allows it to start.
	Skipped
	Processed
)

func (o Outcome) String() string {
	switch o {
	case LockUnavailable:
		return "LockUnavailable"
	case Skipped:
		return "Skipped"
	case Processed:
		return "Processed"
	default:
		return "Unknown"
	}
}

type BatchProcessor interface {
	Process(ctx context.Context, batch *domain.ImportBatch) error
}

type BatchRunner interface {
	RunBatch(ctx context.Context, batchId uuid.UUID) (Outcome, error)
}

type Runner struct {
	batches     repository.BatchRepository
	lock        clusterlock.Lock
	processor   BatchProcessor
	store       storage.FileStore
	notifier    webhook.Notifier
	deleteFiles bool
	// A Processing batch whose run started longer ago than this is considered abandoned and may be restarted
	staleAfter    time.Duration
	clock         clock.Clock
	notifications sync.WaitGroup
}

func NewRunner(
	batches repository.BatchRepository,
	lock clusterlock.Lock,
	processor BatchProcessor,
	store storage.FileStore,
	notifier webhook.Notifier,
	deleteFiles bool,
	staleAfter time.Duration,
	clock clock.Clock,
) *Runner {
	return &Runner{
		batches:     batches,
		lock:        lock,
		processor:   processor,
		store:       store,
		notifier:    notifier,
		deleteFiles: deleteFiles,
		staleAfter:  staleAfter,
		clock:       clock,
	}
}

// RunBatch processes the batch if the cluster lock is free and the batch is due.
// The lock is always released before returning. Webhooks for a finished batch are sent in the
// background; use Wait to block until they are done.
func (r *Runner) RunBatch(ctx context.Context, batchId uuid.UUID) (Outcome, error) {
	logger := log.WithField("batchId", batchId)
	if !r.lock.TryAcquire(ctx, batchId) {
		logger.Debug("cluster lock is held; not starting batch")
		return LockUnavailable, nil
	}
	outcome, batch, err := r.run(ctx, logger, batchId)
	r.release(logger, batchId)

	if batch != nil && batch.Status.IsTerminal() {
		r.notify(ctx, logger, batch.Clone())
	}
	return outcome, err
}

func (r *Runner) run(ctx context.Context, logger *log.Entry, batchId uuid.UUID) (Outcome, *domain.ImportBatch, error) {
	batch, err := r.batches.GetById(ctx, batchId)
	if err != nil {
		return Skipped, nil, err
	}
	now := r.clock.Now()
	if !batch.IsDue(now) && !batch.IsOrphaned(now.Add(-r.staleAfter)) {
		logger.Debugf("batch is %s; nothing to do", batch.Status)
		return Skipped, nil, nil
	}
	if batch.Status == domain.BatchProcessing {
		logger.Warnf("restarting batch abandoned since %s", batch.StartedAt)
	}
	if err := batch.MarkProcessing(now); err != nil {
		return Skipped, nil, err
	}
	if err := r.batches.Update(ctx, batch); err != nil {
		return Skipped, nil, err
	}

	metrics.BatchStarted()
	processErr := r.processor.Process(ctx, batch)
	metrics.BatchStopped()

	if !batch.Status.IsTerminal() {
		// Interrupted. The batch stays Processing and is restarted once it is stale.
		return Processed, nil, processErr
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.batches.Update(persistCtx, batch); err != nil {
		logging.WithStacktrace(logger, err).Errorf("failed to persist %s batch", batch.Status)
		if processErr == nil {
			processErr = err
		}
		return Processed, nil, processErr
	}
	if duration, ok := batch.Duration(); ok {
		metrics.RecordBatchFinished(string(batch.Status), duration)
	}
	if r.deleteFiles {
		r.removeUpload(logger, batch)
	}
	return Processed, batch, processErr
}

func (r *Runner) release(logger *log.Entry, batchId uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := r.lock.Release(ctx, batchId); err != nil {
		logging.WithStacktrace(logger, err).Error("failed to release cluster lock; the watchdog will free it once it expires")
	}
}

func (r *Runner) removeUpload(logger *log.Entry, batch *domain.ImportBatch) {
	if err := r.store.Delete(batch.StoragePath); err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to delete upload")
		return
	}
	if err := r.store.DeleteDirIfEmpty(batch.StoragePath); err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to delete upload directory")
	}
}

func (r *Runner) notify(ctx context.Context, logger *log.Entry, batch *domain.ImportBatch) {
	if r.notifier == nil {
		return
	}
	r.notifications.Add(1)
	go func() {
		defer r.notifications.Done()
		if err := r.notifier.DeliverBatchFinalized(ctx, batch); err != nil {
			logging.WithStacktrace(logger, err).Warn("failed to send webhooks")
		}
	}()
}

// Wait blocks until all webhook notifications started so far have finished.
func (r *Runner) Wait() {
	r.notifications.Wait()
}
