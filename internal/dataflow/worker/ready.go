package worker

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/dataflow/internal/common/logging"
	"github.com/G-Research/dataflow/internal/dataflow/events"
)

// NewReadyHandler runs the announced batch straight away. When the lock is busy the message is
// still consumed; the poller starts the batch later. Only failures that happened before the batch
// started are returned, so the message is redelivered for those alone.
func NewReadyHandler(runner BatchRunner) events.ReadyHandler {
	return func(ctx context.Context, msg events.BatchReady) error {
		logger := log.WithField("batchId", msg.BatchId)
		outcome, err := runner.RunBatch(ctx, msg.BatchId)
		switch {
		case outcome == Processed && err != nil:
			logging.WithStacktrace(logger, err).Error("batch run failed")
			return nil
		case err != nil:
			return err
		case outcome == LockUnavailable:
			logger.Info("cluster lock is held; leaving batch to the poller")
		}
		return nil
	}
}
