package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common/logging"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
)

type Poller struct {
	batches    repository.BatchRepository
	runner     BatchRunner
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
	clock      clock.WithTicker
}

func NewPoller(
	batches repository.BatchRepository,
	runner BatchRunner,
	interval time.Duration,
	batchSize int,
	staleAfter time.Duration,
	clock clock.WithTicker,
) *Poller {
	return &Poller{
		batches:    batches,
		runner:     runner,
		interval:   interval,
		batchSize:  batchSize,
		staleAfter: staleAfter,
		clock:      clock,
	}
}

// Run polls once immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	log.Infof("batch poller started; polling every %s", p.interval)
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			log.Info("batch poller stopped")
			return nil
		case <-ticker.C():
		}
	}
}

// PollOnce tries the candidate batches oldest first until one of them finds the lock taken.
// It returns the number of batches that were processed.
func (p *Poller) PollOnce(ctx context.Context) int {
	logger := log.WithField("service", "BatchPoller")
	candidates, err := p.candidates(ctx)
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to load batches")
		return 0
	}
	processed := 0
	for _, batch := range candidates {
		if ctx.Err() != nil {
			break
		}
		outcome, err := p.runner.RunBatch(ctx, batch.Id)
		if err != nil {
			logging.WithStacktrace(logger.WithField("batchId", batch.Id), err).Error("batch run failed")
		}
		if outcome == LockUnavailable {
			break
		}
		if outcome == Processed {
			processed++
		}
	}
	return processed
}

func (p *Poller) candidates(ctx context.Context) ([]*domain.ImportBatch, error) {
	now := p.clock.Now()
	pending, err := p.batches.GetPending(ctx, p.batchSize)
	if err != nil {
		return nil, err
	}
	scheduled, err := p.batches.GetScheduled(ctx, now, p.batchSize)
	if err != nil {
		return nil, err
	}
	stale, err := p.batches.GetStale(ctx, now.Add(-p.staleAfter), p.batchSize)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]bool)
	var all []*domain.ImportBatch
	for _, batches := range [][]*domain.ImportBatch{pending, scheduled, stale} {
		for _, batch := range batches {
			if !seen[batch.Id] {
				seen[batch.Id] = true
				all = append(all, batch)
			}
		}
	}
	slices.SortStableFunc(all, func(a, b *domain.ImportBatch) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return all, nil
}
