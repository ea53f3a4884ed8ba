package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common/logging"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/metrics"
	"github.com/G-Research/dataflow/internal/dataflow/policy"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
	"github.com/G-Research/dataflow/internal/dataflow/storage"
)

// Candidates are fetched with the shortest possible retention and filtered per client afterwards.
const (
	minRetentionDays    = 1
	candidatesPerDelete = 5
)

type PolicyResolver interface {
	ResolveFor(ctx context.Context, clientId uuid.UUID) (policy.ResolvedPolicy, error)
}

// RetentionSweeper deletes finished batches, their items and their upload directories once they
// are older than the retention period of their client.
type RetentionSweeper struct {
	batches   repository.BatchRepository
	policies  PolicyResolver
	store     storage.FileStore
	interval  time.Duration
	maxPerRun int
	clock     clock.WithTicker
}

func NewRetentionSweeper(
	batches repository.BatchRepository,
	policies PolicyResolver,
	store storage.FileStore,
	interval time.Duration,
	maxPerRun int,
	clock clock.WithTicker,
) *RetentionSweeper {
	return &RetentionSweeper{
		batches:   batches,
		policies:  policies,
		store:     store,
		interval:  interval,
		maxPerRun: maxPerRun,
		clock:     clock,
	}
}

func (s *RetentionSweeper) Run(ctx context.Context) error {
	log.Infof("retention sweeper started; running every %s", s.interval)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			logging.WithStacktrace(log.WithField("service", "RetentionSweeper"), err).Error("retention sweep failed")
		}
		select {
		case <-ctx.Done():
			log.Info("retention sweeper stopped")
			return nil
		case <-ticker.C():
		}
	}
}

// SweepOnce deletes up to maxPerRun expired batches and returns how many were deleted.
func (s *RetentionSweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	candidates, err := s.batches.GetFinishedBefore(ctx, now.AddDate(0, 0, -minRetentionDays), s.maxPerRun*candidatesPerDelete)
	if err != nil {
		return 0, err
	}

	retention := make(map[uuid.UUID]int)
	var expired []*domain.ImportBatch
	for _, batch := range candidates {
		days, ok := retention[batch.ClientId]
		if !ok {
			resolved, err := s.policies.ResolveFor(ctx, batch.ClientId)
			if err != nil {
				return 0, err
			}
			days = resolved.RetentionDays
			if days < minRetentionDays {
				days = minRetentionDays
			}
			retention[batch.ClientId] = days
		}
		if batch.CompletedAt.Before(now.AddDate(0, 0, -days)) {
			expired = append(expired, batch)
			if len(expired) >= s.maxPerRun {
				break
			}
		}
	}
	if len(expired) == 0 {
		log.Debug("no batches eligible for retention cleanup")
		return 0, nil
	}

	deleted, err := deleteBatches(ctx, s.batches, s.store, expired)
	if err != nil {
		return deleted, err
	}
	metrics.RecordRetentionDeleted(deleted)
	log.Infof("retention removed %d batches", deleted)
	return deleted, nil
}

// deleteBatches removes the batches with their items, then their upload directories.
func deleteBatches(ctx context.Context, batches repository.BatchRepository, store storage.FileStore, toDelete []*domain.ImportBatch) (int, error) {
	ids := make([]uuid.UUID, len(toDelete))
	for i, batch := range toDelete {
		ids[i] = batch.Id
	}
	deleted, err := batches.Delete(ctx, ids)
	if err != nil {
		return deleted, err
	}
	for _, batch := range toDelete {
		if err := store.DeleteTree(batch.StoragePath); err != nil {
			logging.WithStacktrace(log.WithField("batchId", batch.Id), err).Warn("failed to delete upload directory")
		}
	}
	return deleted, nil
}
