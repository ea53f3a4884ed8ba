package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
	"github.com/G-Research/dataflow/internal/dataflow/storage"
)

const DefaultPurgeMaxBatches = 500

// Purger deletes finished batches on demand, independently of the retention policy.
type Purger struct {
	batches repository.BatchRepository
	store   storage.FileStore
	clock   clock.Clock
}

func NewPurger(batches repository.BatchRepository, store storage.FileStore, clock clock.Clock) *Purger {
	return &Purger{batches: batches, store: store, clock: clock}
}

// PurgeOlderThan deletes up to maxBatches batches that finished more than days ago.
func (p *Purger) PurgeOlderThan(ctx context.Context, days int, maxBatches int) (int, error) {
	if days < 0 {
		return 0, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "days",
			Value:   days,
			Message: "days cannot be negative",
		})
	}
	if maxBatches <= 0 {
		maxBatches = DefaultPurgeMaxBatches
	}
	batches, err := p.batches.GetFinishedBefore(ctx, p.clock.Now().AddDate(0, 0, -days), maxBatches)
	if err != nil {
		return 0, err
	}
	if len(batches) == 0 {
		return 0, nil
	}
	deleted, err := deleteBatches(ctx, p.batches, p.store, batches)
	log.Infof("purged %d batches finished more than %d days ago", deleted, days)
	return deleted, err
}

// PurgeByIds deletes the given batches. Unknown ids and batches that have not finished are
// reported in the returned error; the remaining batches are still deleted.
func (p *Purger) PurgeByIds(ctx context.Context, ids []uuid.UUID) (int, error) {
	var result *multierror.Error
	var toDelete []*domain.ImportBatch
	for _, id := range ids {
		batch, err := p.batches.GetById(ctx, id)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !batch.Status.IsTerminal() {
			result = multierror.Append(result, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
				Name:    "batchId",
				Value:   id.String(),
				Message: "batch is " + string(batch.Status) + " and cannot be purged",
			}))
			continue
		}
		toDelete = append(toDelete, batch)
	}
	deleted := 0
	if len(toDelete) > 0 {
		var err error
		deleted, err = deleteBatches(ctx, p.batches, p.store, toDelete)
		if err != nil {
			result = multierror.Append(result, err)
		}
		log.Infof("purged %d batches", deleted)
	}
	return deleted, result.ErrorOrNil()
}
