// Package processor runs one batch end to end: parse, persist, deliver in chunks, redact, summarize.
package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/common/logging"
	"github.com/G-Research/dataflow/internal/dataflow/delivery"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/parser"
	"github.com/G-Research/dataflow/internal/dataflow/policy"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
	"github.com/G-Research/dataflow/internal/dataflow/storage"
)

const errorSummarySeparator = "; "

type PolicyResolver interface {
	ResolveFor(ctx context.Context, clientId uuid.UUID) (policy.ResolvedPolicy, error)
}

type Processor struct {
	items     repository.ItemRepository
	store     storage.FileStore
	deliverer delivery.ChunkDeliverer
	policies  PolicyResolver
	chunkSize int
	clock     clock.Clock
}

func NewProcessor(
	items repository.ItemRepository,
	store storage.FileStore,
	deliverer delivery.ChunkDeliverer,
	policies PolicyResolver,
	chunkSize int,
	clock clock.Clock,
) *Processor {
	return &Processor{
		items:     items,
		store:     store,
		deliverer: deliverer,
		policies:  policies,
		chunkSize: chunkSize,
		clock:     clock,
	}
}

// Process runs a batch that is already Processing and leaves it in a terminal state, except when ctx
// is cancelled: the batch then stays Processing and ctx.Err() is returned. Failed chunk deliveries
// only make the batch CompletedWithErrors; any other error marks it Failed and is returned.
// Persisting the batch itself is left to the caller.
func (p *Processor) Process(ctx context.Context, batch *domain.ImportBatch) error {
	logger := log.WithField("batchId", batch.Id).WithField("clientId", batch.ClientId)
	logger.Infof("processing %s (%d bytes)", batch.FileName, batch.FileSizeBytes)

	total, processed, summary, err := p.run(ctx, batch, logger)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("processing interrupted; batch stays in Processing")
			return ctx.Err()
		}
		logging.WithStacktrace(logger, err).Error("batch failed")
		if failErr := batch.Fail(err.Error(), p.clock.Now()); failErr != nil {
			return failErr
		}
		return err
	}
	if err := batch.Complete(total, processed, summary, p.clock.Now()); err != nil {
		return err
	}
	logger.Infof("batch %s: %d of %d records imported", batch.Status, processed, total)
	return nil
}

func (p *Processor) run(ctx context.Context, batch *domain.ImportBatch, logger *log.Entry) (int, int, string, error) {
	resolved, err := p.policies.ResolveFor(ctx, batch.ClientId)
	if err != nil {
		return 0, 0, "", err
	}

	items, err := p.parse(ctx, batch)
	if err != nil {
		return 0, 0, "", err
	}
	logger.Infof("parsed %d records", len(items))

	// A restarted run replaces whatever a previous, interrupted run persisted.
	if err := p.items.DeleteByBatch(ctx, batch.Id); err != nil {
		return 0, 0, "", err
	}
	if err := p.items.AddRange(ctx, items); err != nil {
		return 0, 0, "", err
	}

	processed := 0
	var failures []string
	for _, chunk := range delivery.Partition(items, p.chunkSize) {
		deliveryErr := p.deliverer.DeliverChunk(ctx, batch.Id, chunk)
		if ctx.Err() != nil {
			return 0, 0, "", ctx.Err()
		}
		delivered := deliveryErr == nil
		if delivered {
			processed += len(chunk.Items)
		} else {
			failures = append(failures, fmt.Sprintf("Chunk %d: %s", chunk.ChunkId(), deliveryErr))
		}
		if resolved.ShouldRedact(delivered) {
			for _, item := range chunk.Items {
				item.Redact(resolved.IncludePayloadHash)
			}
		}
		if err := p.items.UpdateRange(ctx, chunk.Items); err != nil {
			return 0, 0, "", err
		}
	}
	return len(items), processed, strings.Join(failures, errorSummarySeparator), nil
}

func (p *Processor) parse(ctx context.Context, batch *domain.ImportBatch) ([]*domain.ImportItem, error) {
	exists, err := p.store.Exists(batch.StoragePath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.WithStack(&dataflowerrors.ErrNonRetryable{
			Reason: "upload file not found",
			Err:    &dataflowerrors.ErrNotFound{Type: "file", Value: batch.StoragePath},
		})
	}
	f, err := p.store.Open(batch.StoragePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := parser.Parse(ctx, batch.FileType, batch.FileName, f)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	items := make([]*domain.ImportItem, len(records))
	for i, record := range records {
		item, err := domain.NewImportItem(batch.Id, record.Sequence, record.Payload, now)
		if err != nil {
			return nil, err
		}
		items[i] = item
	}
	return items, nil
}
