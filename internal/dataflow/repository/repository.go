// Package repository persists clients, batches, items and webhook state.
// Two implementations are provided: a SQL one on top of goqu (postgres or sqlite) and an
// in-memory one on top of go-memdb used for single-process deployments and tests.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

type BatchRepository interface {
	Create(ctx context.Context, batch *domain.ImportBatch) error
	// GetById returns dataflowerrors.ErrNotFound if no batch has the given id.
	GetById(ctx context.Context, id uuid.UUID) (*domain.ImportBatch, error)
	Update(ctx context.Context, batch *domain.ImportBatch) error
	// GetPending returns up to limit Pending batches, oldest first.
	GetPending(ctx context.Context, limit int) ([]*domain.ImportBatch, error)
	// GetScheduled returns up to limit Scheduled batches whose scheduled time is not after now, oldest first.
	GetScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.ImportBatch, error)
	// GetStale returns Processing batches whose run started before startedBefore.
	GetStale(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.ImportBatch, error)
	CountCreatedSince(ctx context.Context, clientId uuid.UUID, since time.Time) (int, error)
	// GetFinishedBefore returns up to limit batches completed before cutoff, oldest completion first.
	GetFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.ImportBatch, error)
	// Delete removes the given batches together with their items and returns how many batches were removed.
	Delete(ctx context.Context, ids []uuid.UUID) (int, error)
}

type ItemRepository interface {
	AddRange(ctx context.Context, items []*domain.ImportItem) error
	UpdateRange(ctx context.Context, items []*domain.ImportItem) error
	// GetByBatch returns the items of a batch ordered by sequence.
	GetByBatch(ctx context.Context, batchId uuid.UUID) ([]*domain.ImportItem, error)
	DeleteByBatch(ctx context.Context, batchId uuid.UUID) error
}

type ClientRepository interface {
	// Create returns dataflowerrors.ErrAlreadyExists if the identifier is taken.
	Create(ctx context.Context, client *domain.Client) error
	GetById(ctx context.Context, id uuid.UUID) (*domain.Client, error)
	GetByIdentifier(ctx context.Context, identifier string) (*domain.Client, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	AddPolicy(ctx context.Context, policy *domain.ClientPolicy) error
	// GetPolicies returns the policies of a client, oldest first.
	GetPolicies(ctx context.Context, clientId uuid.UUID) ([]*domain.ClientPolicy, error)
}

type WebhookRepository interface {
	GetActiveSubscriptions(ctx context.Context, clientId uuid.UUID) ([]*domain.WebhookSubscription, error)
	// AddSubscription returns dataflowerrors.ErrAlreadyExists if the client already subscribed this url.
	AddSubscription(ctx context.Context, subscription *domain.WebhookSubscription) error
	RecordDeliveryFailure(ctx context.Context, failure *domain.WebhookDeliveryFailure) error
	GetDeliveryFailures(ctx context.Context, clientId uuid.UUID) ([]*domain.WebhookDeliveryFailure, error)
}

// Repositories bundles the repositories sharing one store.
type Repositories struct {
	Batches  BatchRepository
	Items    ItemRepository
	Clients  ClientRepository
	Webhooks WebhookRepository
}
