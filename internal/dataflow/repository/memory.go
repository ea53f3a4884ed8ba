package repository

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

const (
	batchesTable       = "batches"
	itemsTable         = "items"
	clientsTable       = "clients"
	policiesTable      = "policies"
	subscriptionsTable = "subscriptions"
	failuresTable      = "failures"

	idIndex         = "id"
	statusIndex     = "status"     // batches by status, then creation time
	clientIndex     = "client"     // rows of one client, then creation time
	completedIndex  = "completed"  // finished batches by completion time
	batchIndex      = "batch"      // items of one batch, then sequence
	identifierIndex = "identifier" // clients by normalized identifier
	clientUrlIndex  = "client_url" // subscriptions by client and url
)

// Rows stored in memdb. Indexed fields are copied out of the entity so they can be used by the
// memdb field indexers; the entity itself is cloned on the way in and out and never mutated in place.
type memBatch struct {
	Id          string
	ClientId    string
	Status      string
	CreatedAt   int64
	Finished    bool
	CompletedAt int64
	Batch       *domain.ImportBatch
}

type memItem struct {
	Id       string
	BatchId  string
	Sequence int64
	Item     *domain.ImportItem
}

type memClient struct {
	Id         string
	Identifier string
	Client     *domain.Client
}

type memPolicy struct {
	Id        string
	ClientId  string
	CreatedAt int64
	Policy    *domain.ClientPolicy
}

type memSubscription struct {
	Id           string
	ClientId     string
	Url          string
	Subscription *domain.WebhookSubscription
}

type memFailure struct {
	Id       string
	ClientId string
	FailedAt int64
	Failure  *domain.WebhookDeliveryFailure
}

// InMemoryStore is a go-memdb database holding every table. It is safe for concurrent use:
// readers see a consistent snapshot and writers are serialized by memdb.
type InMemoryStore struct {
	db *memdb.MemDB
}

// NewInMemoryRepositories returns repositories sharing one in-memory store.
func NewInMemoryRepositories() (*Repositories, error) {
	db, err := memdb.NewMemDB(inMemorySchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	store := &InMemoryStore{db: db}
	return &Repositories{
		Batches:  &InMemoryBatchRepository{store: store},
		Items:    &InMemoryItemRepository{store: store},
		Clients:  &InMemoryClientRepository{store: store},
		Webhooks: &InMemoryWebhookRepository{store: store},
	}, nil
}

func (s *InMemoryStore) write(fn func(txn *memdb.Txn) error) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := fn(txn); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// scan iterates index from the lower bound given by args and stops when keep returns false.
func scan(txn *memdb.Txn, table string, index string, keep func(obj interface{}) bool, args ...interface{}) error {
	it, err := txn.LowerBound(table, index, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if !keep(obj) {
			return nil
		}
	}
	return nil
}

type InMemoryBatchRepository struct {
	store *InMemoryStore
}

func newMemBatch(batch *domain.ImportBatch) *memBatch {
	row := &memBatch{
		Id:        batch.Id.String(),
		ClientId:  batch.ClientId.String(),
		Status:    string(batch.Status),
		CreatedAt: batch.CreatedAt.UnixNano(),
		Batch:     batch.Clone(),
	}
	if batch.CompletedAt != nil {
		row.Finished = true
		row.CompletedAt = batch.CompletedAt.UnixNano()
	}
	return row
}

func (r *InMemoryBatchRepository) Create(_ context.Context, batch *domain.ImportBatch) error {
	return r.store.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(batchesTable, idIndex, batch.Id.String())
		if err != nil {
			return errors.WithStack(err)
		}
		if existing != nil {
			return errors.WithStack(&dataflowerrors.ErrAlreadyExists{Type: "batch", Value: batch.Id.String()})
		}
		return errors.WithStack(txn.Insert(batchesTable, newMemBatch(batch)))
	})
}

func (r *InMemoryBatchRepository) GetById(_ context.Context, id uuid.UUID) (*domain.ImportBatch, error) {
	obj, err := r.store.db.Txn(false).First(batchesTable, idIndex, id.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&dataflowerrors.ErrNotFound{Type: "batch", Value: id.String()})
	}
	return obj.(*memBatch).Batch.Clone(), nil
}

func (r *InMemoryBatchRepository) Update(_ context.Context, batch *domain.ImportBatch) error {
	return r.store.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(batchesTable, idIndex, batch.Id.String())
		if err != nil {
			return errors.WithStack(err)
		}
		if existing == nil {
			return errors.WithStack(&dataflowerrors.ErrNotFound{Type: "batch", Value: batch.Id.String()})
		}
		return errors.WithStack(txn.Insert(batchesTable, newMemBatch(batch)))
	})
}

func (r *InMemoryBatchRepository) GetPending(_ context.Context, limit int) ([]*domain.ImportBatch, error) {
	return r.byStatus(domain.BatchPending, limit, func(*domain.ImportBatch) bool { return true })
}

func (r *InMemoryBatchRepository) GetScheduled(_ context.Context, now time.Time, limit int) ([]*domain.ImportBatch, error) {
	return r.byStatus(domain.BatchScheduled, limit, func(b *domain.ImportBatch) bool { return b.IsDue(now) })
}

func (r *InMemoryBatchRepository) GetStale(_ context.Context, startedBefore time.Time, limit int) ([]*domain.ImportBatch, error) {
	return r.byStatus(domain.BatchProcessing, limit, func(b *domain.ImportBatch) bool { return b.IsOrphaned(startedBefore) })
}

func (r *InMemoryBatchRepository) byStatus(status domain.BatchStatus, limit int, filter func(*domain.ImportBatch) bool) ([]*domain.ImportBatch, error) {
	var result []*domain.ImportBatch
	err := scan(r.store.db.Txn(false), batchesTable, statusIndex, func(obj interface{}) bool {
		row := obj.(*memBatch)
		if row.Status != string(status) {
			return false
		}
		if filter(row.Batch) {
			result = append(result, row.Batch.Clone())
		}
		return limit <= 0 || len(result) < limit
	}, string(status), int64(math.MinInt64))
	return result, err
}

func (r *InMemoryBatchRepository) CountCreatedSince(_ context.Context, clientId uuid.UUID, since time.Time) (int, error) {
	count := 0
	err := scan(r.store.db.Txn(false), batchesTable, clientIndex, func(obj interface{}) bool {
		if obj.(*memBatch).ClientId != clientId.String() {
			return false
		}
		count++
		return true
	}, clientId.String(), since.UnixNano())
	return count, err
}

func (r *InMemoryBatchRepository) GetFinishedBefore(_ context.Context, cutoff time.Time, limit int) ([]*domain.ImportBatch, error) {
	var result []*domain.ImportBatch
	err := scan(r.store.db.Txn(false), batchesTable, completedIndex, func(obj interface{}) bool {
		row := obj.(*memBatch)
		if !row.Finished || row.CompletedAt >= cutoff.UnixNano() {
			return false
		}
		result = append(result, row.Batch.Clone())
		return limit <= 0 || len(result) < limit
	}, true, int64(math.MinInt64))
	return result, err
}

func (r *InMemoryBatchRepository) Delete(_ context.Context, ids []uuid.UUID) (int, error) {
	deleted := 0
	err := r.store.write(func(txn *memdb.Txn) error {
		for _, id := range ids {
			obj, err := txn.First(batchesTable, idIndex, id.String())
			if err != nil {
				return errors.WithStack(err)
			}
			if obj == nil {
				continue
			}
			if err := txn.Delete(batchesTable, obj); err != nil {
				return errors.WithStack(err)
			}
			if err := deleteItems(txn, id); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

type InMemoryItemRepository struct {
	store *InMemoryStore
}

func newMemItem(item *domain.ImportItem) *memItem {
	return &memItem{
		Id:       item.Id.String(),
		BatchId:  item.BatchId.String(),
		Sequence: int64(item.Sequence),
		Item:     item.Clone(),
	}
}

func (r *InMemoryItemRepository) AddRange(_ context.Context, items []*domain.ImportItem) error {
	return r.store.write(func(txn *memdb.Txn) error {
		for _, item := range items {
			existing, err := txn.First(itemsTable, batchIndex, item.BatchId.String(), int64(item.Sequence))
			if err != nil {
				return errors.WithStack(err)
			}
			if existing != nil {
				return errors.WithStack(&dataflowerrors.ErrAlreadyExists{
					Type:    "item",
					Value:   item.Id.String(),
					Message: "sequence already used in batch " + item.BatchId.String(),
				})
			}
			if err := txn.Insert(itemsTable, newMemItem(item)); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (r *InMemoryItemRepository) UpdateRange(_ context.Context, items []*domain.ImportItem) error {
	return r.store.write(func(txn *memdb.Txn) error {
		for _, item := range items {
			existing, err := txn.First(itemsTable, idIndex, item.Id.String())
			if err != nil {
				return errors.WithStack(err)
			}
			// rows removed by a concurrent purge are ignored, as an UPDATE would
			if existing == nil {
				continue
			}
			if err := txn.Insert(itemsTable, newMemItem(item)); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (r *InMemoryItemRepository) GetByBatch(_ context.Context, batchId uuid.UUID) ([]*domain.ImportItem, error) {
	var result []*domain.ImportItem
	err := scan(r.store.db.Txn(false), itemsTable, batchIndex, func(obj interface{}) bool {
		row := obj.(*memItem)
		if row.BatchId != batchId.String() {
			return false
		}
		result = append(result, row.Item.Clone())
		return true
	}, batchId.String(), int64(math.MinInt64))
	return result, err
}

func (r *InMemoryItemRepository) DeleteByBatch(_ context.Context, batchId uuid.UUID) error {
	return r.store.write(func(txn *memdb.Txn) error {
		return deleteItems(txn, batchId)
	})
}

func deleteItems(txn *memdb.Txn, batchId uuid.UUID) error {
	var rows []interface{}
	err := scan(txn, itemsTable, batchIndex, func(obj interface{}) bool {
		if obj.(*memItem).BatchId != batchId.String() {
			return false
		}
		rows = append(rows, obj)
		return true
	}, batchId.String(), int64(math.MinInt64))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := txn.Delete(itemsTable, row); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

type InMemoryClientRepository struct {
	store *InMemoryStore
}

func (r *InMemoryClientRepository) Create(_ context.Context, client *domain.Client) error {
	c := *client
	c.Identifier = domain.NormalizeIdentifier(client.Identifier)
	return r.store.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(clientsTable, identifierIndex, c.Identifier)
		if err != nil {
			return errors.WithStack(err)
		}
		if existing != nil {
			return errors.WithStack(&dataflowerrors.ErrAlreadyExists{Type: "client", Value: c.Identifier})
		}
		return errors.WithStack(txn.Insert(clientsTable, &memClient{Id: c.Id.String(), Identifier: c.Identifier, Client: &c}))
	})
}

func (r *InMemoryClientRepository) GetById(_ context.Context, id uuid.UUID) (*domain.Client, error) {
	return r.first(idIndex, id.String())
}

func (r *InMemoryClientRepository) GetByIdentifier(_ context.Context, identifier string) (*domain.Client, error) {
	return r.first(identifierIndex, domain.NormalizeIdentifier(identifier))
}

func (r *InMemoryClientRepository) first(index string, value string) (*domain.Client, error) {
	obj, err := r.store.db.Txn(false).First(clientsTable, index, value)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&dataflowerrors.ErrNotFound{Type: "client", Value: value})
	}
	c := *obj.(*memClient).Client
	return &c, nil
}

func (r *InMemoryClientRepository) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.store.write(func(txn *memdb.Txn) error {
		obj, err := txn.First(clientsTable, idIndex, id.String())
		if err != nil {
			return errors.WithStack(err)
		}
		if obj == nil {
			return errors.WithStack(&dataflowerrors.ErrNotFound{Type: "client", Value: id.String()})
		}
		row := *obj.(*memClient)
		c := *row.Client
		c.Touch(at)
		row.Client = &c
		return errors.WithStack(txn.Insert(clientsTable, &row))
	})
}

func (r *InMemoryClientRepository) AddPolicy(_ context.Context, policy *domain.ClientPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	p := *policy
	return r.store.write(func(txn *memdb.Txn) error {
		return errors.WithStack(txn.Insert(policiesTable, &memPolicy{
			Id:        p.Id.String(),
			ClientId:  p.ClientId.String(),
			CreatedAt: p.CreatedAt.UnixNano(),
			Policy:    &p,
		}))
	})
}

func (r *InMemoryClientRepository) GetPolicies(_ context.Context, clientId uuid.UUID) ([]*domain.ClientPolicy, error) {
	var result []*domain.ClientPolicy
	err := scan(r.store.db.Txn(false), policiesTable, clientIndex, func(obj interface{}) bool {
		row := obj.(*memPolicy)
		if row.ClientId != clientId.String() {
			return false
		}
		p := *row.Policy
		result = append(result, &p)
		return true
	}, clientId.String(), int64(math.MinInt64))
	return result, err
}

type InMemoryWebhookRepository struct {
	store *InMemoryStore
}

func (r *InMemoryWebhookRepository) GetActiveSubscriptions(_ context.Context, clientId uuid.UUID) ([]*domain.WebhookSubscription, error) {
	var result []*domain.WebhookSubscription
	err := scan(r.store.db.Txn(false), subscriptionsTable, clientUrlIndex, func(obj interface{}) bool {
		row := obj.(*memSubscription)
		if row.ClientId != clientId.String() {
			return false
		}
		if row.Subscription.IsActive {
			s := *row.Subscription
			result = append(result, &s)
		}
		return true
	}, clientId.String(), "")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *InMemoryWebhookRepository) AddSubscription(_ context.Context, subscription *domain.WebhookSubscription) error {
	s := *subscription
	return r.store.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(subscriptionsTable, clientUrlIndex, s.ClientId.String(), s.Url)
		if err != nil {
			return errors.WithStack(err)
		}
		if existing != nil {
			return errors.WithStack(&dataflowerrors.ErrAlreadyExists{Type: "webhook subscription", Value: s.Url})
		}
		return errors.WithStack(txn.Insert(subscriptionsTable, &memSubscription{
			Id:           s.Id.String(),
			ClientId:     s.ClientId.String(),
			Url:          s.Url,
			Subscription: &s,
		}))
	})
}

func (r *InMemoryWebhookRepository) RecordDeliveryFailure(_ context.Context, failure *domain.WebhookDeliveryFailure) error {
	f := *failure
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	return r.store.write(func(txn *memdb.Txn) error {
		return errors.WithStack(txn.Insert(failuresTable, &memFailure{
			Id:       f.Id.String(),
			ClientId: f.ClientId.String(),
			FailedAt: f.FailedAt.UnixNano(),
			Failure:  &f,
		}))
	})
}

func (r *InMemoryWebhookRepository) GetDeliveryFailures(_ context.Context, clientId uuid.UUID) ([]*domain.WebhookDeliveryFailure, error) {
	var result []*domain.WebhookDeliveryFailure
	err := scan(r.store.db.Txn(false), failuresTable, clientIndex, func(obj interface{}) bool {
		row := obj.(*memFailure)
		if row.ClientId != clientId.String() {
			return false
		}
		f := *row.Failure
		result = append(result, &f)
		return true
	}, clientId.String(), int64(math.MinInt64))
	return result, err
}

func inMemorySchema() *memdb.DBSchema {
	id := &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Id"},
	}
	byClientAndTime := func(timeField string) *memdb.IndexSchema {
		return &memdb.IndexSchema{
			Name: clientIndex,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "ClientId"},
					&memdb.IntFieldIndex{Field: timeField},
				},
			},
		}
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			batchesTable: {
				Name: batchesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: id,
					statusIndex: {
						Name: statusIndex,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Status"},
								&memdb.IntFieldIndex{Field: "CreatedAt"},
							},
						},
					},
					clientIndex: byClientAndTime("CreatedAt"),
					completedIndex: {
						Name: completedIndex,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.BoolFieldIndex{Field: "Finished"},
								&memdb.IntFieldIndex{Field: "CompletedAt"},
							},
						},
					},
				},
			},
			itemsTable: {
				Name: itemsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: id,
					batchIndex: {
						Name:   batchIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "BatchId"},
								&memdb.IntFieldIndex{Field: "Sequence"},
							},
						},
					},
				},
			},
			clientsTable: {
				Name: clientsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: id,
					identifierIndex: {
						Name:    identifierIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Identifier"},
					},
				},
			},
			policiesTable: {
				Name: policiesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:     id,
					clientIndex: byClientAndTime("CreatedAt"),
				},
			},
			subscriptionsTable: {
				Name: subscriptionsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: id,
					clientUrlIndex: {
						Name:   clientUrlIndex,
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "ClientId"},
								&memdb.StringFieldIndex{Field: "Url"},
							},
						},
					},
				},
			},
			failuresTable: {
				Name: failuresTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:     id,
					clientIndex: byClientAndTime("FailedAt"),
				},
			},
		},
	}
}
