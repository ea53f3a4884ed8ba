package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/util"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

// Rows per INSERT statement; keeps the number of bind parameters well below driver limits.
const itemInsertBatchSize = 500

type itemRow struct {
	Id           string    `db:"id"`
	BatchId      string    `db:"batch_id"`
	Sequence     int       `db:"sequence"`
	Payload      string    `db:"payload"`
	Status       string    `db:"status"`
	ErrorMessage string    `db:"error_message"`
	Redacted     bool      `db:"redacted"`
	CreatedAt    time.Time `db:"created_at"`
}

type SqlItemRepository struct {
	db *goqu.Database
}

func (r *SqlItemRepository) AddRange(ctx context.Context, items []*domain.ImportItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	err = tx.Wrap(func() error {
		for _, group := range util.Batch(items, itemInsertBatchSize) {
			rows := make([]interface{}, len(group))
			for i, item := range group {
				rows[i] = goqu.Record{
					"id":            item.Id.String(),
					"batch_id":      item.BatchId.String(),
					"sequence":      item.Sequence,
					"payload":       string(item.Payload),
					"status":        string(item.Status),
					"error_message": item.ErrorMessage,
					"redacted":      item.Redacted,
					"created_at":    item.CreatedAt.UTC(),
				}
			}
			_, err := tx.Insert(itemTable).Prepared(true).Rows(rows...).Executor().ExecContext(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

func (r *SqlItemRepository) UpdateRange(ctx context.Context, items []*domain.ImportItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	err = tx.Wrap(func() error {
		for _, item := range items {
			_, err := tx.Update(itemTable).Prepared(true).
				Set(goqu.Record{
					"payload":       string(item.Payload),
					"status":        string(item.Status),
					"error_message": item.ErrorMessage,
					"redacted":      item.Redacted,
				}).
				Where(goqu.C("id").Eq(item.Id.String())).
				Executor().ExecContext(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

func (r *SqlItemRepository) GetByBatch(ctx context.Context, batchId uuid.UUID) ([]*domain.ImportItem, error) {
	var rows []itemRow
	err := r.db.From(itemTable).Prepared(true).
		Where(goqu.C("batch_id").Eq(batchId.String())).
		Order(goqu.C("sequence").Asc()).
		ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	items := make([]*domain.ImportItem, 0, len(rows))
	for _, row := range rows {
		id, err := parseId(row.Id)
		if err != nil {
			return nil, err
		}
		items = append(items, &domain.ImportItem{
			Id:           id,
			BatchId:      batchId,
			Sequence:     row.Sequence,
			Payload:      json.RawMessage(row.Payload),
			Status:       domain.ItemStatus(row.Status),
			ErrorMessage: row.ErrorMessage,
			Redacted:     row.Redacted,
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return items, nil
}

func (r *SqlItemRepository) DeleteByBatch(ctx context.Context, batchId uuid.UUID) error {
	_, err := r.db.Delete(itemTable).Prepared(true).
		Where(goqu.C("batch_id").Eq(batchId.String())).
		Executor().ExecContext(ctx)
	return errors.WithStack(err)
}
