package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

type batchRow struct {
	Id               string         `db:"id"`
	ClientId         string         `db:"client_id"`
	Status           string         `db:"status"`
	FileType         string         `db:"file_type"`
	FileName         string         `db:"file_name"`
	FileSizeBytes    int64          `db:"file_size_bytes"`
	Checksum         string         `db:"checksum"`
	StoragePath      string         `db:"storage_path"`
	PolicyDecision   string         `db:"policy_decision"`
	Origin           string         `db:"origin"`
	RequestedBy      string         `db:"requested_by"`
	MetadataJson     string         `db:"metadata_json"`
	CreatedAt        time.Time      `db:"created_at"`
	ScheduledFor     sql.NullTime   `db:"scheduled_for"`
	StartedAt        sql.NullTime   `db:"started_at"`
	CompletedAt      sql.NullTime   `db:"completed_at"`
	TotalRecords     int            `db:"total_records"`
	ProcessedRecords int            `db:"processed_records"`
	ErrorSummary     sql.NullString `db:"error_summary"`
}

type SqlBatchRepository struct {
	db *goqu.Database
}

func (r *SqlBatchRepository) Create(ctx context.Context, batch *domain.ImportBatch) error {
	record := batchRecord(batch)
	record["id"] = batch.Id.String()
	_, err := r.db.Insert(batchTable).Prepared(true).Rows(record).Executor().ExecContext(ctx)
	if isUniqueViolation(err) {
		return errors.WithStack(&dataflowerrors.ErrAlreadyExists{Type: "batch", Value: batch.Id.String()})
	}
	return errors.WithStack(err)
}

func (r *SqlBatchRepository) GetById(ctx context.Context, id uuid.UUID) (*domain.ImportBatch, error) {
	var row batchRow
	found, err := r.db.From(batchTable).Prepared(true).
		Where(goqu.C("id").Eq(id.String())).
		ScanStructContext(ctx, &row)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !found {
		return nil, errors.WithStack(&dataflowerrors.ErrNotFound{Type: "batch", Value: id.String()})
	}
	return row.toBatch()
}

func (r *SqlBatchRepository) Update(ctx context.Context, batch *domain.ImportBatch) error {
	result, err := r.db.Update(batchTable).Prepared(true).
		Set(batchRecord(batch)).
		Where(goqu.C("id").Eq(batch.Id.String())).
		Executor().ExecContext(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected == 0 {
		return errors.WithStack(&dataflowerrors.ErrNotFound{Type: "batch", Value: batch.Id.String()})
	}
	return nil
}

func (r *SqlBatchRepository) GetPending(ctx context.Context, limit int) ([]*domain.ImportBatch, error) {
	ds := r.db.From(batchTable).Prepared(true).
		Where(goqu.C("status").Eq(string(domain.BatchPending))).
		Order(goqu.C("created_at").Asc())
	return r.query(ctx, ds, limit)
}

func (r *SqlBatchRepository) GetScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.ImportBatch, error) {
	ds := r.db.From(batchTable).Prepared(true).
		Where(
			goqu.C("status").Eq(string(domain.BatchScheduled)),
			goqu.Or(
				goqu.C("scheduled_for").IsNull(),
				goqu.C("scheduled_for").Lte(now.UTC()),
			),
		).
		Order(goqu.C("created_at").Asc())
	return r.query(ctx, ds, limit)
}

func (r *SqlBatchRepository) GetStale(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.ImportBatch, error) {
	ds := r.db.From(batchTable).Prepared(true).
		Where(
			goqu.C("status").Eq(string(domain.BatchProcessing)),
			goqu.C("started_at").Lt(startedBefore.UTC()),
		).
		Order(goqu.C("started_at").Asc())
	return r.query(ctx, ds, limit)
}

func (r *SqlBatchRepository) CountCreatedSince(ctx context.Context, clientId uuid.UUID, since time.Time) (int, error) {
	var count int64
	_, err := r.db.From(batchTable).Prepared(true).
		Select(goqu.COUNT("*")).
		Where(
			goqu.C("client_id").Eq(clientId.String()),
			goqu.C("created_at").Gte(since.UTC()),
		).
		ScanValContext(ctx, &count)
	return int(count), errors.WithStack(err)
}

func (r *SqlBatchRepository) GetFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.ImportBatch, error) {
	ds := r.db.From(batchTable).Prepared(true).
		Where(
			goqu.C("completed_at").IsNotNull(),
			goqu.C("completed_at").Lt(cutoff.UTC()),
		).
		Order(goqu.C("completed_at").Asc())
	return r.query(ctx, ds, limit)
}

func (r *SqlBatchRepository) Delete(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	err = tx.Wrap(func() error {
		_, err := tx.Delete(itemTable).Prepared(true).
			Where(goqu.C("batch_id").In(idStrings(ids))).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
		result, err := tx.Delete(batchTable).Prepared(true).
			Where(goqu.C("id").In(idStrings(ids))).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return int(deleted), errors.WithStack(err)
}

func (r *SqlBatchRepository) query(ctx context.Context, ds *goqu.SelectDataset, limit int) ([]*domain.ImportBatch, error) {
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	var rows []batchRow
	if err := ds.ScanStructsContext(ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}
	batches := make([]*domain.ImportBatch, 0, len(rows))
	for _, row := range rows {
		batch, err := row.toBatch()
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// batchRecord holds every mutable column; the id is only written on insert.
func batchRecord(batch *domain.ImportBatch) goqu.Record {
	return goqu.Record{
		"client_id":         batch.ClientId.String(),
		"status":            string(batch.Status),
		"file_type":         string(batch.FileType),
		"file_name":         batch.FileName,
		"file_size_bytes":   batch.FileSizeBytes,
		"checksum":          batch.Checksum,
		"storage_path":      batch.StoragePath,
		"policy_decision":   batch.PolicyDecision,
		"origin":            batch.Origin,
		"requested_by":      batch.RequestedBy,
		"metadata_json":     batch.MetadataJson,
		"created_at":        batch.CreatedAt.UTC(),
		"scheduled_for":     nullableTime(batch.ScheduledFor),
		"started_at":        nullableTime(batch.StartedAt),
		"completed_at":      nullableTime(batch.CompletedAt),
		"total_records":     batch.TotalRecords,
		"processed_records": batch.ProcessedRecords,
		"error_summary":     batch.ErrorSummary,
	}
}

func (row batchRow) toBatch() (*domain.ImportBatch, error) {
	id, err := parseId(row.Id)
	if err != nil {
		return nil, err
	}
	clientId, err := parseId(row.ClientId)
	if err != nil {
		return nil, err
	}
	return &domain.ImportBatch{
		Id:               id,
		ClientId:         clientId,
		Status:           domain.BatchStatus(row.Status),
		FileType:         domain.FileType(row.FileType),
		FileName:         row.FileName,
		FileSizeBytes:    row.FileSizeBytes,
		Checksum:         row.Checksum,
		StoragePath:      row.StoragePath,
		PolicyDecision:   row.PolicyDecision,
		Origin:           row.Origin,
		RequestedBy:      row.RequestedBy,
		MetadataJson:     row.MetadataJson,
		CreatedAt:        row.CreatedAt.UTC(),
		ScheduledFor:     timePtr(row.ScheduledFor),
		StartedAt:        timePtr(row.StartedAt),
		CompletedAt:      timePtr(row.CompletedAt),
		TotalRecords:     row.TotalRecords,
		ProcessedRecords: row.ProcessedRecords,
		ErrorSummary:     row.ErrorSummary.String,
	}, nil
}
