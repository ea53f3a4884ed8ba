package clusterlock

import (
	"context"
	"database/sql"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common/logging"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/metrics"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
)

const lockRowId = 1

var lockTable = goqu.T("batch_lock")

type lockRow struct {
	Locked     bool           `db:"locked"`
	BatchId    sql.NullString `db:"batch_id"`
	AcquiredAt sql.NullTime   `db:"acquired_at"`
}

// SqlLock is the batch_lock row with id 1. Acquisition runs in a transaction that reads the row
// (FOR UPDATE on postgres, where the transaction is also serializable) and flips it with a
// conditional update, so at most one transaction can observe the transition from unlocked.
type SqlLock struct {
	db      *goqu.Database
	dialect string
	clock   clock.Clock
}

func NewSqlLock(db *sql.DB, dialect string, clock clock.Clock) *SqlLock {
	return &SqlLock{db: goqu.New(dialect, db), dialect: dialect, clock: clock}
}

func (l *SqlLock) TryAcquire(ctx context.Context, batchId uuid.UUID) bool {
	logger := log.WithField("batchId", batchId)
	acquired, err := l.tryAcquire(ctx, batchId)
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to acquire cluster lock")
		metrics.RecordLockAcquisition("error")
		return false
	}
	if acquired {
		metrics.RecordLockAcquisition("acquired")
	} else {
		metrics.RecordLockAcquisition("contended")
	}
	return acquired
}

func (l *SqlLock) tryAcquire(ctx context.Context, batchId uuid.UUID) (bool, error) {
	var opts *sql.TxOptions
	if l.dialect == repository.DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	tx, err := l.db.BeginTx(ctx, opts)
	if err != nil {
		return false, errors.WithStack(err)
	}
	acquired := false
	err = tx.Wrap(func() error {
		ds := tx.From(lockTable).Prepared(true).Where(goqu.C("id").Eq(lockRowId))
		if l.dialect == repository.DialectPostgres {
			ds = ds.ForUpdate(exp.Wait)
		}
		var row lockRow
		found, err := ds.ScanStructContext(ctx, &row)
		if err != nil {
			return err
		}
		if !found {
			return errors.New("batch_lock row is missing; run the migrations")
		}
		if row.Locked {
			return nil
		}
		result, err := tx.Update(lockTable).Prepared(true).
			Set(goqu.Record{
				"locked":      true,
				"batch_id":    batchId.String(),
				"acquired_at": l.clock.Now().UTC(),
			}).
			Where(goqu.C("id").Eq(lockRowId), goqu.C("locked").IsFalse()).
			Executor().ExecContext(ctx)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		acquired = affected == 1
		return err
	})
	if err != nil {
		return false, errors.WithStack(err)
	}
	return acquired, nil
}

func (l *SqlLock) Release(ctx context.Context, batchId uuid.UUID) error {
	_, err := l.unlock(ctx, goqu.C("batch_id").Eq(batchId.String()))
	return err
}

func (l *SqlLock) IsExpired(ctx context.Context, timeout time.Duration) (bool, error) {
	state, err := l.Status(ctx)
	if err != nil {
		return false, err
	}
	return state.IsExpired(l.clock.Now(), timeout), nil
}

func (l *SqlLock) ForceReleaseExpired(ctx context.Context, timeout time.Duration) (bool, error) {
	return l.unlock(ctx,
		goqu.C("locked").IsTrue(),
		goqu.C("acquired_at").Lt(l.clock.Now().Add(-timeout).UTC()),
	)
}

func (l *SqlLock) Status(ctx context.Context) (domain.LockState, error) {
	var row lockRow
	found, err := l.db.From(lockTable).Prepared(true).
		Where(goqu.C("id").Eq(lockRowId)).
		ScanStructContext(ctx, &row)
	if err != nil {
		return domain.LockState{}, errors.WithStack(err)
	}
	if !found || !row.Locked || !row.BatchId.Valid || !row.AcquiredAt.Valid {
		return domain.UnlockedState(), nil
	}
	batchId, err := uuid.Parse(row.BatchId.String)
	if err != nil {
		return domain.LockState{}, errors.WithStack(err)
	}
	return domain.LockedState(batchId, row.AcquiredAt.Time), nil
}

func (l *SqlLock) unlock(ctx context.Context, filters ...exp.Expression) (bool, error) {
	filters = append(filters, goqu.C("id").Eq(lockRowId))
	result, err := l.db.Update(lockTable).Prepared(true).
		Set(goqu.Record{"locked": false, "batch_id": nil, "acquired_at": nil}).
		Where(filters...).
		Executor().ExecContext(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	affected, err := result.RowsAffected()
	return affected == 1, errors.WithStack(err)
}
