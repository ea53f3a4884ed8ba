package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/common/logging"
)

type cachedAssociation struct {
	batchId   uuid.UUID
	expiresAt time.Time
}

// PostgresChecksumStore keeps checksum reservations in a postgres table with a local LRU cache of
// finalized associations. Reservations expire ttl after they were last written; expired rows are
// ignored on read and removed by Cleanup.
// Releasing a checksum does not invalidate the caches of other nodes, which may keep reporting the
// old association until it expires.
type PostgresChecksumStore struct {
	cache     *simplelru.LRU
	db        *pgxpool.Pool
	tableName string
}

func NewPostgresChecksumStore(db *pgxpool.Pool, cacheSize int, tableName string) (*PostgresChecksumStore, error) {
	if db == nil {
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "db",
			Value:   db,
			Message: "db must be non-nil",
		})
	}
	if tableName == "" {
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "TableName",
			Value:   tableName,
			Message: "TableName must be non-empty",
		})
	}
	cache, err := simplelru.NewLRU(cacheSize, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &PostgresChecksumStore{
		cache:     cache,
		db:        db,
		tableName: tableName,
	}, nil
}

func (s *PostgresChecksumStore) ReserveOrGetExisting(ctx context.Context, checksum string, ttl time.Duration) (*uuid.UUID, error) {
	if cached, ok := s.cache.Get(checksum); ok {
		association := cached.(cachedAssociation)
		if time.Now().Before(association.expiresAt) {
			id := association.batchId
			return &id, nil
		}
		s.cache.Remove(checksum)
	}

	id, err := s.reserve(ctx, checksum, ttl)

	// If the table doesn't exist, create it and try again.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		if err := s.createTable(ctx); err != nil {
			return nil, err
		}
		id, err = s.reserve(ctx, checksum, ttl)
	}
	return id, err
}

func (s *PostgresChecksumStore) reserve(ctx context.Context, checksum string, ttl time.Duration) (*uuid.UUID, error) {
	var value string
	var inserted time.Time
	reserved := false
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// Expired reservations behave as if absent.
		sql := fmt.Sprintf("delete from %s where key=$1 and inserted <= (now() - $2::interval)", s.tableName)
		if _, err := tx.Exec(ctx, sql, checksum, ttl); err != nil {
			return err
		}

		sql = fmt.Sprintf("insert into %s (key, value, inserted) values ($1, $2, now()) on conflict (key) do nothing", s.tableName)
		tag, err := tx.Exec(ctx, sql, checksum, ReservedPlaceholder)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			reserved = true
			return nil
		}

		sql = fmt.Sprintf("select value, inserted from %s where key=$1", s.tableName)
		return tx.QueryRow(ctx, sql, checksum).Scan(&value, &inserted)
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if reserved {
		return nil, nil
	}

	id, err := parseReservation(checksum, value)
	if err != nil {
		return nil, err
	}
	s.cache.Add(checksum, cachedAssociation{batchId: *id, expiresAt: inserted.Add(ttl)})
	return id, nil
}

func (s *PostgresChecksumStore) Associate(ctx context.Context, checksum string, batchId uuid.UUID, ttl time.Duration) error {
	sql := fmt.Sprintf(
		"insert into %s (key, value, inserted) values ($1, $2, now()) on conflict (key) do update set value = excluded.value, inserted = excluded.inserted",
		s.tableName)
	if _, err := s.db.Exec(ctx, sql, checksum, batchId.String()); err != nil {
		return errors.WithStack(err)
	}
	s.cache.Add(checksum, cachedAssociation{batchId: batchId, expiresAt: time.Now().Add(ttl)})
	return nil
}

func (s *PostgresChecksumStore) Release(ctx context.Context, checksum string) error {
	s.cache.Remove(checksum)
	sql := fmt.Sprintf("delete from %s where key=$1", s.tableName)
	_, err := s.db.Exec(ctx, sql, checksum)
	return errors.WithStack(err)
}

func (s *PostgresChecksumStore) createTable(ctx context.Context) error {
	var pgErr *pgconn.PgError
	_, err := s.db.Exec(ctx, fmt.Sprintf("create table %s (key text primary key, value text not null, inserted timestamptz not null);", s.tableName))
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.DuplicateTable { // Someone else just created it, which is fine.
		return nil
	}
	return errors.WithStack(err)
}

// Cleanup removes all reservations older than lifespan.
func (s *PostgresChecksumStore) Cleanup(ctx context.Context, lifespan time.Duration) error {
	sql := fmt.Sprintf("delete from %s where (inserted <= (now() - $1::interval));", s.tableName)
	_, err := s.db.Exec(ctx, sql, lifespan)
	return errors.WithStack(err)
}

// PeriodicCleanup runs Cleanup every interval until ctx is cancelled.
func (s *PostgresChecksumStore) PeriodicCleanup(ctx context.Context, interval time.Duration, lifespan time.Duration) error {
	log := logrus.StandardLogger().WithField("service", "ChecksumStoreCleanup")
	log.Info("service started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			err := s.Cleanup(ctx, lifespan)
			if err != nil {
				logging.WithStacktrace(log, err).WithField("delay", time.Since(start)).Warn("cleanup failed")
			} else {
				log.WithField("delay", time.Since(start)).Info("cleanup succeeded")
			}
		}
	}
}
