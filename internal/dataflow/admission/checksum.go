package admission

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
)

// ReservedPlaceholder marks a checksum whose batch is being created.
const ReservedPlaceholder = "RESERVED"

// ChecksumStore deduplicates uploads by content checksum.
type ChecksumStore interface {
	// ReserveOrGetExisting atomically reserves checksum if nobody holds it and returns nil.
	// If a batch is already associated with checksum its id is returned.
	// If another caller holds the reservation without having associated a batch yet,
	// *dataflowerrors.ErrReservationInProgress is returned.
	ReserveOrGetExisting(ctx context.Context, checksum string, ttl time.Duration) (*uuid.UUID, error)
	// Associate replaces the reservation with the id of the created batch.
	Associate(ctx context.Context, checksum string, batchId uuid.UUID, ttl time.Duration) error
	// Release drops the reservation, e.g. when creating the batch failed.
	Release(ctx context.Context, checksum string) error
}

type RedisChecksumStore struct {
	db redis.UniversalClient
}

func NewRedisChecksumStore(db redis.UniversalClient) *RedisChecksumStore {
	return &RedisChecksumStore{db: db}
}

func checksumKey(checksum string) string {
	return "checksum:" + checksum
}

func (s *RedisChecksumStore) ReserveOrGetExisting(_ context.Context, checksum string, ttl time.Duration) (*uuid.UUID, error) {
	key := checksumKey(checksum)
	// The second round covers a key expiring between SETNX and GET.
	for i := 0; i < 2; i++ {
		reserved, err := s.db.SetNX(key, ReservedPlaceholder, ttl).Result()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if reserved {
			return nil, nil
		}
		value, err := s.db.Get(key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return parseReservation(checksum, value)
	}
	return nil, errors.WithStack(&dataflowerrors.ErrReservationInProgress{Checksum: checksum})
}

func (s *RedisChecksumStore) Associate(_ context.Context, checksum string, batchId uuid.UUID, ttl time.Duration) error {
	return errors.WithStack(s.db.Set(checksumKey(checksum), batchId.String(), ttl).Err())
}

func (s *RedisChecksumStore) Release(_ context.Context, checksum string) error {
	return errors.WithStack(s.db.Del(checksumKey(checksum)).Err())
}

func parseReservation(checksum string, value string) (*uuid.UUID, error) {
	if value == ReservedPlaceholder {
		return nil, errors.WithStack(&dataflowerrors.ErrReservationInProgress{Checksum: checksum})
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid batch id stored for checksum %s", checksum)
	}
	return &id, nil
}
