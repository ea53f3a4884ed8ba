package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
)

func TestRedisChecksumStore_ReserveAssociate(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		store := NewRedisChecksumStore(client)
		ctx := context.Background()

		existing, err := store.ReserveOrGetExisting(ctx, "abc", 24*time.Hour)
		require.NoError(t, err)
		assert.Nil(t, existing)
		value, err := db.Get("checksum:abc")
		require.NoError(t, err)
		assert.Equal(t, ReservedPlaceholder, value)
		assert.Equal(t, 24*time.Hour, db.TTL("checksum:abc"))

		// a second caller must not be told to create another batch
		_, err = store.ReserveOrGetExisting(ctx, "abc", 24*time.Hour)
		var inProgress *dataflowerrors.ErrReservationInProgress
		require.ErrorAs(t, err, &inProgress)
		assert.Equal(t, "abc", inProgress.Checksum)

		batchId := uuid.New()
		require.NoError(t, store.Associate(ctx, "abc", batchId, 24*time.Hour))

		existing, err = store.ReserveOrGetExisting(ctx, "abc", 24*time.Hour)
		require.NoError(t, err)
		require.NotNil(t, existing)
		assert.Equal(t, batchId, *existing)
	})
}

func TestRedisChecksumStore_Release(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		store := NewRedisChecksumStore(client)
		ctx := context.Background()

		_, err := store.ReserveOrGetExisting(ctx, "abc", time.Hour)
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, "abc"))
		assert.False(t, db.Exists("checksum:abc"))

		existing, err := store.ReserveOrGetExisting(ctx, "abc", time.Hour)
		require.NoError(t, err)
		assert.Nil(t, existing)
	})
}

func TestRedisChecksumStore_ReservationExpires(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		store := NewRedisChecksumStore(client)
		ctx := context.Background()

		_, err := store.ReserveOrGetExisting(ctx, "abc", time.Hour)
		require.NoError(t, err)
		db.FastForward(2 * time.Hour)

		existing, err := store.ReserveOrGetExisting(ctx, "abc", time.Hour)
		require.NoError(t, err)
		assert.Nil(t, existing)
	})
}

func TestRedisChecksumStore_CorruptValue(t *testing.T) {
	withRedis(t, func(db *miniredis.Miniredis, client redis.UniversalClient) {
		require.NoError(t, db.Set("checksum:abc", "not-a-uuid"))
		_, err := NewRedisChecksumStore(client).ReserveOrGetExisting(context.Background(), "abc", time.Hour)
		assert.Error(t, err)
		assert.False(t, dataflowerrors.IsAdmissionRejection(err))
	})
}
