package admission

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/dataflow/internal/common/database"
	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
)

func TestNewPostgresChecksumStore_InvalidArguments(t *testing.T) {
	_, err := NewPostgresChecksumStore(nil, 10, "checksums")
	var invalid *dataflowerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)
}

func TestPostgresChecksumStore(t *testing.T) {
	if !database.PostgresAvailable() {
		t.Skip("postgres is not available")
	}
	err := database.WithTestDb(nil, func(db *pgxpool.Pool, _ string) error {
		ctx := context.Background()
		store, err := NewPostgresChecksumStore(db, 100, "checksum_reservations")
		require.NoError(t, err)

		// the table is created on first use
		existing, err := store.ReserveOrGetExisting(ctx, "abc", time.Hour)
		require.NoError(t, err)
		assert.Nil(t, existing)

		_, err = store.ReserveOrGetExisting(ctx, "abc", time.Hour)
		var inProgress *dataflowerrors.ErrReservationInProgress
		require.ErrorAs(t, err, &inProgress)

		batchId := uuid.New()
		require.NoError(t, store.Associate(ctx, "abc", batchId, time.Hour))
		existing, err = store.ReserveOrGetExisting(ctx, "abc", time.Hour)
		require.NoError(t, err)
		require.NotNil(t, existing)
		assert.Equal(t, batchId, *existing)

		require.NoError(t, store.Release(ctx, "abc"))
		existing, err = store.ReserveOrGetExisting(ctx, "abc", time.Hour)
		require.NoError(t, err)
		assert.Nil(t, existing)

		require.NoError(t, store.Cleanup(ctx, 0))
		return nil
	})
	require.NoError(t, err)
}
