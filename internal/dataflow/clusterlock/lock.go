// Package clusterlock provides the cluster-wide mutex that serializes batch processing.
//
// There is exactly one lock for the whole cluster, not one per batch: while any batch is being
// processed no other batch may start, on any worker. Two implementations are available: a row in
// the relational store (SqlLock) and a quorum lock over independent redis nodes (RedLock).
package clusterlock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

type Lock interface {
	// TryAcquire takes the lock on behalf of batchId. It returns false if the lock is held, and also
	// if the store could not be reached; such errors are logged rather than returned.
	TryAcquire(ctx context.Context, batchId uuid.UUID) bool
	// Release frees the lock if it is held by batchId. Releasing a lock that is free or held by
	// another batch is a no-op.
	Release(ctx context.Context, batchId uuid.UUID) error
	// IsExpired reports whether the lock is held and was acquired more than timeout ago.
	IsExpired(ctx context.Context, timeout time.Duration) (bool, error)
	// ForceReleaseExpired frees the lock regardless of its holder if it is expired.
	// It returns true if a lock was released.
	ForceReleaseExpired(ctx context.Context, timeout time.Duration) (bool, error)
	Status(ctx context.Context) (domain.LockState, error)
}
