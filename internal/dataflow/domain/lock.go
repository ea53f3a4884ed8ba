package domain

import (
	"time"

	"github.com/google/uuid"
)

// LockState is a snapshot of the cluster-wide batch lock.
// When Locked is false, BatchId and AcquiredAt are nil.
type LockState struct {
	Locked     bool
	BatchId    *uuid.UUID
	AcquiredAt *time.Time
}

func UnlockedState() LockState {
	return LockState{}
}

func LockedState(batchId uuid.UUID, acquiredAt time.Time) LockState {
	t := acquiredAt.UTC()
	return LockState{Locked: true, BatchId: &batchId, AcquiredAt: &t}
}

// IsExpired returns true if the lock is held and was acquired more than timeout before now.
func (s LockState) IsExpired(now time.Time, timeout time.Duration) bool {
	if !s.Locked || s.AcquiredAt == nil {
		return false
	}
	return now.Sub(*s.AcquiredAt) > timeout
}
