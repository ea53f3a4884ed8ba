package util

import (
	"math/rand"
	"sync"
)

// lockedSource serialises access to a rand.Source, which is not safe for concurrent use on its own.
type lockedSource struct {
	mu  sync.Mutex
	src rand.Source
}

func (s *lockedSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.Seed(seed)
}

// NewThreadsafeRand returns a *rand.Rand that can be shared by several goroutines.
// The same seed always yields the same sequence.
func NewThreadsafeRand(seed int64) *rand.Rand {
	return rand.New(&lockedSource{src: rand.NewSource(seed)})
}
