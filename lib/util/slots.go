package util

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Slots bounds the number of outstanding items of a queue.
// A nil *Slots is unbounded: Acquire never blocks and Release is a no-op.
type Slots struct {
	sem *semaphore.Weighted
}

// NewSlots creates a bound of n outstanding items. n <= 0 returns nil (unbounded).
func NewSlots(n int) *Slots {
	if n <= 0 {
		return nil
	}
	return &Slots{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire reserves one slot and blocks while none is free.
// It only fails if ctx is done.
func (s *Slots) Acquire(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.sem.Acquire(ctx, 1)
}

// Release frees one slot.
func (s *Slots) Release() {
	if s == nil {
		return
	}
	s.sem.Release(1)
}
