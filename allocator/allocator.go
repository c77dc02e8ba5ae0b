// Package allocator implements the bounded wraparound index allocator of
// spec.md §4.1.
package allocator

import (
	"sync"

	"github.com/lsst-ts/scriptqueue/qerr"
)

// LiveFunc reports whether idx currently names a live script (present in
// pending, current, or history). The allocator does not own the queue; the
// caller supplies this predicate.
type LiveFunc func(idx int) bool

// Allocator hands out unique integers from [Min, Max] (inclusive), wrapping
// to Min after Max, and skipping any index the caller's LiveFunc reports as
// still live.
type Allocator struct {
	mu   sync.Mutex
	next int
	min  int
	max  int
}

// New creates an Allocator over [min, max] inclusive. Panics if max < min,
// since that is a construction-time invariant violation, not a runtime
// condition callers should need to handle.
func New(min, max int) *Allocator {
	if max < min {
		panic("allocator: max must be >= min")
	}
	return &Allocator{next: min, min: min, max: max}
}

// Allocate returns the next free index, advancing the internal cursor past
// it. Returns qerr.ErrAllocExhausted if a full wrap finds no free index.
func (a *Allocator) Allocate(isLive LiveFunc) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.next
	for {
		candidate := a.next
		a.advance()
		if !isLive(candidate) {
			return candidate, nil
		}
		if a.next == start {
			return 0, qerr.New(qerr.ErrAllocExhausted, "allocate", nil)
		}
	}
}

// advance moves next to the following slot, wrapping at max back to min.
// Caller must hold mu.
func (a *Allocator) advance() {
	if a.next >= a.max {
		a.next = a.min
	} else {
		a.next++
	}
}

// Min returns the lower bound of the allocator's range.
func (a *Allocator) Min() int {
	return a.min
}

// Max returns the upper bound of the allocator's range.
func (a *Allocator) Max() int {
	return a.max
}
