package engine

import (
	"iter"
	"sync"

	"github.com/user/chordlog/internal/types"
)

// History is the append-only log of sealed sets. Only the consumer goroutine
// appends; readers on other goroutines (API, drain scheduler) take snapshots.
type History struct {
	mu       sync.RWMutex
	sets     []types.ParallelActionSet
	sealed   int64
	maxSets  int
	handlers []func(types.ParallelActionSet)
}

// NewHistory creates a History. A positive maxSets caps how many sets are
// retained; the oldest are evicted first.
func NewHistory(maxSets int) *History {
	return &History{maxSets: maxSets}
}

// Append records a sealed set and notifies OnSealed handlers.
func (h *History) Append(set types.ParallelActionSet) {
	h.mu.Lock()
	h.sets = append(h.sets, set)
	h.sealed++
	if h.maxSets > 0 && len(h.sets) > h.maxSets {
		n := copy(h.sets, h.sets[len(h.sets)-h.maxSets:])
		clear(h.sets[n:])
		h.sets = h.sets[:n]
	}
	handlers := h.handlers
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(set)
	}
}

// OnSealed registers fn to be called, on the appending goroutine, for every
// set appended after registration.
func (h *History) OnSealed(fn func(types.ParallelActionSet)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers[:len(h.handlers):len(h.handlers)], fn)
}

// Snapshot returns a copy of the retained sets in seal order.
func (h *History) Snapshot() []types.ParallelActionSet {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.ParallelActionSet, len(h.sets))
	copy(out, h.sets)
	return out
}

// All yields the retained sets in seal order. Each call starts from the
// oldest retained set and stops at the last set sealed so far.
func (h *History) All() iter.Seq[types.ParallelActionSet] {
	return func(yield func(types.ParallelActionSet) bool) {
		for i := 0; ; i++ {
			h.mu.RLock()
			if i >= len(h.sets) {
				h.mu.RUnlock()
				return
			}
			set := h.sets[i]
			h.mu.RUnlock()
			if !yield(set) {
				return
			}
		}
	}
}

// Len is the number of retained sets.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sets)
}

// Sealed is the total number of sets ever appended, including those since
// evicted or drained.
func (h *History) Sealed() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sealed
}

// Drain removes and returns every retained set.
func (h *History) Drain() []types.ParallelActionSet {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.sets
	h.sets = nil
	return out
}
