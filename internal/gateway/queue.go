package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/user/chordlog/internal/types"
)

// ErrQueueClosed is returned by Send after Close, and by Receive once the
// queue is closed and drained. It signals normal termination.
var ErrQueueClosed = errors.New("event queue closed")

// Queue is the ordered, single-consumer channel between event producers and
// the consumer loop. Any number of producers may Send concurrently; events
// are delivered in the order their sends completed.
type Queue struct {
	events chan types.RawEvent
	done   chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewQueue creates a Queue buffering up to capacity events.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		events: make(chan types.RawEvent, capacity),
		done:   make(chan struct{}),
	}
}

// Send enqueues ev, blocking while the buffer is full. It returns
// ErrQueueClosed if the queue is or becomes closed, or ctx's error.
func (q *Queue) Send(ctx context.Context, ev types.RawEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until an event is available. Events sent before Close are
// still delivered; after that it returns ErrQueueClosed.
func (q *Queue) Receive(ctx context.Context) (types.RawEvent, error) {
	select {
	case ev, ok := <-q.events:
		if !ok {
			return types.RawEvent{}, ErrQueueClosed
		}
		return ev, nil
	case <-ctx.Done():
		return types.RawEvent{}, ctx.Err()
	}
}

// C exposes the receive side for select loops. The channel is closed once
// the queue is closed and drained.
func (q *Queue) C() <-chan types.RawEvent {
	return q.events
}

// Close stops accepting events. Blocked senders are released with
// ErrQueueClosed. Close is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		q.closed = true
		close(q.events)
		q.mu.Unlock()
	})
}

// Len is the number of buffered events.
func (q *Queue) Len() int {
	return len(q.events)
}
