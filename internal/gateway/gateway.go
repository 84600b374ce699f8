package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/chordlog/internal/engine"
	"github.com/user/chordlog/internal/types"
)

// Gateway owns the event queue and its consumer. Producers submit events
// through Ingest; the consumer runs on its own goroutine between Start and
// Stop.
type Gateway struct {
	Queue    *Queue
	consumer *Consumer

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	err    error
}

// New creates a Gateway feeding eng through a queue of the given capacity.
func New(eng *engine.Engine, capacity int, opts ...ConsumerOption) *Gateway {
	queue := NewQueue(capacity)
	consumer := NewConsumer(queue, eng, opts...)
	return &Gateway{
		Queue:    queue,
		consumer: consumer,
	}
}

// Start launches the consumer goroutine.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := g.consumer.Run(ctx)
		g.mu.Lock()
		g.err = err
		g.mu.Unlock()
	}()
}

// Stop closes the queue and waits for the consumer to drain it and apply
// its shutdown policy.
func (g *Gateway) Stop() error {
	g.Queue.Close()
	g.wg.Wait()
	if g.cancel != nil {
		g.cancel()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Ingest validates and enqueues events in order. It stops at the first
// invalid event or send failure.
func (g *Gateway) Ingest(ctx context.Context, events ...types.RawEvent) error {
	for i, ev := range events {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if err := g.Queue.Send(ctx, ev); err != nil {
			return fmt.Errorf("enqueue event %d: %w", i, err)
		}
	}
	return nil
}
