package delivery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/user/chordlog/internal/types"
)

// Dispatcher moves sealed sets off the consumer goroutine and delivers each
// one to every registered sink. Sinks receive sets in seal order; different
// sinks are written concurrently.
type Dispatcher struct {
	registry *Registry
	retry    *RetryPolicy
	logger   *slog.Logger
	pending  chan types.ParallelActionSet

	dropped   atomic.Int64
	failed    atomic.Int64
	delivered atomic.Int64

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher buffering up to backlog sets.
func NewDispatcher(registry *Registry, backlog int, retry *RetryPolicy) *Dispatcher {
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	if backlog <= 0 {
		backlog = 256
	}
	return &Dispatcher{
		registry: registry,
		retry:    retry,
		logger:   slog.Default(),
		pending:  make(chan types.ParallelActionSet, backlog),
	}
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for set := range d.pending {
			d.deliver(ctx, set)
		}
	}()
}

// Enqueue hands set to the delivery goroutine without blocking. When the
// backlog is full the set is dropped and counted. It is safe to register as
// an engine OnSealed callback.
func (d *Dispatcher) Enqueue(set types.ParallelActionSet) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.dropped.Add(1)
		return
	}
	select {
	case d.pending <- set:
	default:
		d.dropped.Add(1)
		d.logger.Warn("delivery backlog full, dropping batch", "batch_id", string(set.ID), "seq", set.Seq)
	}
}

// Stop stops accepting sets and waits for the backlog to be delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.pending)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, set types.ParallelActionSet) {
	names := d.registry.Names()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(len(names), 1))
	for _, name := range names {
		g.Go(func() error {
			err := d.retry.Execute(gctx, func() error {
				return d.registry.Deliver(gctx, name, set)
			})
			if err != nil {
				d.failed.Add(1)
				d.logger.Error("batch delivery failed", "sink", name, "batch_id", string(set.ID), "error", err)
				return nil
			}
			d.delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
}

// DeliveryStats reports dispatcher counters.
type DeliveryStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

func (d *Dispatcher) Stats() DeliveryStats {
	return DeliveryStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
