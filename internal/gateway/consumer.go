package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/chordlog/internal/engine"
)

// Consumer is the single goroutine that drains the queue into the engine.
type Consumer struct {
	queue      *Queue
	engine     *engine.Engine
	policy     engine.ShutdownPolicy
	sweepEvery time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithShutdownPolicy sets what happens to an unsealed batch on exit.
func WithShutdownPolicy(p engine.ShutdownPolicy) ConsumerOption {
	return func(c *Consumer) { c.policy = p }
}

// WithSweepInterval enables periodic stuck-key sweeps against the consumer
// clock. Only meaningful for live sources whose timestamps track that clock.
func WithSweepInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.sweepEvery = d }
}

func WithConsumerClock(fn func() time.Time) ConsumerOption {
	return func(c *Consumer) { c.clock = fn }
}

func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

func NewConsumer(queue *Queue, eng *engine.Engine, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:  queue,
		engine: eng,
		policy: engine.ShutdownFlush,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run feeds events to the engine until the queue is closed and drained or
// ctx is cancelled, then applies the shutdown policy. A closed queue is a
// normal exit and returns nil; cancellation returns ctx's error.
func (c *Consumer) Run(ctx context.Context) error {
	var sweep <-chan time.Time
	if c.sweepEvery > 0 {
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		sweep = ticker.C
	}

	events := c.queue.C()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.shutdown("queue closed")
				return nil
			}
			c.engine.PushEvent(ev)
		case <-sweep:
			c.engine.Sweep(c.clock())
		case <-ctx.Done():
			c.shutdown("context cancelled")
			return ctx.Err()
		}
	}
}

func (c *Consumer) shutdown(reason string) {
	stats := c.engine.Stats()
	c.logger.Info("consumer stopping",
		"reason", reason,
		"policy", string(c.policy),
		"events", stats.Events,
		"sealed", stats.Sealed,
	)
	c.engine.Close(c.policy)
}
