// Package source produces raw input events for the pipeline.
package source

import (
	"context"
	"fmt"

	"github.com/user/chordlog/internal/types"
)

// EventSource emits raw events in timestamp order.
type EventSource interface {
	Stream(ctx context.Context, emit func(types.RawEvent) error) error
}

// EventSourceFunc adapts a function literal to the EventSource interface.
type EventSourceFunc func(ctx context.Context, emit func(types.RawEvent) error) error

// Stream calls the underlying function.
func (f EventSourceFunc) Stream(ctx context.Context, emit func(types.RawEvent) error) error {
	return f(ctx, emit)
}

// Ingester accepts validated events, e.g. a gateway.
type Ingester interface {
	Ingest(ctx context.Context, events ...types.RawEvent) error
}

// Pump streams src into dst until the source ends or fails. It returns the
// number of events handed to dst.
func Pump(ctx context.Context, src EventSource, dst Ingester) (int, error) {
	n := 0
	err := src.Stream(ctx, func(ev types.RawEvent) error {
		if err := dst.Ingest(ctx, ev); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("pump events: %w", err)
	}
	return n, nil
}

// Collect drains src into a slice. Used for offline analysis.
func Collect(ctx context.Context, src EventSource) ([]types.RawEvent, error) {
	var out []types.RawEvent
	err := src.Stream(ctx, func(ev types.RawEvent) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}
