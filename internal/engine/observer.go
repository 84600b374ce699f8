package engine

import (
	"log/slog"

	"github.com/user/chordlog/internal/types"
)

// Observer receives trace callbacks from the engine. Callbacks run on the
// goroutine that feeds the engine and must not block.
type Observer interface {
	// OnEvent is called for every event before correlation. repeat is true
	// when ev carries the same kind and payload as the previous event.
	OnEvent(ev types.RawEvent, repeat bool)
	// OnAnomaly is called for every recovered anomaly.
	OnAnomaly(kind AnomalyKind, ev types.RawEvent, err error)
	// OnSealed is called after set is appended to history, including the
	// partial set flushed at shutdown.
	OnSealed(set types.ParallelActionSet)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) OnEvent(types.RawEvent, bool)                 {}
func (NopObserver) OnAnomaly(AnomalyKind, types.RawEvent, error) {}
func (NopObserver) OnSealed(types.ParallelActionSet)             {}

// LogObserver logs every callback at debug level, tagging auto-repeats.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o LogObserver) OnEvent(ev types.RawEvent, repeat bool) {
	o.logger().Debug("input event",
		"kind", string(ev.Kind),
		"key", string(ev.Key),
		"button", string(ev.Button),
		"repeat", repeat,
		"at", ev.Time,
	)
}

func (o LogObserver) OnAnomaly(kind AnomalyKind, ev types.RawEvent, err error) {
	o.logger().Debug("input anomaly", "kind", string(kind), "key", string(ev.Key), "error", err)
}

func (o LogObserver) OnSealed(set types.ParallelActionSet) {
	o.logger().Debug("batch observed",
		"seq", set.Seq,
		"keys", set.Keys(),
		"partial", set.Partial,
	)
}
