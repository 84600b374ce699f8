package scheduler

import (
	"log/slog"

	"github.com/user/chordlog/internal/types"
)

// DrainJob is the job name used for periodic history drains.
const DrainJob = "drain"

// Drainer releases retained sealed sets.
type Drainer interface {
	Drain() []types.ParallelActionSet
}

// DrainHandler returns a Handler that drains h when the drain job fires.
// Sets are only dropped from memory; sinks already received them when they
// sealed.
func DrainHandler(h Drainer, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string) {
		if name != DrainJob {
			return
		}
		drained := h.Drain()
		logger.Info("history drained", "sets", len(drained))
	}
}
