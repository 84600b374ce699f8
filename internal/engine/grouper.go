package engine

import (
	"time"

	"github.com/user/chordlog/internal/types"
)

// Grouper accumulates actions into the in-progress set and seals it into
// History whenever the open-press table returns to empty.
type Grouper struct {
	history *History
	pending []types.Action
	seq     int64
	clock   func() time.Time
}

func NewGrouper(history *History, clock func() time.Time) *Grouper {
	if clock == nil {
		clock = time.Now
	}
	return &Grouper{history: history, clock: clock}
}

// Observe appends action (if any) to the in-progress set and seals the set
// when tableEmpty is true and it holds at least one action. The seal check
// runs even when action is nil so that a press dropped as an anomaly still
// closes its batch.
func (g *Grouper) Observe(action *types.Action, tableEmpty bool) (types.ParallelActionSet, bool) {
	if action != nil {
		g.pending = append(g.pending, *action)
	}
	if !tableEmpty || len(g.pending) == 0 {
		return types.ParallelActionSet{}, false
	}
	return g.seal(false), true
}

// Pending returns a copy of the unsealed actions.
func (g *Grouper) Pending() []types.Action {
	out := make([]types.Action, len(g.pending))
	copy(out, g.pending)
	return out
}

// Flush seals whatever is in progress regardless of table state.
func (g *Grouper) Flush(partial bool) (types.ParallelActionSet, bool) {
	if len(g.pending) == 0 {
		return types.ParallelActionSet{}, false
	}
	return g.seal(partial), true
}

// Discard drops the in-progress set and returns how many actions it held.
func (g *Grouper) Discard() int {
	n := len(g.pending)
	g.pending = nil
	return n
}

func (g *Grouper) seal(partial bool) types.ParallelActionSet {
	g.seq++
	set := types.ParallelActionSet{
		ID:       types.NewBatchID(),
		Seq:      g.seq,
		Actions:  g.pending,
		SealedAt: g.clock().UTC(),
		Partial:  partial,
	}
	g.pending = nil
	g.history.Append(set)
	return set
}
