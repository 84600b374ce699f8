package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/user/chordlog/internal/types"
)

// Correlator matches key presses with their releases. It owns the table of
// open presses, keyed by key identity. It is not safe for concurrent use.
type Correlator struct {
	open map[types.Key]time.Time
}

func NewCorrelator() *Correlator {
	return &Correlator{open: make(map[types.Key]time.Time)}
}

// Process feeds one event to the correlator. It returns an Action when ev is
// the release of an open press. Returned errors are recoverable anomalies;
// the table is always left in a valid state.
func (c *Correlator) Process(ev types.RawEvent) (*types.Action, error) {
	switch ev.Kind {
	case types.KindKeyPress:
		if _, held := c.open[ev.Key]; held {
			return nil, fmt.Errorf("key %s: %w", ev.Key, ErrDuplicatePress)
		}
		c.open[ev.Key] = ev.Time
		return nil, nil

	case types.KindKeyRelease:
		pressed, held := c.open[ev.Key]
		if !held {
			return nil, fmt.Errorf("key %s: %w", ev.Key, ErrUnmatchedRelease)
		}
		delete(c.open, ev.Key)
		if ev.Time.Before(pressed) {
			return nil, &TimingError{Key: ev.Key, Pressed: pressed, Released: ev.Time}
		}
		return &types.Action{
			Key:       ev.Key,
			StartTime: pressed,
			Duration:  ev.Time.Sub(pressed),
		}, nil
	}
	return nil, nil
}

// Empty reports whether no key is currently held.
func (c *Correlator) Empty() bool {
	return len(c.open) == 0
}

func (c *Correlator) Len() int {
	return len(c.open)
}

// Held returns the currently held keys in sorted order.
func (c *Correlator) Held() []types.Key {
	keys := make([]types.Key, 0, len(c.open))
	for k := range c.open {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// EvictStale drops presses held for longer than maxHold as of now and
// returns the evicted keys in sorted order. A non-positive maxHold disables
// eviction.
func (c *Correlator) EvictStale(now time.Time, maxHold time.Duration) []types.Key {
	if maxHold <= 0 {
		return nil
	}
	var evicted []types.Key
	for k, pressed := range c.open {
		if now.Sub(pressed) > maxHold {
			evicted = append(evicted, k)
		}
	}
	for _, k := range evicted {
		delete(c.open, k)
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	return evicted
}

// Reset drops every open press and returns the keys that were held.
func (c *Correlator) Reset() []types.Key {
	held := c.Held()
	clear(c.open)
	return held
}
