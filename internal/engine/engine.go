// Package engine correlates raw input events into timed key actions and
// groups overlapping actions into sealed batches.
//
// An Engine is driven by a single goroutine: PushEvent, Sweep and Close must
// not be called concurrently. History reads (CurrentHistory, SealedBatches,
// Stats) are safe from any goroutine.
package engine

import (
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/user/chordlog/internal/types"
)

// ShutdownPolicy decides what happens to an unsealed batch when input ends.
type ShutdownPolicy string

const (
	// ShutdownFlush seals the in-progress batch as a final partial set.
	ShutdownFlush ShutdownPolicy = "flush"
	// ShutdownDiscard drops the in-progress batch.
	ShutdownDiscard ShutdownPolicy = "discard"
)

// ParseShutdownPolicy maps a config string to a policy; empty means flush.
func ParseShutdownPolicy(s string) (ShutdownPolicy, bool) {
	switch ShutdownPolicy(s) {
	case "", ShutdownFlush:
		return ShutdownFlush, true
	case ShutdownDiscard:
		return ShutdownDiscard, true
	}
	return "", false
}

// Stats is a point-in-time copy of engine counters.
type Stats struct {
	Events           int64 `json:"events"`
	Actions          int64 `json:"actions"`
	Sealed           int64 `json:"sealed"`
	Held             int64 `json:"held"`
	UnmatchedRelease int64 `json:"unmatched_release"`
	DuplicatePress   int64 `json:"duplicate_press"`
	TimingErrors     int64 `json:"timing_errors"`
	StuckKeys        int64 `json:"stuck_keys"`
}

type counters struct {
	events, actions, held                   atomic.Int64
	unmatched, duplicate, timing, stuckKeys atomic.Int64
}

// Engine wires the correlator, grouper and history into one pipeline.
type Engine struct {
	correlator *Correlator
	grouper    *Grouper
	history    *History
	observer   Observer
	logger     *slog.Logger
	maxHold    time.Duration

	prev    types.RawEvent
	hasPrev bool
	stats   counters
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger     *slog.Logger
	observer   Observer
	maxHold    time.Duration
	historyCap int
	clock      func() time.Time
}

func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

func WithObserver(obs Observer) Option {
	return func(o *engineOptions) { o.observer = obs }
}

// WithMaxHold evicts presses held longer than d. Zero disables eviction.
func WithMaxHold(d time.Duration) Option {
	return func(o *engineOptions) { o.maxHold = d }
}

// WithHistoryCap bounds the number of retained sets. Zero is unbounded.
func WithHistoryCap(n int) Option {
	return func(o *engineOptions) { o.historyCap = n }
}

// WithClock sets the clock used to stamp SealedAt.
func WithClock(fn func() time.Time) Option {
	return func(o *engineOptions) { o.clock = fn }
}

func New(opts ...Option) *Engine {
	o := engineOptions{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.observer == nil {
		o.observer = NopObserver{}
	}
	history := NewHistory(o.historyCap)
	return &Engine{
		correlator: NewCorrelator(),
		grouper:    NewGrouper(history, o.clock),
		history:    history,
		observer:   o.observer,
		logger:     o.logger,
		maxHold:    o.maxHold,
	}
}

// PushEvent feeds one event through the pipeline. Anomalies are logged and
// reported to the observer; they never stop processing.
func (e *Engine) PushEvent(ev types.RawEvent) {
	repeat := e.hasPrev && e.prev.SamePayload(ev)
	e.prev, e.hasPrev = ev, true
	e.stats.events.Add(1)
	e.observer.OnEvent(ev, repeat)

	if !ev.Kind.IsKey() {
		return
	}

	if e.maxHold > 0 && e.evict(ev.Time) {
		e.observe(nil)
	}

	action, err := e.correlator.Process(ev)
	if err != nil {
		e.anomaly(classify(err), ev, err)
	}
	if action != nil {
		e.stats.actions.Add(1)
	}
	e.observe(action)
}

// Sweep evicts stuck presses as of now. It is a no-op without a max hold.
func (e *Engine) Sweep(now time.Time) {
	if e.maxHold <= 0 {
		return
	}
	if e.evict(now) {
		e.observe(nil)
	}
}

func (e *Engine) evict(now time.Time) bool {
	evicted := e.correlator.EvictStale(now, e.maxHold)
	for _, k := range evicted {
		ev := types.RawEvent{Kind: types.KindKeyPress, Key: k, Time: now}
		e.anomaly(AnomalyStuckKey, ev, ErrStuckKey)
	}
	return len(evicted) > 0
}

func (e *Engine) observe(action *types.Action) {
	e.stats.held.Store(int64(e.correlator.Len()))
	set, sealed := e.grouper.Observe(action, e.correlator.Empty())
	if sealed {
		e.logger.Debug("batch sealed", "batch_id", string(set.ID), "seq", set.Seq, "actions", len(set.Actions))
		e.observer.OnSealed(set)
	}
}

func (e *Engine) anomaly(kind AnomalyKind, ev types.RawEvent, err error) {
	switch kind {
	case AnomalyUnmatchedRelease:
		e.stats.unmatched.Add(1)
		e.logger.Debug("unmatched release ignored", "key", string(ev.Key))
	case AnomalyDuplicatePress:
		e.stats.duplicate.Add(1)
		e.logger.Debug("duplicate press ignored", "key", string(ev.Key))
	case AnomalyTiming:
		e.stats.timing.Add(1)
		e.logger.Warn("action dropped", "key", string(ev.Key), "error", err)
	case AnomalyStuckKey:
		e.stats.stuckKeys.Add(1)
		e.logger.Warn("stuck key evicted", "key", string(ev.Key), "max_hold", e.maxHold)
	}
	e.observer.OnAnomaly(kind, ev, err)
}

// Close ends the current input stream. Open presses are dropped; the
// in-progress batch is flushed as a partial set or discarded per policy.
// It returns the flushed set, if any.
func (e *Engine) Close(policy ShutdownPolicy) (types.ParallelActionSet, bool) {
	held := e.correlator.Reset()
	e.stats.held.Store(0)
	if len(held) > 0 {
		e.logger.Info("dropping open presses at shutdown", "keys", held)
	}
	if policy == ShutdownDiscard {
		if n := e.grouper.Discard(); n > 0 {
			e.logger.Info("discarded unsealed batch", "actions", n)
		}
		return types.ParallelActionSet{}, false
	}
	set, ok := e.grouper.Flush(true)
	if ok {
		e.logger.Info("flushed partial batch", "batch_id", string(set.ID), "actions", len(set.Actions))
		e.observer.OnSealed(set)
	}
	return set, ok
}

// OnSealed registers fn for every set sealed after registration.
func (e *Engine) OnSealed(fn func(types.ParallelActionSet)) {
	e.history.OnSealed(fn)
}

// SealedBatches lazily yields the sets sealed so far. The sequence may be
// ranged over repeatedly.
func (e *Engine) SealedBatches() iter.Seq[types.ParallelActionSet] {
	return e.history.All()
}

// CurrentHistory returns a snapshot of the retained sets.
func (e *Engine) CurrentHistory() []types.ParallelActionSet {
	return e.history.Snapshot()
}

// History exposes the underlying log for draining.
func (e *Engine) History() *History {
	return e.history
}

// Held lists the keys currently held. Only call from the feeding goroutine.
func (e *Engine) Held() []types.Key {
	return e.correlator.Held()
}

// Pending lists the unsealed actions. Only call from the feeding goroutine.
func (e *Engine) Pending() []types.Action {
	return e.grouper.Pending()
}

func (e *Engine) Stats() Stats {
	return Stats{
		Events:           e.stats.events.Load(),
		Actions:          e.stats.actions.Load(),
		Sealed:           e.history.Sealed(),
		Held:             e.stats.held.Load(),
		UnmatchedRelease: e.stats.unmatched.Load(),
		DuplicatePress:   e.stats.duplicate.Load(),
		TimingErrors:     e.stats.timing.Load(),
		StuckKeys:        e.stats.stuckKeys.Load(),
	}
}
