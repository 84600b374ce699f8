package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/user/chordlog/internal/types"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

func press(k types.Key, ms int) types.RawEvent   { return types.KeyPress(k, at(ms)) }
func release(k types.Key, ms int) types.RawEvent { return types.KeyRelease(k, at(ms)) }

type recordingObserver struct {
	events    int
	repeats   int
	anomalies []AnomalyKind
	errs      []error
	sealed    []types.ParallelActionSet
}

func (r *recordingObserver) OnEvent(_ types.RawEvent, repeat bool) {
	r.events++
	if repeat {
		r.repeats++
	}
}

func (r *recordingObserver) OnAnomaly(kind AnomalyKind, _ types.RawEvent, err error) {
	r.anomalies = append(r.anomalies, kind)
	r.errs = append(r.errs, err)
}

func (r *recordingObserver) OnSealed(set types.ParallelActionSet) {
	r.sealed = append(r.sealed, set)
}

func feed(e *Engine, events ...types.RawEvent) {
	for _, ev := range events {
		e.PushEvent(ev)
	}
}

func assertAction(t *testing.T, got types.Action, key types.Key, startMs, durMs int) {
	t.Helper()
	if got.Key != key {
		t.Errorf("expected key %s, got %s", key, got.Key)
	}
	if !got.StartTime.Equal(at(startMs)) {
		t.Errorf("expected start %v, got %v", at(startMs), got.StartTime)
	}
	if want := time.Duration(durMs) * time.Millisecond; got.Duration != want {
		t.Errorf("expected duration %v, got %v", want, got.Duration)
	}
}

func TestSinglePair(t *testing.T) {
	e := New()
	feed(e, press("KeyA", 0), release("KeyA", 7))

	history := e.CurrentHistory()
	if len(history) != 1 {
		t.Fatalf("expected 1 sealed set, got %d", len(history))
	}
	if len(history[0].Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(history[0].Actions))
	}
	assertAction(t, history[0].Actions[0], "KeyA", 0, 7)
	if history[0].Seq != 1 || history[0].ID == "" || history[0].Partial {
		t.Errorf("unexpected set metadata %+v", history[0])
	}
}

func TestOverlapSealsOnLastRelease(t *testing.T) {
	e := New()
	feed(e, press("KeyA", 0), press("KeyB", 5), release("KeyA", 10))

	if n := len(e.CurrentHistory()); n != 0 {
		t.Fatalf("expected no sealed set while KeyB is held, got %d", n)
	}
	if pending := e.Pending(); len(pending) != 1 {
		t.Fatalf("expected 1 pending action, got %d", len(pending))
	}

	e.PushEvent(release("KeyB", 15))

	history := e.CurrentHistory()
	if len(history) != 1 {
		t.Fatalf("expected 1 sealed set, got %d", len(history))
	}
	actions := history[0].Actions
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	assertAction(t, actions[0], "KeyA", 0, 10)
	assertAction(t, actions[1], "KeyB", 5, 10)
}

func TestDuplicatePressKeepsFirstStart(t *testing.T) {
	obs := &recordingObserver{}
	e := New(WithObserver(obs))
	feed(e, press("KeyA", 0), press("KeyA", 3), release("KeyA", 10))

	history := e.CurrentHistory()
	if len(history) != 1 || len(history[0].Actions) != 1 {
		t.Fatalf("expected exactly one action, got %+v", history)
	}
	assertAction(t, history[0].Actions[0], "KeyA", 0, 10)

	if len(obs.anomalies) != 1 || obs.anomalies[0] != AnomalyDuplicatePress {
		t.Errorf("expected one duplicate_press anomaly, got %v", obs.anomalies)
	}
	if !errors.Is(obs.errs[0], ErrDuplicatePress) {
		t.Errorf("expected ErrDuplicatePress, got %v", obs.errs[0])
	}
	if obs.repeats != 1 {
		t.Errorf("expected the second press to be flagged as repeat, got %d", obs.repeats)
	}
}

func TestUnmatchedReleaseIgnored(t *testing.T) {
	obs := &recordingObserver{}
	e := New(WithObserver(obs))
	e.PushEvent(release("KeyA", 0))

	if n := len(e.CurrentHistory()); n != 0 {
		t.Fatalf("expected no sealed sets, got %d", n)
	}
	if len(obs.anomalies) != 1 || obs.anomalies[0] != AnomalyUnmatchedRelease {
		t.Errorf("expected unmatched_release anomaly, got %v", obs.anomalies)
	}

	feed(e, press("KeyB", 1), release("KeyB", 2))
	if n := len(e.CurrentHistory()); n != 1 {
		t.Errorf("expected processing to continue, got %d sets", n)
	}
}

func TestSequentialPairsSealSeparately(t *testing.T) {
	e := New()
	feed(e, press("KeyA", 0), release("KeyA", 1), press("KeyB", 2), release("KeyB", 3))

	history := e.CurrentHistory()
	if len(history) != 2 {
		t.Fatalf("expected 2 sealed sets, got %d", len(history))
	}
	assertAction(t, history[0].Actions[0], "KeyA", 0, 1)
	assertAction(t, history[1].Actions[0], "KeyB", 2, 1)
	if history[0].Seq != 1 || history[1].Seq != 2 {
		t.Errorf("expected seq 1,2 got %d,%d", history[0].Seq, history[1].Seq)
	}
}

func TestNegativeDurationIsTimingError(t *testing.T) {
	obs := &recordingObserver{}
	e := New(WithObserver(obs))
	feed(e, press("KeyA", 10), release("KeyA", 5))

	if n := len(e.CurrentHistory()); n != 0 {
		t.Fatalf("expected no sealed sets, got %d", n)
	}
	if len(obs.anomalies) != 1 || obs.anomalies[0] != AnomalyTiming {
		t.Fatalf("expected timing_error anomaly, got %v", obs.anomalies)
	}
	var timing *TimingError
	if !errors.As(obs.errs[0], &timing) {
		t.Fatalf("expected *TimingError, got %T", obs.errs[0])
	}
	if timing.Key != "KeyA" || !timing.Pressed.Equal(at(10)) || !timing.Released.Equal(at(5)) {
		t.Errorf("unexpected timing error %+v", timing)
	}
	if len(e.Held()) != 0 {
		t.Errorf("expected key removed from open table, got %v", e.Held())
	}
}

func TestTimingErrorStillSealsChain(t *testing.T) {
	e := New()
	feed(e,
		press("KeyA", 0),
		press("KeyB", 20),
		release("KeyA", 30),
		release("KeyB", 10),
	)

	history := e.CurrentHistory()
	if len(history) != 1 {
		t.Fatalf("expected chain to seal when table empties, got %d sets", len(history))
	}
	if len(history[0].Actions) != 1 || history[0].Actions[0].Key != "KeyA" {
		t.Errorf("expected only KeyA in sealed set, got %+v", history[0].Actions)
	}
}

func TestChainedOverlapSharesBatch(t *testing.T) {
	e := New()
	feed(e,
		press("KeyA", 0),
		press("KeyB", 50),
		release("KeyB", 60),
		press("KeyC", 70),
		release("KeyA", 100),
		release("KeyC", 200),
	)

	history := e.CurrentHistory()
	if len(history) != 1 {
		t.Fatalf("expected 1 set, got %d", len(history))
	}
	keys := history[0].Keys()
	want := []types.Key{"KeyB", "KeyA", "KeyC"}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("expected release order %v, got %v", want, keys)
			break
		}
	}
}

func TestSimultaneousReleasesKeepConsumptionOrder(t *testing.T) {
	e := New()
	feed(e, press("KeyA", 0), press("KeyB", 0), release("KeyB", 5), release("KeyA", 5))

	keys := e.CurrentHistory()[0].Keys()
	if keys[0] != "KeyB" || keys[1] != "KeyA" {
		t.Errorf("expected [KeyB KeyA], got %v", keys)
	}
}

func TestNonKeyEventsNeverSeal(t *testing.T) {
	e := New()
	feed(e,
		press("KeyA", 0),
		types.PointerMove(1, 1, at(1)),
		types.ButtonPress("Left", at(2)),
		types.ButtonRelease("Left", at(3)),
		types.Wheel(0, 1, at(4)),
	)
	if n := len(e.CurrentHistory()); n != 0 {
		t.Fatalf("expected no sealed sets, got %d", n)
	}
	if held := e.Held(); len(held) != 1 || held[0] != "KeyA" {
		t.Errorf("expected KeyA held, got %v", held)
	}
	e.PushEvent(release("KeyA", 5))
	if n := len(e.CurrentHistory()); n != 1 {
		t.Errorf("expected 1 sealed set, got %d", n)
	}
	if s := e.Stats(); s.Events != 6 || s.Actions != 1 || s.Sealed != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestSealCountEqualsReturnsToEmpty(t *testing.T) {
	e := New()
	keys := []types.Key{"KeyA", "KeyB", "KeyC", "KeyD"}
	ms := 0
	empties := 0
	for round := 0; round < 5; round++ {
		held := 0
		for i := 0; i <= round%len(keys); i++ {
			e.PushEvent(press(keys[i], ms))
			ms++
			held++
		}
		for i := round % len(keys); i >= 0; i-- {
			e.PushEvent(release(keys[i], ms))
			ms++
			held--
			if held == 0 {
				empties++
			}
		}
	}
	if got := e.Stats().Sealed; got != int64(empties) {
		t.Errorf("expected %d seals, got %d", empties, got)
	}
}

func TestSealedBatchesIsRestartable(t *testing.T) {
	e := New()
	feed(e, press("KeyA", 0), release("KeyA", 1))

	count := func() int {
		n := 0
		for range e.SealedBatches() {
			n++
		}
		return n
	}
	if n := count(); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}

	feed(e, press("KeyB", 2), release("KeyB", 3))
	if n := count(); n != 2 {
		t.Errorf("expected 2 on second pass, got %d", n)
	}
}

func TestOnSealedCallback(t *testing.T) {
	e := New()
	var got []types.ParallelActionSet
	e.OnSealed(func(set types.ParallelActionSet) {
		got = append(got, set)
	})
	feed(e, press("KeyA", 0), press("KeyB", 1), release("KeyB", 2), release("KeyA", 3))

	if len(got) != 1 || len(got[0].Actions) != 2 {
		t.Fatalf("expected one callback with 2 actions, got %+v", got)
	}
}

func TestObserverSeesSealedSets(t *testing.T) {
	obs := &recordingObserver{}
	e := New(WithObserver(obs))
	feed(e, press("KeyA", 0), release("KeyA", 1), press("KeyB", 2))
	e.Close(ShutdownDiscard)
	feed(e, press("KeyC", 3), press("KeyD", 4), release("KeyD", 5))
	e.Close(ShutdownFlush)

	if len(obs.sealed) != 2 {
		t.Fatalf("expected 2 observed sets, got %d", len(obs.sealed))
	}
	if obs.sealed[0].Partial || obs.sealed[0].Actions[0].Key != "KeyA" {
		t.Errorf("unexpected first set %+v", obs.sealed[0])
	}
	if !obs.sealed[1].Partial || obs.sealed[1].Actions[0].Key != "KeyD" {
		t.Errorf("expected partial KeyD set, got %+v", obs.sealed[1])
	}
}

func TestCloseFlushesPartialBatch(t *testing.T) {
	e := New()
	feed(e, press("KeyA", 0), press("KeyB", 1), release("KeyB", 2))

	set, ok := e.Close(ShutdownFlush)
	if !ok {
		t.Fatal("expected a flushed set")
	}
	if !set.Partial || len(set.Actions) != 1 || set.Actions[0].Key != "KeyB" {
		t.Errorf("unexpected flushed set %+v", set)
	}
	if n := len(e.CurrentHistory()); n != 1 {
		t.Errorf("expected flushed set in history, got %d", n)
	}
	if len(e.Held()) != 0 {
		t.Errorf("expected open presses dropped, got %v", e.Held())
	}
}

func TestCloseDiscardsPartialBatch(t *testing.T) {
	e := New()
	feed(e, press("KeyA", 0), press("KeyB", 1), release("KeyB", 2))

	if _, ok := e.Close(ShutdownDiscard); ok {
		t.Fatal("expected nothing flushed")
	}
	if n := len(e.CurrentHistory()); n != 0 {
		t.Errorf("expected empty history, got %d", n)
	}
}

func TestCloseWithNothingPending(t *testing.T) {
	e := New()
	e.PushEvent(press("KeyA", 0))
	if _, ok := e.Close(ShutdownFlush); ok {
		t.Error("expected no flush without completed actions")
	}
}

func TestMaxHoldEvictsStuckKeyOnEvent(t *testing.T) {
	obs := &recordingObserver{}
	e := New(WithMaxHold(time.Second), WithObserver(obs))
	feed(e,
		press("KeyA", 0),
		press("KeyB", 10),
		release("KeyB", 20),
		press("KeyC", 5000),
	)

	history := e.CurrentHistory()
	if len(history) != 1 {
		t.Fatalf("expected stuck KeyA eviction to seal the batch, got %d sets", len(history))
	}
	if keys := history[0].Keys(); len(keys) != 1 || keys[0] != "KeyB" {
		t.Errorf("expected [KeyB], got %v", keys)
	}
	if held := e.Held(); len(held) != 1 || held[0] != "KeyC" {
		t.Errorf("expected only KeyC held, got %v", held)
	}
	if len(obs.anomalies) != 1 || obs.anomalies[0] != AnomalyStuckKey {
		t.Errorf("expected stuck_key anomaly, got %v", obs.anomalies)
	}
}

func TestSweepEvictsStuckKey(t *testing.T) {
	e := New(WithMaxHold(time.Second))
	feed(e, press("KeyA", 0), press("KeyB", 10), release("KeyB", 20))

	e.Sweep(at(500))
	if n := len(e.CurrentHistory()); n != 0 {
		t.Fatalf("expected no seal before max hold, got %d", n)
	}
	e.Sweep(at(2000))
	if n := len(e.CurrentHistory()); n != 1 {
		t.Fatalf("expected sweep to seal, got %d", n)
	}
	if s := e.Stats(); s.StuckKeys != 1 || s.Held != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestHistoryCapKeepsSealedCount(t *testing.T) {
	e := New(WithHistoryCap(2))
	for i := 0; i < 5; i++ {
		feed(e, press("KeyA", i*10), release("KeyA", i*10+1))
	}
	history := e.CurrentHistory()
	if len(history) != 2 {
		t.Fatalf("expected 2 retained sets, got %d", len(history))
	}
	if history[0].Seq != 4 || history[1].Seq != 5 {
		t.Errorf("expected newest sets retained, got seq %d,%d", history[0].Seq, history[1].Seq)
	}
	if s := e.Stats(); s.Sealed != 5 {
		t.Errorf("expected 5 sealed, got %d", s.Sealed)
	}
}

func TestParseShutdownPolicy(t *testing.T) {
	if p, ok := ParseShutdownPolicy(""); !ok || p != ShutdownFlush {
		t.Errorf("expected flush default, got %q", p)
	}
	if p, ok := ParseShutdownPolicy("discard"); !ok || p != ShutdownDiscard {
		t.Errorf("expected discard, got %q", p)
	}
	if _, ok := ParseShutdownPolicy("keep"); ok {
		t.Error("expected unknown policy to be rejected")
	}
}
