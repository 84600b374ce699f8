package source

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/chordlog/internal/engine"
	"github.com/user/chordlog/internal/types"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return epoch }

type recordingIngester struct {
	mu     sync.Mutex
	events []types.RawEvent
	failAt int
}

func (r *recordingIngester) Ingest(_ context.Context, events ...types.RawEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.events)+len(events) >= r.failAt {
		return errors.New("queue closed")
	}
	r.events = append(r.events, events...)
	return nil
}

func TestJSONLSource(t *testing.T) {
	input := strings.Join([]string{
		`{"kind":"key_press","key":"KeyA","time":"2024-01-01T00:00:00Z"}`,
		``,
		`{"kind":"pointer_move","x":10,"y":20,"time":"2024-01-01T00:00:00.005Z"}`,
		`{"kind":"key_release","key":"KeyA","time":"2024-01-01T00:00:00.050Z"}`,
	}, "\n")

	events, err := Collect(context.Background(), NewJSONL(strings.NewReader(input)))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != types.KindKeyPress || events[0].Key != "KeyA" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[1].X != 10 || events[1].Y != 20 {
		t.Errorf("unexpected pointer event %+v", events[1])
	}
	if d := events[2].Time.Sub(events[0].Time); d != 50*time.Millisecond {
		t.Errorf("expected 50ms between press and release, got %v", d)
	}
}

func TestJSONLSourceStrictRejectsBadLine(t *testing.T) {
	input := `{"kind":"key_press","key":"KeyA","time":"2024-01-01T00:00:00Z"}
{"kind":"key_press","time":"2024-01-01T00:00:01Z"}
`
	_, err := Collect(context.Background(), NewJSONL(strings.NewReader(input)))
	if err == nil {
		t.Fatal("expected error for key event without key")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected line number in error, got %v", err)
	}
}

func TestJSONLSourceLenientSkipsBadLines(t *testing.T) {
	input := `not json
{"kind":"teleport","time":"2024-01-01T00:00:00Z"}
{"kind":"key_press","key":"KeyA","time":"2024-01-01T00:00:00Z"}
`
	events, err := Collect(context.Background(), NewJSONL(strings.NewReader(input), Lenient()))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 valid event, got %d", len(events))
	}
}

func TestJSONLSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	input := `{"kind":"key_press","key":"KeyA","time":"2024-01-01T00:00:00Z"}`
	_, err := Collect(ctx, NewJSONL(strings.NewReader(input)))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	src := Synthetic{Step: 10 * time.Millisecond, Clock: fixedClock}
	a, err := Collect(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Collect(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(timeline) || len(a) != len(b) {
		t.Fatalf("expected %d events per run, got %d and %d", len(timeline), len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("event %d differs: %+v vs %+v", i, a[i], b[i])
		}
		if i > 0 && a[i].Time.Before(a[i-1].Time) {
			t.Fatalf("event %d goes back in time", i)
		}
		if err := a[i].Validate(); err != nil {
			t.Fatalf("event %d invalid: %v", i, err)
		}
	}
}

func TestSyntheticThroughEngine(t *testing.T) {
	src := Synthetic{Step: 10 * time.Millisecond, Rounds: 2, Clock: fixedClock}
	events, err := Collect(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	eng := engine.New()
	for _, ev := range events {
		eng.PushEvent(ev)
	}

	sets := eng.CurrentHistory()
	want := [][]types.Key{
		{"KeyA"},
		{"KeyB", "ShiftLeft"},
		{"KeyA", "KeyB", "KeyC"},
		{"KeyD"},
		{"KeyS", "ControlLeft"},
	}
	if len(sets) != 2*len(want) {
		t.Fatalf("expected %d sets, got %d", 2*len(want), len(sets))
	}
	for i, set := range sets {
		keys := set.Keys()
		exp := want[i%len(want)]
		if len(keys) != len(exp) {
			t.Fatalf("set %d keys = %v, want %v", i, keys, exp)
		}
		for j := range keys {
			if keys[j] != exp[j] {
				t.Errorf("set %d keys = %v, want %v", i, keys, exp)
				break
			}
		}
	}

	stats := eng.Stats()
	if stats.UnmatchedRelease != 2 || stats.DuplicatePress != 2 {
		t.Errorf("expected 2 unmatched and 2 duplicate, got %+v", stats)
	}
}

func TestSyntheticPaced(t *testing.T) {
	src := Synthetic{Step: time.Millisecond, Pace: true}
	startedAt := time.Now()
	events, err := Collect(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != len(timeline) {
		t.Fatalf("expected %d events, got %d", len(timeline), len(events))
	}
	last := timeline[len(timeline)-1].at
	if elapsed := time.Since(startedAt); elapsed < time.Duration(last)*time.Millisecond {
		t.Errorf("paced stream finished in %v, expected at least %v", elapsed, time.Duration(last)*time.Millisecond)
	}
}

func TestSyntheticPacedCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	src := Synthetic{Step: time.Second, Pace: true}
	_, err := Collect(ctx, src)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestPump(t *testing.T) {
	dst := &recordingIngester{}
	n, err := Pump(context.Background(), Synthetic{Clock: fixedClock}, dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(timeline) || len(dst.events) != len(timeline) {
		t.Errorf("expected %d events pumped, got n=%d stored=%d", len(timeline), n, len(dst.events))
	}
}

func TestPumpStopsOnIngestError(t *testing.T) {
	dst := &recordingIngester{failAt: 3}
	n, err := Pump(context.Background(), Synthetic{Clock: fixedClock}, dst)
	if err == nil {
		t.Fatal("expected error from ingester")
	}
	if n != 2 {
		t.Errorf("expected 2 events before failure, got %d", n)
	}
}

func TestEventSourceFunc(t *testing.T) {
	var src EventSource = EventSourceFunc(func(ctx context.Context, emit func(types.RawEvent) error) error {
		return emit(types.KeyPress("KeyQ", epoch))
	})
	events, err := Collect(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Key != "KeyQ" {
		t.Errorf("unexpected events %+v", events)
	}
}
