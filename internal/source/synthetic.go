package source

import (
	"context"
	"time"

	"github.com/user/chordlog/internal/types"
)

// Synthetic replays a fixed timeline covering taps, chords, chained
// overlaps, pointer noise and the anomalies the engine tolerates.
type Synthetic struct {
	// Step is the spacing between consecutive timeline ticks.
	Step time.Duration
	// Rounds repeats the timeline; values below 1 mean once.
	Rounds int
	// Pace sleeps Step between events so the stream runs in real time.
	Pace  bool
	Clock func() time.Time
}

type tick struct {
	at int
	ev func(at time.Time) types.RawEvent
}

func press(k types.Key) func(time.Time) types.RawEvent {
	return func(at time.Time) types.RawEvent { return types.KeyPress(k, at) }
}

func release(k types.Key) func(time.Time) types.RawEvent {
	return func(at time.Time) types.RawEvent { return types.KeyRelease(k, at) }
}

// timeline is one round, in ticks. Rounds are 40 ticks long.
var timeline = []tick{
	// solo tap
	{0, press("KeyA")},
	{2, release("KeyA")},
	// two-key chord
	{4, press("ShiftLeft")},
	{5, press("KeyB")},
	{6, release("KeyB")},
	{7, release("ShiftLeft")},
	// pointer noise between batches
	{8, func(at time.Time) types.RawEvent { return types.PointerMove(120, 80, at) }},
	{8, func(at time.Time) types.RawEvent { return types.PointerMove(120, 80, at) }},
	{9, func(at time.Time) types.RawEvent { return types.Wheel(0, -3, at) }},
	// chained overlap: A-B overlap, B-C overlap, A and C do not
	{10, press("KeyA")},
	{11, press("KeyB")},
	{12, release("KeyA")},
	{13, press("KeyC")},
	{14, release("KeyB")},
	{15, release("KeyC")},
	// unmatched release and duplicate press
	{17, release("KeyZ")},
	{18, press("KeyD")},
	{19, press("KeyD")},
	{20, func(at time.Time) types.RawEvent { return types.ButtonPress("left", at) }},
	{21, release("KeyD")},
	{21, func(at time.Time) types.RawEvent { return types.ButtonRelease("left", at) }},
	// simultaneous releases
	{24, press("ControlLeft")},
	{24, press("KeyS")},
	{26, release("KeyS")},
	{26, release("ControlLeft")},
}

const roundTicks = 40

func (s Synthetic) Stream(ctx context.Context, emit func(types.RawEvent) error) error {
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}
	step := s.Step
	if step <= 0 {
		step = 10 * time.Millisecond
	}
	rounds := max(s.Rounds, 1)
	start := clock().UTC()

	var timer *time.Timer
	if s.Pace {
		timer = time.NewTimer(step)
		defer timer.Stop()
	}

	last := 0
	for r := 0; r < rounds; r++ {
		for _, t := range timeline {
			at := r*roundTicks + t.at
			if s.Pace && at > last {
				timer.Reset(time.Duration(at-last) * step)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
				}
			}
			last = at
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emit(t.ev(start.Add(time.Duration(at) * step))); err != nil {
				return err
			}
		}
	}
	return nil
}
