// internal/types/models.go
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// EventKind names the variant of a RawEvent.
type EventKind string

const (
	KindKeyPress      EventKind = "key_press"
	KindKeyRelease    EventKind = "key_release"
	KindPointerMove   EventKind = "pointer_move"
	KindWheel         EventKind = "wheel"
	KindButtonPress   EventKind = "button_press"
	KindButtonRelease EventKind = "button_release"
)

// IsKey reports whether the kind participates in press/release correlation.
func (k EventKind) IsKey() bool {
	return k == KindKeyPress || k == KindKeyRelease
}

func (k EventKind) valid() bool {
	switch k {
	case KindKeyPress, KindKeyRelease, KindPointerMove, KindWheel, KindButtonPress, KindButtonRelease:
		return true
	}
	return false
}

// RawEvent is one observed hardware event.
type RawEvent struct {
	Kind   EventKind `json:"kind"`
	Key    Key       `json:"key,omitempty"`
	Button Button    `json:"button,omitempty"`
	X      float64   `json:"x,omitempty"`
	Y      float64   `json:"y,omitempty"`
	DeltaX int64     `json:"delta_x,omitempty"`
	DeltaY int64     `json:"delta_y,omitempty"`
	Time   time.Time `json:"time"`
}

func KeyPress(k Key, at time.Time) RawEvent {
	return RawEvent{Kind: KindKeyPress, Key: k, Time: at}
}

func KeyRelease(k Key, at time.Time) RawEvent {
	return RawEvent{Kind: KindKeyRelease, Key: k, Time: at}
}

func PointerMove(x, y float64, at time.Time) RawEvent {
	return RawEvent{Kind: KindPointerMove, X: x, Y: y, Time: at}
}

func Wheel(dx, dy int64, at time.Time) RawEvent {
	return RawEvent{Kind: KindWheel, DeltaX: dx, DeltaY: dy, Time: at}
}

func ButtonPress(b Button, at time.Time) RawEvent {
	return RawEvent{Kind: KindButtonPress, Button: b, Time: at}
}

func ButtonRelease(b Button, at time.Time) RawEvent {
	return RawEvent{Kind: KindButtonRelease, Button: b, Time: at}
}

// Validate rejects events that cannot be fed to the engine.
func (e RawEvent) Validate() error {
	if !e.Kind.valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Time.IsZero() {
		return errors.New("event time is required")
	}
	if e.Kind.IsKey() && e.Key == "" {
		return fmt.Errorf("%s event requires a key", e.Kind)
	}
	if (e.Kind == KindButtonPress || e.Kind == KindButtonRelease) && e.Button == "" {
		return fmt.Errorf("%s event requires a button", e.Kind)
	}
	return nil
}

// SamePayload reports whether two events carry the same kind and payload,
// ignoring their timestamps.
func (e RawEvent) SamePayload(other RawEvent) bool {
	return e.Kind == other.Kind &&
		e.Key == other.Key &&
		e.Button == other.Button &&
		e.X == other.X && e.Y == other.Y &&
		e.DeltaX == other.DeltaX && e.DeltaY == other.DeltaY
}

// Action is a completed key-hold interval. It is only ever built from a
// matched press/release pair.
type Action struct {
	Key       Key
	StartTime time.Time
	Duration  time.Duration
}

// EndTime is the release timestamp.
func (a Action) EndTime() time.Time {
	return a.StartTime.Add(a.Duration)
}

type actionJSON struct {
	Key        Key       `json:"key"`
	StartTime  time.Time `json:"start_time"`
	DurationMs float64   `json:"duration_ms"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(actionJSON{
		Key:        a.Key,
		StartTime:  a.StartTime,
		DurationMs: float64(a.Duration) / float64(time.Millisecond),
	})
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw actionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Key = raw.Key
	a.StartTime = raw.StartTime
	// duration_ms is a decimal rendering of whole nanoseconds; round so the
	// float product does not lose one.
	a.Duration = time.Duration(math.Round(raw.DurationMs * float64(time.Millisecond)))
	return nil
}

// ParallelActionSet is an ordered batch of actions released while at least
// one key stayed held, in release order.
type ParallelActionSet struct {
	ID       BatchID   `json:"id"`
	Seq      int64     `json:"seq"`
	Actions  []Action  `json:"actions"`
	SealedAt time.Time `json:"sealed_at"`
	Partial  bool      `json:"partial,omitempty"`
}

// Start returns the earliest press time in the set.
func (s ParallelActionSet) Start() time.Time {
	var start time.Time
	for i, a := range s.Actions {
		if i == 0 || a.StartTime.Before(start) {
			start = a.StartTime
		}
	}
	return start
}

// End returns the latest release time in the set.
func (s ParallelActionSet) End() time.Time {
	var end time.Time
	for _, a := range s.Actions {
		if t := a.EndTime(); t.After(end) {
			end = t
		}
	}
	return end
}

// Keys lists the action keys in release order.
func (s ParallelActionSet) Keys() []Key {
	keys := make([]Key, len(s.Actions))
	for i, a := range s.Actions {
		keys[i] = a.Key
	}
	return keys
}

// BatchRecord is a sealed set as persisted by a BatchStore.
type BatchRecord struct {
	RecordingID RecordingID       `json:"recording_id"`
	Batch       ParallelActionSet `json:"batch"`
}
