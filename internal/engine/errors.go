package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/chordlog/internal/types"
)

var (
	// ErrUnmatchedRelease is a release with no open press for its key.
	ErrUnmatchedRelease = errors.New("unmatched release")
	// ErrDuplicatePress is a press for a key that is already held.
	ErrDuplicatePress = errors.New("duplicate press")
	// ErrTiming is a release timestamped before its press.
	ErrTiming = errors.New("release precedes press")
	// ErrStuckKey is a press evicted after exceeding the maximum hold time.
	ErrStuckKey = errors.New("key held beyond max hold")
)

// TimingError describes a press/release pair whose release precedes the press.
type TimingError struct {
	Key      types.Key
	Pressed  time.Time
	Released time.Time
}

func (e *TimingError) Error() string {
	return fmt.Sprintf("key %s: release at %s precedes press at %s",
		e.Key, e.Released.Format(time.RFC3339Nano), e.Pressed.Format(time.RFC3339Nano))
}

func (e *TimingError) Is(target error) bool {
	return target == ErrTiming
}

// AnomalyKind classifies a recovered per-event anomaly.
type AnomalyKind string

const (
	AnomalyUnmatchedRelease AnomalyKind = "unmatched_release"
	AnomalyDuplicatePress   AnomalyKind = "duplicate_press"
	AnomalyTiming           AnomalyKind = "timing_error"
	AnomalyStuckKey         AnomalyKind = "stuck_key"
)

func classify(err error) AnomalyKind {
	switch {
	case errors.Is(err, ErrUnmatchedRelease):
		return AnomalyUnmatchedRelease
	case errors.Is(err, ErrDuplicatePress):
		return AnomalyDuplicatePress
	case errors.Is(err, ErrTiming):
		return AnomalyTiming
	case errors.Is(err, ErrStuckKey):
		return AnomalyStuckKey
	default:
		return ""
	}
}
