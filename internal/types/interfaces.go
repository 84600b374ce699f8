// internal/types/interfaces.go
package types

import (
	"context"
)

type BatchStore interface {
	Append(ctx context.Context, recording RecordingID, set ParallelActionSet) error
	Tail(ctx context.Context, recording RecordingID, limit int) ([]ParallelActionSet, error)
	Count(ctx context.Context, recording RecordingID) (int64, error)
}
