// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type Key string
type Button string
type BatchID string
type RecordingID string

func NewBatchID() BatchID {
	return BatchID(uuid.New().String())
}

func NewRecordingID() RecordingID {
	return RecordingID(uuid.New().String())
}

// ParseRecordingID validates s as a UUID-formatted recording identifier.
func ParseRecordingID(s string) (RecordingID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return RecordingID(id.String()), nil
}
