// internal/types/ids_test.go
package types

import (
	"testing"
)

func TestNewBatchID(t *testing.T) {
	id := NewBatchID()
	if id == "" {
		t.Error("expected non-empty BatchID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestParseRecordingID(t *testing.T) {
	id := NewRecordingID()
	parsed, err := ParseRecordingID(string(id))
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Errorf("expected %s, got %s", id, parsed)
	}
	if _, err := ParseRecordingID("../etc"); err == nil {
		t.Error("expected error for non-UUID recording id")
	}
}
