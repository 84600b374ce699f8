// Package state provides storage for sealed batches: an append-only JSONL
// log per recording and a SQLite store.
package state

import "github.com/user/chordlog/internal/types"

// Compile-time interface compliance checks.
var _ types.BatchStore = (*BatchLog)(nil)
var _ types.BatchStore = (*SQLiteStore)(nil)
