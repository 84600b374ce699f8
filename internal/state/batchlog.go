// internal/state/batchlog.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/chordlog/internal/types"
)

// BatchLog is a JSONL-backed append-only store of sealed batches.
// Batches are stored per recording in recordings/<recordingID>/batches.jsonl.
type BatchLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.RecordingID]*sync.Mutex
}

// NewBatchLog creates a file-backed BatchLog rooted at the given directory.
func NewBatchLog(root string) *BatchLog {
	return &BatchLog{
		root:  root,
		locks: make(map[types.RecordingID]*sync.Mutex),
	}
}

// getLock returns the per-recording mutex, creating one if it doesn't exist.
func (b *BatchLog) getLock(recording types.RecordingID) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lock, ok := b.locks[recording]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	b.locks[recording] = lock
	return lock
}

func (b *BatchLog) recordingsDir() string {
	return filepath.Join(b.root, "recordings")
}

func (b *BatchLog) batchesPath(recording types.RecordingID) string {
	return filepath.Join(b.recordingsDir(), string(recording), "batches.jsonl")
}

// Path returns the log file for a recording.
func (b *BatchLog) Path(recording types.RecordingID) string {
	return b.batchesPath(recording)
}

// Append writes one sealed batch as a JSON line.
func (b *BatchLog) Append(_ context.Context, recording types.RecordingID, set types.ParallelActionSet) error {
	lock := b.getLock(recording)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(b.batchesPath(recording))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}

	data, err := json.Marshal(types.BatchRecord{RecordingID: recording, Batch: set})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	f, err := os.OpenFile(b.batchesPath(recording), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open batch log: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

// read loads every batch of a recording. Caller must hold the recording lock.
func (b *BatchLog) read(recording types.RecordingID) ([]types.ParallelActionSet, error) {
	f, err := os.Open(b.batchesPath(recording))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open batch log: %w", err)
	}
	defer f.Close()

	var sets []types.ParallelActionSet
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec types.BatchRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal batch: %w", err)
		}
		sets = append(sets, rec.Batch)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan batch log: %w", err)
	}
	return sets, nil
}

// Tail returns the last limit batches of a recording. A non-positive limit
// returns all of them.
func (b *BatchLog) Tail(_ context.Context, recording types.RecordingID, limit int) ([]types.ParallelActionSet, error) {
	lock := b.getLock(recording)
	lock.Lock()
	defer lock.Unlock()

	sets, err := b.read(recording)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(sets) > limit {
		sets = sets[len(sets)-limit:]
	}
	return sets, nil
}

// Count returns the number of batches logged for a recording.
func (b *BatchLog) Count(_ context.Context, recording types.RecordingID) (int64, error) {
	lock := b.getLock(recording)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(b.batchesPath(recording))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open batch log: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan batch log: %w", err)
	}
	return count, nil
}

// RecordingInfo summarises one recording directory.
type RecordingInfo struct {
	ID        types.RecordingID
	UpdatedAt time.Time
}

// Recordings lists recordings with a batch log, most recently updated first.
func (b *BatchLog) Recordings() ([]RecordingInfo, error) {
	entries, err := os.ReadDir(b.recordingsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recordings dir: %w", err)
	}

	var out []RecordingInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := types.ParseRecordingID(entry.Name())
		if err != nil {
			continue
		}
		info, err := os.Stat(b.batchesPath(id))
		if err != nil {
			continue
		}
		out = append(out, RecordingInfo{ID: id, UpdatedAt: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}
