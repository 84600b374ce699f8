package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/chordlog/internal/types"
)

// SQLiteStore persists sealed batches and their actions in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var migrations = []struct {
	Version int
	UpSQL   string
}{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS batches (
	batch_id TEXT PRIMARY KEY,
	recording_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	sealed_at TEXT NOT NULL,
	partial INTEGER NOT NULL DEFAULT 0,
	UNIQUE(recording_id, seq)
);

CREATE TABLE IF NOT EXISTS actions (
	batch_id TEXT NOT NULL REFERENCES batches(batch_id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	key TEXT NOT NULL,
	start_time TEXT NOT NULL,
	duration_ns INTEGER NOT NULL CHECK(duration_ns >= 0),
	PRIMARY KEY(batch_id, position)
);
`,
	},
	{
		// UNIQUE(recording_id, seq) already indexes the pair.
		Version: 2,
		UpSQL:   `DROP INDEX IF EXISTS idx_batches_recording_seq;`,
	},
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`, m.Version, ts(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append inserts a batch and its actions in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, recording types.RecordingID, set types.ParallelActionSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO batches(batch_id, recording_id, seq, sealed_at, partial)
VALUES (?, ?, ?, ?, ?)
`, string(set.ID), string(recording), set.Seq, ts(set.SealedAt), boolToInt(set.Partial)); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	for i, a := range set.Actions {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO actions(batch_id, position, key, start_time, duration_ns)
VALUES (?, ?, ?, ?, ?)
`, string(set.ID), i, string(a.Key), ts(a.StartTime), int64(a.Duration)); err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Tail returns the last limit batches of a recording in seal order. A
// non-positive limit returns all of them.
func (s *SQLiteStore) Tail(ctx context.Context, recording types.RecordingID, limit int) ([]types.ParallelActionSet, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT batch_id, seq, sealed_at, partial FROM (
	SELECT batch_id, seq, sealed_at, partial FROM batches
	WHERE recording_id = ?
	ORDER BY seq DESC
	LIMIT ?
) ORDER BY seq ASC
`, string(recording), limit)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	var sets []types.ParallelActionSet
	for rows.Next() {
		var (
			set      types.ParallelActionSet
			id       string
			sealedAt string
			partial  int
		)
		if err := rows.Scan(&id, &set.Seq, &sealedAt, &partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		set.ID = types.BatchID(id)
		set.Partial = partial != 0
		if set.SealedAt, err = parseTS(sealedAt); err != nil {
			rows.Close()
			return nil, err
		}
		sets = append(sets, set)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	rows.Close()

	for i := range sets {
		actions, err := s.actions(ctx, sets[i].ID)
		if err != nil {
			return nil, err
		}
		sets[i].Actions = actions
	}
	return sets, nil
}

func (s *SQLiteStore) actions(ctx context.Context, batch types.BatchID) ([]types.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, start_time, duration_ns FROM actions
WHERE batch_id = ?
ORDER BY position ASC
`, string(batch))
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []types.Action
	for rows.Next() {
		var (
			key   string
			start string
			dur   int64
		)
		if err := rows.Scan(&key, &start, &dur); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		startTime, err := parseTS(start)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Action{Key: types.Key(key), StartTime: startTime, Duration: time.Duration(dur)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return out, nil
}

// Count returns the number of batches stored for a recording.
func (s *SQLiteStore) Count(ctx context.Context, recording types.RecordingID) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches WHERE recording_id = ?`, string(recording)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return n, nil
}

// LatestRecording returns the recording of the most recently appended batch.
func (s *SQLiteStore) LatestRecording(ctx context.Context) (types.RecordingID, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT recording_id FROM batches ORDER BY rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("latest recording: %w", err)
	}
	return types.RecordingID(id), nil
}

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
