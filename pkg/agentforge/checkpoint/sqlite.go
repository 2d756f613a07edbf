package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteSaver persists checkpoints to SQLite. It is suitable for
// single-process production use where a networked store is not warranted;
// operation semantics match the Redis backend, with retention enforced via
// per-row expiry columns instead of key TTLs.
type SQLiteSaver struct {
	db     *sql.DB
	opts   options
	mu     sync.RWMutex
	closed bool
}

// Compile-time interface check.
var _ Saver = (*SQLiteSaver)(nil)

// NewSQLiteSaver creates a new SQLite-backed saver.
// The path should be a file path (e.g., "./checkpoints.db") or ":memory:" for testing.
func NewSQLiteSaver(path string, opts ...Option) (*SQLiteSaver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single pooled connection keeps ":memory:" databases coherent and
	// serializes writers at the pool instead of on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data BLOB NOT NULL,
			metadata_type TEXT NOT NULL,
			metadata_data BLOB NOT NULL,
			parent_checkpoint_id TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			expires_at INTEGER,
			PRIMARY KEY (thread_id, namespace, checkpoint_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_writes (
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			write_idx INTEGER NOT NULL,
			channel TEXT NOT NULL,
			type TEXT NOT NULL,
			data BLOB NOT NULL,
			expires_at INTEGER,
			PRIMARY KEY (thread_id, namespace, checkpoint_id, task_id, write_idx)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pending_writes table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread
		ON checkpoints(thread_id, namespace, ts)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteSaver{db: db, opts: applyOptions(opts)}, nil
}

// Put implements Saver.
func (s *SQLiteSaver) Put(ctx context.Context, pos Position, checkpointID string, state any, md Metadata) (Position, error) {
	if pos.ThreadID == "" {
		return Position{}, missingField("thread_id")
	}
	if checkpointID == "" {
		return Position{}, missingField("checkpoint_id")
	}

	statePayload, err := s.opts.serializer.Dumps(state)
	if err != nil {
		return Position{}, fmt.Errorf("serialize state: %w", err)
	}
	if md == nil {
		md = DefaultMetadata()
	}
	mdPayload, err := s.opts.serializer.Dumps(map[string]any(md))
	if err != nil {
		return Position{}, fmt.Errorf("serialize metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Position{}, ErrSaverClosed
	}

	now := s.opts.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(thread_id, namespace, checkpoint_id, type, data, metadata_type, metadata_data, parent_checkpoint_id, ts, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id, namespace, checkpoint_id) DO UPDATE SET
			type = excluded.type,
			data = excluded.data,
			metadata_type = excluded.metadata_type,
			metadata_data = excluded.metadata_data,
			parent_checkpoint_id = excluded.parent_checkpoint_id,
			ts = excluded.ts,
			expires_at = excluded.expires_at
	`, pos.ThreadID, pos.Namespace, checkpointID,
		statePayload.Type, statePayload.Data, mdPayload.Type, mdPayload.Data,
		pos.CheckpointID, now.UnixMilli(), s.deadline(now))
	if err != nil {
		return Position{}, fmt.Errorf("commit checkpoint %s: %w", checkpointID, err)
	}

	return Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: checkpointID}, nil
}

// GetTuple implements Saver.
func (s *SQLiteSaver) GetTuple(ctx context.Context, pos Position) (*Tuple, error) {
	if pos.ThreadID == "" {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSaverClosed
	}
	return s.fetchTuple(ctx, pos, true)
}

// List implements Saver.
func (s *SQLiteSaver) List(ctx context.Context, pos Position, opts *ListOptions) *Iterator {
	if pos.ThreadID == "" {
		return emptyIterator()
	}

	var before *Position
	if opts != nil {
		before = opts.Before
	}

	start := func() ([]string, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			return nil, ErrSaverClosed
		}

		now := s.opts.now().UnixMilli()
		query := `
			SELECT checkpoint_id FROM checkpoints
			WHERE thread_id = ? AND namespace = ?
			AND (expires_at IS NULL OR expires_at > ?)
		`
		args := []any{pos.ThreadID, pos.Namespace, now}

		if before != nil && before.CheckpointID != "" {
			var beforeTs int64
			err := s.db.QueryRowContext(ctx, `
				SELECT ts FROM checkpoints
				WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?
				AND (expires_at IS NULL OR expires_at > ?)
			`, pos.ThreadID, pos.Namespace, before.CheckpointID, now).Scan(&beforeTs)
			switch {
			case err == nil:
				query += " AND ts < ?"
				args = append(args, beforeTs)
			case errors.Is(err, sql.ErrNoRows):
				// The bound expired; scan without an upper bound.
			default:
				return nil, fmt.Errorf("resolve before position: %w", err)
			}
		}

		// The limit counts survivors and rows can expire between this
		// query and their fetch, so candidates are never pre-bounded.
		query += " ORDER BY ts DESC, checkpoint_id DESC"

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query index: %w", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("scan checkpoint id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate index: %w", err)
		}
		return ids, nil
	}
	fetch := func(id string) (*Tuple, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			return nil, ErrSaverClosed
		}
		return s.fetchTuple(ctx, Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: id}, false)
	}
	return newIterator(opts, start, fetch)
}

// PutWrites implements Saver.
func (s *SQLiteSaver) PutWrites(ctx context.Context, pos Position, taskID string, writes []Write) error {
	if pos.ThreadID == "" {
		return missingField("thread_id")
	}
	if pos.CheckpointID == "" {
		return missingField("checkpoint_id")
	}
	if len(writes) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSaverClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin staging transaction: %w", err)
	}
	defer tx.Rollback()

	deadline := s.deadline(s.opts.now())
	for i, w := range writes {
		idx := WriteIdx(w.Channel, i)
		payload, err := s.opts.serializer.Dumps(w.Value)
		if err != nil {
			return fmt.Errorf("serialize write for channel %s: %w", w.Channel, err)
		}

		// Ordinary channels keep the first write across retried steps
		// (the value stays, the retention window refreshes); sentinel
		// channels always overwrite.
		conflict := `DO UPDATE SET expires_at = excluded.expires_at`
		if idx < 0 {
			conflict = `DO UPDATE SET
				channel = excluded.channel,
				type = excluded.type,
				data = excluded.data,
				expires_at = excluded.expires_at`
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_writes
				(thread_id, namespace, checkpoint_id, task_id, write_idx, channel, type, data, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(thread_id, namespace, checkpoint_id, task_id, write_idx) `+conflict,
			pos.ThreadID, pos.Namespace, pos.CheckpointID, taskID, idx,
			w.Channel, payload.Type, payload.Data, deadline); err != nil {
			return fmt.Errorf("stage write for channel %s: %w", w.Channel, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stage writes for checkpoint %s: %w", pos.CheckpointID, err)
	}
	return nil
}

// DeleteThread implements Saver.
func (s *SQLiteSaver) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return missingField("thread_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSaverClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread %s checkpoints: %w", threadID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_writes WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread %s pending writes: %w", threadID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

// Close implements Saver.
func (s *SQLiteSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// fetchTuple loads one checkpoint. Callers hold at least the read lock.
func (s *SQLiteSaver) fetchTuple(ctx context.Context, pos Position, withWrites bool) (*Tuple, error) {
	now := s.opts.now().UnixMilli()
	id := pos.CheckpointID
	if id == "" {
		err := s.db.QueryRowContext(ctx, `
			SELECT checkpoint_id FROM checkpoints
			WHERE thread_id = ? AND namespace = ?
			AND (expires_at IS NULL OR expires_at > ?)
			ORDER BY ts DESC, checkpoint_id DESC
			LIMIT 1
		`, pos.ThreadID, pos.Namespace, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("query index: %w", err)
		}
	}

	var (
		stateType, mdType string
		stateData, mdData []byte
		parentID          string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT type, data, metadata_type, metadata_data, parent_checkpoint_id
		FROM checkpoints
		WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?
		AND (expires_at IS NULL OR expires_at > ?)
	`, pos.ThreadID, pos.Namespace, id, now).Scan(&stateType, &stateData, &mdType, &mdData, &parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}

	state, err := s.opts.serializer.Loads(Payload{Type: stateType, Data: stateData})
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	md, err := loadMetadata(s.opts.serializer, Payload{Type: mdType, Data: mdData})
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s metadata: %w", id, err)
	}

	t := &Tuple{
		Position: Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: id},
		State:    state,
		Metadata: md,
	}
	if parentID != "" {
		t.Parent = &Position{ThreadID: pos.ThreadID, Namespace: pos.Namespace, CheckpointID: parentID}
	}
	if withWrites {
		writes, err := s.pendingWritesLocked(ctx, pos.ThreadID, pos.Namespace, id, now)
		if err != nil {
			return nil, err
		}
		t.PendingWrites = writes
	}
	return t, nil
}

func (s *SQLiteSaver) pendingWritesLocked(ctx context.Context, threadID, namespace, checkpointID string, now int64) ([]PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, write_idx, channel, type, data
		FROM pending_writes
		WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?
		AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY task_id, write_idx
	`, threadID, namespace, checkpointID, now)
	if err != nil {
		return nil, fmt.Errorf("load pending writes: %w", err)
	}
	defer rows.Close()

	var writes []PendingWrite
	for rows.Next() {
		var (
			pw          PendingWrite
			payloadType string
			payloadData []byte
		)
		if err := rows.Scan(&pw.TaskID, &pw.WriteIdx, &pw.Channel, &payloadType, &payloadData); err != nil {
			return nil, fmt.Errorf("scan pending write: %w", err)
		}
		value, err := s.opts.serializer.Loads(Payload{Type: payloadType, Data: payloadData})
		if err != nil {
			return nil, fmt.Errorf("decode pending write: %w", err)
		}
		pw.Value = value
		writes = append(writes, pw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending writes: %w", err)
	}
	return writes, nil
}

// deadline computes a row's expiry timestamp, or nil when retention is
// disabled.
func (s *SQLiteSaver) deadline(now time.Time) any {
	if s.opts.ttl <= 0 {
		return nil
	}
	return now.Add(s.opts.ttl).UnixMilli()
}
