// Package eventlog implements the durable storage collaborator: an
// append-only SQLite event log with sequence numbers, plus checkpoint
// and whole-tree snapshot persistence. The executor treats this purely
// as an ordered, replayable log; nothing else writes to the database.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"loom/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Entry is one committed log record.
type Entry struct {
	Seq       int64
	Event     protocol.Event
	CreatedAt time.Time
}

// Store is the writable event log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the log database at path with production-safe
// defaults: WAL journal mode and a 5-second busy timeout. The schema is
// applied idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection. Safe to call more than once.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Append commits one event and returns its global sequence number. The
// row is durable before Append returns.
func (s *Store) Append(ctx context.Context, ev protocol.Event) (int64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (scope, entity_id, kind, payload) VALUES (?, ?, ?, ?)`,
		string(ev.Entity.Scope), ev.Entity.ID, ev.Kind, string(payload))
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event seq: %w", err)
	}
	return seq, nil
}

// Since returns every entry with seq > after, in commit order.
func (s *Store) Since(ctx context.Context, after int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload, created_at FROM entries WHERE seq > ? ORDER BY seq ASC`, after)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload, createdAt string
		if err := rows.Scan(&e.Seq, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
			return nil, fmt.Errorf("parse entry %d: %w", e.Seq, err)
		}
		e.CreatedAt = parseSQLiteTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveCheckpoint persists a pipeline checkpoint and prunes retained
// rows beyond keep (oldest first).
func (s *Store) SaveCheckpoint(ctx context.Context, cp protocol.Checkpoint, keep int) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (pipeline_id, seq, snapshot) VALUES (?, ?, ?)`,
		cp.PipelineID, cp.Seq, string(payload))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if keep > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM checkpoints WHERE pipeline_id = ? AND seq NOT IN (
			    SELECT seq FROM checkpoints WHERE pipeline_id = ? ORDER BY seq DESC LIMIT ?)`,
			cp.PipelineID, cp.PipelineID, keep)
		if err != nil {
			return fmt.Errorf("prune checkpoints: %w", err)
		}
	}
	return nil
}

// Checkpoints returns a pipeline's retained checkpoints, oldest first.
func (s *Store) Checkpoints(ctx context.Context, pipelineID string) ([]protocol.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE pipeline_id = ? ORDER BY seq ASC`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []protocol.Checkpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		var cp protocol.Checkpoint
		if err := json.Unmarshal([]byte(payload), &cp); err != nil {
			return nil, fmt.Errorf("parse checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// SaveSnapshot stores a whole-tree snapshot covering the log up to
// uptoSeq. Replay starts from the newest snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, uptoSeq int64, tree []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (upto_seq, tree) VALUES (?, ?)`, uptoSeq, string(tree))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot, or (0, nil, nil) when none
// exists yet.
func (s *Store) LatestSnapshot(ctx context.Context) (int64, []byte, error) {
	var uptoSeq int64
	var tree string
	err := s.db.QueryRowContext(ctx,
		`SELECT upto_seq, tree FROM snapshots ORDER BY id DESC LIMIT 1`).Scan(&uptoSeq, &tree)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("query snapshot: %w", err)
	}
	return uptoSeq, []byte(tree), nil
}

// parseSQLiteTime parses SQLite's default datetime format, with an
// RFC3339 fallback. Unparseable values come back zero rather than
// failing a whole query.
func parseSQLiteTime(s string) time.Time {
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
