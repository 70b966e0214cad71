package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"loom/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// QueryOpts specifies filter criteria for querying log entries.
type QueryOpts struct {
	// Scope restricts entries to one entity scope (e.g. pipeline, task).
	Scope protocol.Scope

	// EntityID restricts entries to a single entity.
	EntityID string

	// Kind restricts entries to one event kind (e.g. "task:stuck").
	Kind string

	// After filters entries committed at or after this time.
	After *time.Time

	// Before filters entries committed at or before this time.
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the event log. It is safe to use
// against a live database: the connection opens in read-only mode with
// WAL, so the executor's writer is never blocked.
type Reader struct {
	db *sql.DB
}

// NewReader opens the log database at dbPath in read-only mode.
// Returns an error if the database does not exist.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Reader{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves log entries matching opts, newest first. Returns an
// empty slice when nothing matches.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Entry, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// LatestSnapshot returns the newest whole-tree snapshot, or
// (0, nil, nil) when none exists yet.
func (r *Reader) LatestSnapshot(ctx context.Context) (int64, []byte, error) {
	var uptoSeq int64
	var tree string
	err := r.db.QueryRowContext(ctx,
		`SELECT upto_seq, tree FROM snapshots ORDER BY id DESC LIMIT 1`).Scan(&uptoSeq, &tree)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("query snapshot: %w", err)
	}
	return uptoSeq, []byte(tree), nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT seq, payload, created_at FROM entries WHERE 1=1"

	if opts.Scope != "" {
		conditions = append(conditions, "scope = ?")
		args = append(args, string(opts.Scope))
	}
	if opts.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, opts.EntityID)
	}
	if opts.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, opts.Kind)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.Format("2006-01-02 15:04:05"))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.Format("2006-01-02 15:04:05"))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY seq DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
