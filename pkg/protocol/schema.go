package protocol

// SchemaDDL defines the SQLite schema for the loom event log database.
// Tables: entries (the append-only event log), checkpoints (bounded
// pipeline snapshots), snapshots (whole-tree snapshots for fast replay).
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Append-only event log: every applied event, in commit order.
-- seq is the global sequence the storage collaborator hands back.
CREATE TABLE IF NOT EXISTS entries (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    scope TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS entries_entity ON entries(scope, entity_id);
CREATE INDEX IF NOT EXISTS entries_kind ON entries(kind);

-- Pipeline checkpoints, capped per pipeline by the executor.
CREATE TABLE IF NOT EXISTS checkpoints (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pipeline_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    snapshot TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE(pipeline_id, seq)
);

-- Whole-tree snapshots: replay starts from the newest snapshot instead
-- of folding the log from seq 0.
CREATE TABLE IF NOT EXISTS snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    upto_seq INTEGER NOT NULL,
    tree TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
