package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"loom/pkg/eventlog"
	"loom/pkg/executor"
)

// defaultDBPath returns the event log path from env or ~/.loom/events.db.
func defaultDBPath() string {
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		return v
	}
	home := os.Getenv("LOOM_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		home = filepath.Join(userHome, ".loom")
	}
	return filepath.Join(home, "events.db")
}

// fetchState loads the latest tree snapshot and the recent event tail
// from the read-only log. Either half may be empty on a fresh install.
func fetchState(ctx context.Context, dbPath string, tail int) (executor.Tree, []eventlog.Entry, error) {
	tree := executor.NewTree()

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		return tree, nil, fmt.Errorf("open log: %w", err)
	}
	defer reader.Close()

	_, treeJSON, err := reader.LatestSnapshot(ctx)
	if err != nil {
		return tree, nil, err
	}
	if treeJSON != nil {
		if err := json.Unmarshal(treeJSON, &tree); err != nil {
			return tree, nil, fmt.Errorf("parse snapshot: %w", err)
		}
	}

	entries, err := reader.Query(ctx, eventlog.QueryOpts{Limit: tail})
	if err != nil {
		return tree, nil, err
	}
	return tree, entries, nil
}
