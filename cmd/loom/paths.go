package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds all resolved loom state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	LoomHome    string // ~/.loom or LOOM_HOME
	PIDPath     string // loom.pid or LOOM_PID_PATH
	LogDBPath   string // events.db or LOOM_DB_PATH
	ConfigPath  string // config.toml or LOOM_CONFIG
	KindsPath   string // kinds.yaml or LOOM_KINDS
	SignalDir   string // signals/ under LoomHome
	WorktreeDir string // worktrees/ under LoomHome
}

// ResolvePaths returns all loom paths, respecting env var overrides.
// Environment variables:
//   - LOOM_HOME: base directory for all loom state (default: ~/.loom)
//   - LOOM_PID_PATH: daemon PID file (default: $LOOM_HOME/loom.pid)
//   - LOOM_DB_PATH: event log database (default: $LOOM_HOME/events.db)
//   - LOOM_CONFIG: daemon config (default: $LOOM_HOME/config.toml)
//   - LOOM_KINDS: pipeline kind catalog (default: $LOOM_HOME/kinds.yaml)
func ResolvePaths() (*Paths, error) {
	home, err := resolveLoomHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		LoomHome:    home,
		PIDPath:     resolvePathWithEnv("LOOM_PID_PATH", home, "loom.pid"),
		LogDBPath:   resolvePathWithEnv("LOOM_DB_PATH", home, "events.db"),
		ConfigPath:  resolvePathWithEnv("LOOM_CONFIG", home, "config.toml"),
		KindsPath:   resolvePathWithEnv("LOOM_KINDS", home, "kinds.yaml"),
		SignalDir:   filepath.Join(home, "signals"),
		WorktreeDir: filepath.Join(home, "worktrees"),
	}, nil
}

func resolveLoomHome() (string, error) {
	if v := os.Getenv("LOOM_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".loom"), nil
}

func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
