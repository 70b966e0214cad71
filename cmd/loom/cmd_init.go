package main

import (
	"fmt"
	"os"

	"loom/pkg/eventlog"

	"github.com/spf13/cobra"
)

const defaultConfigTOML = `[daemon]
tick_interval = "15s"
stuck_threshold = "5m"
session_idle_after = "2m"
session_dead_after = "10m"
agent_command = "claude"
# intake_queue = "intake"
# intake_kind = "build"
max_active = 2

[recovery]
max_nudges = 2
max_restarts = 2
nudge_grace = "2m"

[repo]
root = "."
main_branch = "main"

[tracker]
bin = "bd"

[[semaphore]]
name = "agents"
capacity = 4
heartbeat_timeout = "1m"

[[lock]]
name = "merge"
heartbeat_timeout = "1m"
`

const defaultKindsYAML = `kinds:
  build:
    phases: [plan, decompose, execute, merge]
    merge: rebase
    needs:
      execute:
        semaphore: agents
      merge:
        lock: merge
  review:
    phases: [analyze, report]
`

// newInitCmd creates the "loom init" subcommand.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the loom home directory and default configuration",
		Long:  "Creates ~/.loom with a default config.toml and kinds.yaml,\nand initializes the event log database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			for _, dir := range []string{paths.LoomHome, paths.SignalDir, paths.WorktreeDir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}
			if err := writeIfMissing(paths.ConfigPath, defaultConfigTOML); err != nil {
				return err
			}
			if err := writeIfMissing(paths.KindsPath, defaultKindsYAML); err != nil {
				return err
			}

			store, err := eventlog.Open(paths.LogDBPath)
			if err != nil {
				return fmt.Errorf("init event log: %w", err)
			}
			defer store.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", paths.LoomHome)
			return nil
		},
	}
}

// writeIfMissing creates a file with content unless it already exists.
func writeIfMissing(path, content string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
