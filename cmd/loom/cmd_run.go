package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"loom/pkg/capability"
	"loom/pkg/config"
	"loom/pkg/eventlog"
	"loom/pkg/executor"

	"github.com/spf13/cobra"
)

// newRunCmd creates the "loom run" subcommand: the daemon itself.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the loom daemon in the foreground",
		Long:  "Rebuilds state from the event log, then supervises pipelines until\nSIGTERM: ticking machines, watching the signal directory, and driving\nsessions, worktrees, the tracker and the notifier.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			if status, pid, _ := DaemonStatus(paths.PIDPath); status == StatusRunning {
				return fmt.Errorf("daemon already running (pid %d)", pid)
			} else if status == StatusStale {
				log.Printf("removing stale PID file for dead pid %d", pid)
				if err := RemovePIDFile(paths.PIDPath); err != nil {
					return err
				}
			}

			cfg, err := config.Load(paths.ConfigPath)
			if err != nil {
				return err
			}
			kinds, err := config.LoadKinds(paths.KindsPath)
			if err != nil {
				return err
			}
			for _, dir := range []string{paths.SignalDir, paths.WorktreeDir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}

			store, err := eventlog.Open(paths.LogDBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			runner := &capability.ExecCommandRunner{}
			caps := executor.Capabilities{
				Sessions: capability.NewTmuxSessions(runner),
				Repo:     capability.NewGitRepository(cfg.Repo.Root, cfg.Repo.MainBranch, runner),
				Tracker:  capability.NewCLITracker(cfg.Tracker.Bin, runner),
				Notifier: capability.NewDesktopNotifier(runner),
			}
			x := executor.New(store, caps, executor.Options{
				Config:      cfg,
				Kinds:       kinds,
				WorktreeDir: paths.WorktreeDir,
				Logf:        log.Printf,
			})

			ctx, cancel := SetupSignalContext(cmd.Context())
			defer cancel()

			if err := x.Rebuild(ctx); err != nil {
				return fmt.Errorf("rebuild state: %w", err)
			}
			if err := WritePIDFile(paths.PIDPath, os.Getpid()); err != nil {
				return err
			}
			defer func() {
				if err := RemovePIDFile(paths.PIDPath); err != nil {
					log.Printf("cleanup: %v", err)
				}
			}()

			log.Printf("loom daemon up (pid %d, log %s)", os.Getpid(), paths.LogDBPath)

			watchErr := make(chan error, 1)
			go func() {
				watchErr <- watchSignals(ctx, paths.SignalDir, x, log.Printf)
			}()

			err = x.Run(ctx)
			if werr := <-watchErr; werr != nil && !errors.Is(werr, context.Canceled) {
				log.Printf("signal watcher: %v", werr)
			}
			if errors.Is(err, context.Canceled) {
				log.Printf("loom daemon shutting down")
				return nil
			}
			return err
		},
	}
}
