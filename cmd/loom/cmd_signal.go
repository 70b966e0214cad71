package main

import (
	"fmt"
	"strings"
	"time"

	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// newSignalCmd creates the "loom signal" subcommand tree: hand-injected
// events for the running daemon.
func newSignalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Inject control events into the running daemon",
	}
	cmd.AddCommand(
		newUnblockCmd(),
		newRestoreCmd(),
		newDoneCmd(),
		newCheckpointCmd(),
		newPushCmd(),
		newReleaseLockCmd(),
		newReleaseSemCmd(),
	)
	return cmd
}

// dropSignal writes one signal file for the daemon to pick up.
func dropSignal(sig Signal) error {
	paths, err := ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	return writeSignal(paths.SignalDir, sig)
}

// dropEvent validates the target ID and writes an event signal file.
func dropEvent(ev protocol.Event) error {
	if err := protocol.ValidateID(ev.Entity.ID); err != nil {
		return err
	}
	ev.At = time.Now()
	return dropSignal(Signal{Op: "event", Event: &ev})
}

func newUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <pipeline-id>",
		Short: "Resume a blocked pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dropEvent(protocol.NewEvent(protocol.EvUnblock,
				protocol.EntityRef{Scope: protocol.ScopePipeline, ID: args[0]}, time.Time{}))
		},
	}
}

func newRestoreCmd() *cobra.Command {
	var seq int
	cmd := &cobra.Command{
		Use:   "restore <pipeline-id>",
		Short: "Rewind a blocked or failed pipeline to a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := protocol.NewEvent(protocol.EvRestore,
				protocol.EntityRef{Scope: protocol.ScopePipeline, ID: args[0]}, time.Time{})
			ev.Restore = &protocol.RestorePayload{Seq: seq}
			return dropEvent(ev)
		},
	}
	cmd.Flags().IntVar(&seq, "seq", 0, "checkpoint sequence to restore")
	_ = cmd.MarkFlagRequired("seq")
	return cmd
}

func newDoneCmd() *cobra.Command {
	var (
		errMsg  string
		outputs []string
	)
	cmd := &cobra.Command{
		Use:   "done <workspace-id>",
		Short: "Report the agent in a workspace finished its phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := protocol.ValidateID(args[0]); err != nil {
				return err
			}
			sig := Signal{Op: "done", Workspace: args[0], Error: errMsg}
			for _, kv := range outputs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("output %q: want key=value", kv)
				}
				if sig.Outputs == nil {
					sig.Outputs = map[string]string{}
				}
				sig.Outputs[k] = v
			}
			return dropSignal(sig)
		},
	}
	cmd.Flags().StringVar(&errMsg, "error", "", "fail the phase with this reason instead")
	cmd.Flags().StringArrayVar(&outputs, "output", nil, "phase output as key=value (repeatable)")
	return cmd
}

func newCheckpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint <workspace-id>",
		Short: "Snapshot the pipeline running in a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := protocol.ValidateID(args[0]); err != nil {
				return err
			}
			return dropSignal(Signal{Op: "checkpoint", Workspace: args[0]})
		},
	}
}

func newPushCmd() *cobra.Command {
	var (
		priority    int
		payload     string
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "push <queue> <item-id>",
		Short: "Push a work item onto a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := protocol.NewEvent(protocol.EvQueuePush,
				protocol.EntityRef{Scope: protocol.ScopeQueue, ID: args[0]}, time.Time{})
			ev.Item = &protocol.WorkItem{
				ID:          args[1],
				Payload:     payload,
				Priority:    priority,
				MaxAttempts: maxAttempts,
			}
			return dropEvent(ev)
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "higher claims first")
	cmd.Flags().StringVar(&payload, "payload", "", "opaque item payload")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "retry budget before dead-lettering (0 = unlimited)")
	return cmd
}

func newReleaseLockCmd() *cobra.Command {
	var holder string
	cmd := &cobra.Command{
		Use:   "release-lock <name>",
		Short: "Release a named lock on behalf of its holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := protocol.NewEvent(protocol.EvLockRelease,
				protocol.EntityRef{Scope: protocol.ScopeLock, ID: args[0]}, time.Time{})
			ev.Holder = &protocol.HolderPayload{Holder: holder}
			return dropEvent(ev)
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "current holder ID")
	_ = cmd.MarkFlagRequired("holder")
	return cmd
}

func newReleaseSemCmd() *cobra.Command {
	var holder string
	cmd := &cobra.Command{
		Use:   "release-sem <name>",
		Short: "Release a semaphore holding on behalf of its holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := protocol.NewEvent(protocol.EvSemRelease,
				protocol.EntityRef{Scope: protocol.ScopeSemaphore, ID: args[0]}, time.Time{})
			ev.Holder = &protocol.HolderPayload{Holder: holder}
			return dropEvent(ev)
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "current holder ID")
	_ = cmd.MarkFlagRequired("holder")
	return cmd
}
