package main

import (
	"fmt"

	"loom/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root loom command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Loom pipeline orchestrator",
		Long:          "loom runs multi-phase agent pipelines: phases execute in terminal\nsessions inside git worktrees, supervised by a heartbeat-driven daemon.",
		Version:       fmt.Sprintf("loom %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newRunCmd(),
		newStopCmd(),
		newStatusCmd(),
		newStartCmd(),
		newSignalCmd(),
		newLogsCmd(),
	)

	return cmd
}
