package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newStartCmd creates the "loom start" subcommand: start one pipeline.
func newStartCmd() *cobra.Command {
	var (
		kind   string
		inputs []string
	)

	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a new pipeline",
		Long:  "Drops a start signal for the running daemon. Inputs are key=value\npairs; an \"issue\" input ties the pipeline to a tracker item.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			if status, _, _ := DaemonStatus(paths.PIDPath); status != StatusRunning {
				return fmt.Errorf("daemon is not running; start it with 'loom run'")
			}

			parsed := map[string]string{}
			for _, kv := range inputs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("input %q is not key=value", kv)
				}
				parsed[k] = v
			}

			sig := Signal{Op: "start", Kind: kind, Name: args[0], Inputs: parsed}
			if err := writeSignal(paths.SignalDir, sig); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s pipeline %q\n", kind, args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "build", "pipeline kind from the catalog")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "pipeline input as key=value (repeatable)")

	return cmd
}
