package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"loom/pkg/eventlog"
	"loom/pkg/protocol"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail   int
	kind   string
	scope  string
	follow bool
}

// newLogsCmd creates the "loom logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs [entity-id]",
		Short: "Query and tail the event log",
		Long:  "Displays committed events, newest last. Optionally filter by\nentity-id, scope or kind, and follow new events.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entityID string
			if len(args) == 1 {
				entityID = args[0]
			}
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			reader, err := eventlog.NewReader(paths.LogDBPath)
			if err != nil {
				return fmt.Errorf("open log: %w", err)
			}
			defer reader.Close()

			opts := eventlog.QueryOpts{
				Scope:    protocol.Scope(cfg.scope),
				EntityID: entityID,
				Kind:     cfg.kind,
				Limit:    cfg.tail,
			}
			w := cmd.OutOrStdout()
			if cfg.follow {
				return followLogs(cmd.Context(), reader, w, opts)
			}
			entries, err := reader.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printEntries(w, entries)
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().StringVar(&cfg.kind, "kind", "", "filter by event kind (e.g. task:stuck)")
	cmd.Flags().StringVar(&cfg.scope, "scope", "", "filter by entity scope (e.g. pipeline)")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")

	return cmd
}

// printEntries renders query results oldest first.
func printEntries(w io.Writer, entries []eventlog.Entry) {
	for i := len(entries) - 1; i >= 0; i-- {
		printEntry(w, entries[i])
	}
}

func printEntry(w io.Writer, e eventlog.Entry) {
	line := fmt.Sprintf("%6d  %s  %-28s %s",
		e.Seq, e.Event.At.Format("15:04:05"), e.Event.Kind, e.Event.Entity.String())
	switch {
	case e.Event.Fail != nil:
		line += "  " + e.Event.Fail.Reason
	case e.Event.Phase != nil && e.Event.Phase.Phase != "":
		line += "  phase=" + e.Event.Phase.Phase
	case e.Event.Holder != nil:
		line += "  holder=" + e.Event.Holder.Holder
	case e.Event.Item != nil:
		line += "  item=" + e.Event.Item.ID
	}
	fmt.Fprintln(w, line)
}

// followLogs prints matching entries then polls for new ones until the
// context is cancelled.
func followLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, opts eventlog.QueryOpts) error {
	entries, err := reader.Query(ctx, opts)
	if err != nil {
		return err
	}
	printEntries(w, entries)
	var lastSeq int64
	if len(entries) > 0 {
		lastSeq = entries[0].Seq
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fresh := opts
			fresh.Limit = 0
			entries, err := reader.Query(ctx, fresh)
			if err != nil {
				return err
			}
			for i := len(entries) - 1; i >= 0; i-- {
				if entries[i].Seq > lastSeq {
					printEntry(w, entries[i])
					lastSeq = entries[i].Seq
				}
			}
		}
	}
}
