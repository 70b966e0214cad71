package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"loom/pkg/eventlog"
	"loom/pkg/executor"
	"loom/pkg/pipeline"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	statusGood = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	statusWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	statusBad  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// newStatusCmd creates the "loom status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and pipeline state",
		Long:  "Displays daemon liveness and a summary of pipelines, tasks,\nsessions and resources from the latest state snapshot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			w := cmd.OutOrStdout()
			color := isTerminal(w)

			status, pid, err := DaemonStatus(paths.PIDPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "daemon: %s", paintStatus(string(status), status, color))
			if pid != 0 {
				fmt.Fprintf(w, " (pid %d)", pid)
			}
			fmt.Fprintln(w)

			reader, err := eventlog.NewReader(paths.LogDBPath)
			if err != nil {
				fmt.Fprintln(w, "no event log yet; run 'loom init'")
				return nil
			}
			defer reader.Close()

			_, treeJSON, err := reader.LatestSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			if treeJSON == nil {
				fmt.Fprintln(w, "no state yet")
				return nil
			}
			tree := executor.NewTree()
			if err := json.Unmarshal(treeJSON, &tree); err != nil {
				return fmt.Errorf("parse state snapshot: %w", err)
			}
			printTree(w, tree, color)
			return nil
		},
	}
}

func printTree(w io.Writer, tree executor.Tree, color bool) {
	if len(tree.Pipelines) == 0 {
		fmt.Fprintln(w, "no pipelines")
	} else {
		fmt.Fprintln(w, "\npipelines:")
		ids := make([]string, 0, len(tree.Pipelines))
		for id := range tree.Pipelines {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p := tree.Pipelines[id]
			line := fmt.Sprintf("  %-14s %-8s %-10s", id, p.Kind, paintPipeline(p, color))
			if p.Phase != "" {
				line += " phase=" + p.Phase
			}
			if p.Reason != "" {
				line += " reason=" + p.Reason
			}
			fmt.Fprintln(w, line)
		}
	}

	active := 0
	for _, t := range tree.Tasks {
		if !t.Terminal() {
			active++
		}
	}
	fmt.Fprintf(w, "\ntasks: %d active / %d total   sessions: %d   workspaces: %d\n",
		active, len(tree.Tasks), len(tree.Sessions), len(tree.Workspaces))

	for _, name := range sortedKeys(tree.Locks) {
		l := tree.Locks[name]
		holder := "free"
		if l.Holder != "" {
			holder = "held by " + l.Holder
		}
		fmt.Fprintf(w, "lock %s: %s\n", name, holder)
	}
	for _, name := range sortedKeys(tree.Semaphores) {
		s := tree.Semaphores[name]
		fmt.Fprintf(w, "semaphore %s: %d/%d used\n", name, s.Used(), s.Capacity)
	}
	for _, name := range sortedKeys(tree.Queues) {
		q := tree.Queues[name]
		fmt.Fprintf(w, "queue %s: %d pending, %d claimed, %d dead\n",
			name, len(q.Pending), len(q.Claimed), len(q.DeadLetters))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func paintStatus(text string, status DaemonStatusValue, color bool) string {
	if !color {
		return text
	}
	switch status {
	case StatusRunning:
		return statusGood.Render(text)
	case StatusStale:
		return statusWarn.Render(text)
	default:
		return statusBad.Render(text)
	}
}

func paintPipeline(p pipeline.Pipeline, color bool) string {
	text := string(p.State)
	if !color {
		return text
	}
	switch p.State {
	case pipeline.Running, pipeline.Done:
		return statusGood.Render(text)
	case pipeline.Blocked, pipeline.Init:
		return statusWarn.Render(text)
	default:
		return statusBad.Render(text)
	}
}
