package capability

import (
	"context"
	"encoding/json"
	"fmt"
)

// CLITracker implements Tracker by shelling out to the issue-tracker CLI
// (the `bd` bead tool by default).
type CLITracker struct {
	bin    string
	runner CommandRunner
}

// NewCLITracker returns a Tracker backed by the given CLI binary. bin
// defaults to "bd" when empty.
func NewCLITracker(bin string, runner CommandRunner) *CLITracker {
	if bin == "" {
		bin = "bd"
	}
	return &CLITracker{bin: bin, runner: runner}
}

// List runs `<bin> ready --json` (or `list --filter=<f> --json`) and
// parses the output.
func (t *CLITracker) List(ctx context.Context, filter string) ([]Issue, error) {
	args := []string{"ready", "--json"}
	if filter != "" {
		args = []string{"list", "--filter=" + filter, "--json"}
	}
	out, err := t.runner.Run(ctx, t.bin, args...)
	if err != nil {
		return nil, fmt.Errorf("%s list: %w", t.bin, err)
	}
	var issues []Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("parse %s list output: %w", t.bin, err)
	}
	return issues, nil
}

// Get runs `<bin> show <id> --json`.
func (t *CLITracker) Get(ctx context.Context, id string) (*Issue, error) {
	out, err := t.runner.Run(ctx, t.bin, "show", id, "--json")
	if err != nil {
		return nil, fmt.Errorf("%s show %s: %w", t.bin, id, err)
	}
	var issue Issue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, fmt.Errorf("parse %s show output: %w", t.bin, err)
	}
	return &issue, nil
}

// Start runs `<bin> start <id>`.
func (t *CLITracker) Start(ctx context.Context, id string) error {
	if _, err := t.runner.Run(ctx, t.bin, "start", id); err != nil {
		return fmt.Errorf("%s start %s: %w", t.bin, id, err)
	}
	return nil
}

// Done runs `<bin> close <id>`.
func (t *CLITracker) Done(ctx context.Context, id string) error {
	if _, err := t.runner.Run(ctx, t.bin, "close", id); err != nil {
		return fmt.Errorf("%s close %s: %w", t.bin, id, err)
	}
	return nil
}

// Note runs `<bin> comment <id> <text>`.
func (t *CLITracker) Note(ctx context.Context, id, text string) error {
	if _, err := t.runner.Run(ctx, t.bin, "comment", id, text); err != nil {
		return fmt.Errorf("%s comment %s: %w", t.bin, id, err)
	}
	return nil
}
