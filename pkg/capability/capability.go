// Package capability defines the external capability interfaces the
// executor calls, their production implementations (shell-outs to tmux,
// git, the issue-tracker CLI and the desktop notifier), and in-memory
// deterministic fakes. The core never touches these directly — effects
// name intents, the executor picks the capability, and outcomes come
// back as events.
//
// Both implementations of each interface are held to the same contract
// test suite; the core is indifferent to which is active.
package capability

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"loom/pkg/protocol"
)

// SessionInfo describes one live session as reported by the multiplexer.
type SessionInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Created string `json:"created,omitempty"`
}

// Sessions supervises terminal processes. Kill is idempotent: killing a
// session that is already gone succeeds.
type Sessions interface {
	Spawn(ctx context.Context, name, cwd, command string) (sessionID string, err error)
	Send(ctx context.Context, sessionID, input string) error
	Kill(ctx context.Context, sessionID string) error
	IsAlive(ctx context.Context, sessionID string) (bool, error)
	CaptureOutput(ctx context.Context, sessionID string, lines int) (string, error)
	List(ctx context.Context) ([]SessionInfo, error)
}

// MergeOutcome classifies how a merge landed.
type MergeOutcome string

// Merge outcomes.
const (
	MergeSuccess       MergeOutcome = "success"
	MergeFastForwarded MergeOutcome = "fast_forwarded"
	MergeRebased       MergeOutcome = "rebased"
	MergeConflict      MergeOutcome = "conflict"
)

// MergeResult is the outcome of one merge attempt. ConflictFiles is set
// only for MergeConflict.
type MergeResult struct {
	Outcome       MergeOutcome `json:"outcome"`
	CommitSHA     string       `json:"commit_sha,omitempty"`
	ConflictFiles []string     `json:"conflict_files,omitempty"`
}

// Repository manages worktrees and merges for the version-controlled
// workspace directories.
type Repository interface {
	WorktreeAdd(ctx context.Context, branch, path string) error
	WorktreeRemove(ctx context.Context, path string) error
	IsClean(ctx context.Context, path string) (bool, error)
	Merge(ctx context.Context, path, branch string, strategy protocol.MergeStrategy) (MergeResult, error)
}

// Issue is one tracker work item.
type Issue struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Priority int    `json:"priority"`
	Status   string `json:"status,omitempty"`
}

// Tracker is the issue-tracker surface the executor drains work from
// and reports progress to.
type Tracker interface {
	List(ctx context.Context, filter string) ([]Issue, error)
	Get(ctx context.Context, id string) (*Issue, error)
	Start(ctx context.Context, id string) error
	Done(ctx context.Context, id string) error
	Note(ctx context.Context, id, text string) error
}

// Notifier surfaces escalations to a human.
type Notifier interface {
	Notify(ctx context.Context, title, message, urgency string) error
}

// CommandRunner abstracts command execution for testability. Production
// implementation uses os/exec; tests provide a scripted mock.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecCommandRunner implements CommandRunner using os/exec.
type ExecCommandRunner struct{}

// Run executes a command and returns its stdout as bytes. Stderr from a
// failed command is folded into the error.
func (r *ExecCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, exitErr.Stderr)
		}
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}
