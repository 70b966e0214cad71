package capability

import (
	"context"
	"fmt"
	"strings"

	"loom/pkg/protocol"
)

// TmuxSessions is the production Sessions capability. Each loom session
// is one detached tmux session; the session ID doubles as the tmux
// session name.
type TmuxSessions struct {
	runner CommandRunner
}

// NewTmuxSessions returns a Sessions capability backed by the tmux CLI.
func NewTmuxSessions(runner CommandRunner) *TmuxSessions {
	return &TmuxSessions{runner: runner}
}

// Spawn starts a detached tmux session named name in cwd running command.
func (t *TmuxSessions) Spawn(ctx context.Context, name, cwd, command string) (string, error) {
	if err := protocol.ValidateID(name); err != nil {
		return "", fmt.Errorf("session name: %w", err)
	}
	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if command != "" {
		args = append(args, command)
	}
	if _, err := t.runner.Run(ctx, "tmux", args...); err != nil {
		return "", fmt.Errorf("tmux new-session %s: %w", name, err)
	}
	return name, nil
}

// Send pastes input into the session as literal text and presses Enter.
// The set-buffer/paste-buffer pair avoids send-keys interpreting the
// input as key names.
func (t *TmuxSessions) Send(ctx context.Context, sessionID, input string) error {
	if _, err := t.runner.Run(ctx, "tmux", "set-buffer", "-b", "loom-send", input); err != nil {
		return fmt.Errorf("tmux set-buffer: %w", err)
	}
	if _, err := t.runner.Run(ctx, "tmux", "paste-buffer", "-b", "loom-send", "-t", sessionID, "-d"); err != nil {
		return fmt.Errorf("tmux paste-buffer to %s: %w", sessionID, err)
	}
	if _, err := t.runner.Run(ctx, "tmux", "send-keys", "-t", sessionID, "Enter"); err != nil {
		return fmt.Errorf("tmux send-keys Enter to %s: %w", sessionID, err)
	}
	return nil
}

// Kill ends the session. Killing a session that is already gone
// succeeds — the end state matches the intent.
func (t *TmuxSessions) Kill(ctx context.Context, sessionID string) error {
	alive, err := t.IsAlive(ctx, sessionID)
	if err != nil || !alive {
		return nil
	}
	if _, err := t.runner.Run(ctx, "tmux", "kill-session", "-t", sessionID); err != nil {
		// Lost a race with the session exiting on its own.
		if stillAlive, checkErr := t.IsAlive(ctx, sessionID); checkErr == nil && !stillAlive {
			return nil
		}
		return fmt.Errorf("tmux kill-session %s: %w", sessionID, err)
	}
	return nil
}

// IsAlive reports whether the session exists.
func (t *TmuxSessions) IsAlive(ctx context.Context, sessionID string) (bool, error) {
	_, err := t.runner.Run(ctx, "tmux", "has-session", "-t", sessionID)
	return err == nil, nil
}

// CaptureOutput returns the last lines of pane output.
func (t *TmuxSessions) CaptureOutput(ctx context.Context, sessionID string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := t.runner.Run(ctx, "tmux", "capture-pane", "-p", "-t", sessionID,
		"-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", sessionID, err)
	}
	return string(out), nil
}

// List returns every running tmux session.
func (t *TmuxSessions) List(ctx context.Context) ([]SessionInfo, error) {
	out, err := t.runner.Run(ctx, "tmux", "list-sessions", "-F", "#{session_name}\t#{session_created}")
	if err != nil {
		// No server running means no sessions, not a failure.
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var infos []SessionInfo
	for line := range strings.Lines(strings.TrimSpace(string(out))) {
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		name, created, _ := strings.Cut(line, "\t")
		infos = append(infos, SessionInfo{ID: name, Name: name, Created: created})
	}
	return infos, nil
}
