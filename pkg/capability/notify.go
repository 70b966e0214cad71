package capability

import (
	"context"
	"fmt"
	"runtime"
	"strings"
)

// DesktopNotifier is the production Notifier: notify-send on Linux,
// osascript on macOS.
type DesktopNotifier struct {
	goos   string
	runner CommandRunner
}

// NewDesktopNotifier returns a Notifier for the current platform.
func NewDesktopNotifier(runner CommandRunner) *DesktopNotifier {
	return &DesktopNotifier{goos: runtime.GOOS, runner: runner}
}

// Notify raises a desktop notification. Unknown urgency falls back to
// normal.
func (n *DesktopNotifier) Notify(ctx context.Context, title, message, urgency string) error {
	switch urgency {
	case "low", "normal", "critical":
	default:
		urgency = "normal"
	}

	if n.goos == "darwin" {
		script := fmt.Sprintf(`display notification "%s" with title "%s"`, escapeAppleScript(message), escapeAppleScript(title))
		if _, err := n.runner.Run(ctx, "osascript", "-e", script); err != nil {
			return fmt.Errorf("osascript: %w", err)
		}
		return nil
	}

	if _, err := n.runner.Run(ctx, "notify-send", "-u", urgency, title, message); err != nil {
		return fmt.Errorf("notify-send: %w", err)
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
