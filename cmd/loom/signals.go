package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"loom/pkg/executor"
	"loom/pkg/protocol"

	"github.com/fsnotify/fsnotify"
)

// Signal is the on-disk control message format. Commands drop JSON files
// into the signal directory; the running daemon picks them up, applies
// them, and deletes them. This keeps the CLI decoupled from the daemon
// process without a socket.
type Signal struct {
	Op        string            `json:"op"` // "start", "event", "done" or "checkpoint"
	Kind      string            `json:"kind,omitempty"`
	Name      string            `json:"name,omitempty"`
	Inputs    map[string]string `json:"inputs,omitempty"`
	Event     *protocol.Event   `json:"event,omitempty"`
	Workspace string            `json:"workspace,omitempty"`
	Error     string            `json:"error,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
}

// writeSignal atomically drops a signal file into dir.
func writeSignal(dir string, sig Signal) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create signal dir: %w", err)
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	name := fmt.Sprintf("sig-%d.json", time.Now().UnixNano())
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("publish signal: %w", err)
	}
	return nil
}

// watchSignals consumes signal files until the context ends. Files
// present at startup are drained first, then fsnotify delivers new ones.
func watchSignals(ctx context.Context, dir string, x *executor.Executor, logf func(string, ...any)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	drainSignals(ctx, dir, x, logf)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isSignalFile(ev.Name) {
				continue
			}
			applySignalFile(ctx, ev.Name, x, logf)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf("signal watcher: %v", err)
		}
	}
}

func drainSignals(ctx context.Context, dir string, x *executor.Executor, logf func(string, ...any)) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logf("read signal dir: %v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isSignalFile(e.Name()) {
			continue
		}
		applySignalFile(ctx, filepath.Join(dir, e.Name()), x, logf)
	}
}

func isSignalFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, "sig-") && strings.HasSuffix(base, ".json")
}

// applySignalFile reads, applies and removes one signal file. Malformed
// files are removed too, so a bad drop cannot wedge the watcher.
func applySignalFile(ctx context.Context, path string, x *executor.Executor, logf func(string, ...any)) {
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logf("remove signal %s: %v", path, err)
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		logf("read signal %s: %v", path, err)
		return
	}
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		logf("parse signal %s: %v", path, err)
		return
	}

	switch sig.Op {
	case "start":
		id, err := x.StartPipeline(ctx, sig.Kind, sig.Name, sig.Inputs)
		if err != nil {
			logf("start pipeline: %v", err)
			return
		}
		logf("started pipeline %s (%s)", id, sig.Kind)
	case "event":
		if sig.Event == nil {
			logf("signal %s: event op without event", path)
			return
		}
		if err := x.Handle(ctx, *sig.Event); err != nil {
			logf("apply %s: %v", sig.Event.Kind, err)
		}
	case "done":
		if err := x.SignalDone(ctx, sig.Workspace, sig.Error, sig.Outputs); err != nil {
			logf("done %s: %v", sig.Workspace, err)
		}
	case "checkpoint":
		if err := x.SignalCheckpoint(ctx, sig.Workspace); err != nil {
			logf("checkpoint %s: %v", sig.Workspace, err)
		}
	default:
		logf("signal %s: unknown op %q", path, sig.Op)
	}
}
