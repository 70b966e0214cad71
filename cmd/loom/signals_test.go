package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loom/pkg/capability"
	"loom/pkg/clock"
	"loom/pkg/config"
	"loom/pkg/eventlog"
	"loom/pkg/executor"
	"loom/pkg/pipeline"
	"loom/pkg/protocol"
	"loom/pkg/resource"
)

func newSignalExecutor(t *testing.T, cfg config.Config) *executor.Executor {
	t.Helper()
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return executor.New(store, executor.Capabilities{
		Sessions: capability.NewFakeSessions(),
		Repo:     capability.NewFakeRepository(),
		Tracker:  capability.NewFakeTracker(),
		Notifier: capability.NewFakeNotifier(),
	}, executor.Options{
		Config: cfg,
		Clock:  clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		IDs:    &clock.SeqGen{},
	})
}

func TestIsSignalFile(t *testing.T) {
	tests := []struct {
		name string
		path string
		want bool
	}{
		{"signal file", "sig-123.json", true},
		{"full path", "/tmp/signals/sig-9.json", true},
		{"tmp file", ".sig-123.json.tmp", false},
		{"wrong prefix", "note-123.json", false},
		{"wrong suffix", "sig-123.yaml", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSignalFile(tt.path); got != tt.want {
				t.Errorf("isSignalFile(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestWriteSignalRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	sig := Signal{Op: "start", Kind: "build", Name: "fix-login", Inputs: map[string]string{"issue": "is-1"}}
	if err := writeSignal(dir, sig); err != nil {
		t.Fatalf("writeSignal() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !isSignalFile(entries[0].Name()) {
		t.Fatalf("dir entries = %v, want one signal file and no leftovers", entries)
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	var got Signal
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal signal: %v", err)
	}
	if got.Op != "start" || got.Kind != "build" || got.Inputs["issue"] != "is-1" {
		t.Errorf("signal = %+v, want round trip", got)
	}
}

func TestDrainSignalsAppliesAndRemoves(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	x := newSignalExecutor(t, config.Config{})

	if err := writeSignal(dir, Signal{Op: "start", Kind: "build", Name: "drained"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sig-0.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	drainSignals(context.Background(), dir, x, func(string, ...any) {})

	tree := x.Tree()
	if len(tree.Pipelines) != 1 {
		t.Fatalf("pipelines = %d, want 1", len(tree.Pipelines))
	}
	for _, p := range tree.Pipelines {
		if p.Kind != "build" || p.State != pipeline.Running {
			t.Errorf("pipeline = %+v, want running build", p)
		}
	}

	// Applied and malformed files are both consumed.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dir entries = %v, want drained", entries)
	}
}

func TestApplySignalFileDoneOp(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	x := newSignalExecutor(t, config.Config{})

	id, err := x.StartPipeline(context.Background(), "build", "fix-login", nil)
	if err != nil {
		t.Fatal(err)
	}

	sig := Signal{Op: "done", Workspace: "ws-" + id, Outputs: map[string]string{"plan": "done"}}
	if err := writeSignal(dir, sig); err != nil {
		t.Fatal(err)
	}
	drainSignals(context.Background(), dir, x, func(string, ...any) {})

	p := x.Tree().Pipelines[id]
	if p.Phase != "decompose" || p.State != pipeline.Running {
		t.Errorf("pipeline = %q/%q, want running in decompose", p.State, p.Phase)
	}
	if p.Outputs["plan"] != "done" {
		t.Errorf("outputs = %v, want plan recorded", p.Outputs)
	}
}

func TestApplySignalFileCheckpointOp(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	x := newSignalExecutor(t, config.Config{})

	id, err := x.StartPipeline(context.Background(), "build", "fix-login", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := writeSignal(dir, Signal{Op: "checkpoint", Workspace: "ws-" + id}); err != nil {
		t.Fatal(err)
	}
	drainSignals(context.Background(), dir, x, func(string, ...any) {})

	p := x.Tree().Pipelines[id]
	if p.Seq != 1 || len(p.Checkpoints) != 1 {
		t.Errorf("seq = %d, checkpoints = %d, want one checkpoint", p.Seq, len(p.Checkpoints))
	}
}

func TestApplySignalFileEventOp(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "signals")
	cfg := config.Config{Locks: []config.LockDef{{Name: "merge"}}}
	x := newSignalExecutor(t, cfg)

	ev := protocol.NewEvent(protocol.EvLockAcquire,
		protocol.EntityRef{Scope: protocol.ScopeLock, ID: "merge"}, time.Time{})
	ev.Holder = &protocol.HolderPayload{Holder: "cli"}
	if err := writeSignal(dir, Signal{Op: "event", Event: &ev}); err != nil {
		t.Fatal(err)
	}

	drainSignals(context.Background(), dir, x, func(string, ...any) {})

	l := x.Tree().Locks["merge"]
	if l.State != resource.LockHeld || l.Holder != "cli" {
		t.Errorf("lock = %q held by %q, want held by cli", l.State, l.Holder)
	}
}
