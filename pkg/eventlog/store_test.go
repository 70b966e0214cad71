package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"loom/pkg/protocol"
)

var logEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func taskEvent(kind, id string) protocol.Event {
	return protocol.NewEvent(kind, protocol.EntityRef{Scope: protocol.ScopeTask, ID: id}, logEpoch)
}

func TestAppendAssignsMonotonicSeqs(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var last int64
	for i, kind := range []string{protocol.EvTaskStarted, protocol.EvTaskStuck, protocol.EvTaskDone} {
		seq, err := s.Append(ctx, taskEvent(kind, "t-1"))
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		if seq <= last {
			t.Fatalf("seq = %d after %d, want strictly increasing", seq, last)
		}
		last = seq
	}
}

func TestSinceReturnsTail(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ev := taskEvent(protocol.EvTaskStuck, "t-1")
	ev.Stuck = &protocol.StuckPayload{Since: logEpoch, Nudges: 1}
	first, _ := s.Append(ctx, ev)
	s.Append(ctx, taskEvent(protocol.EvTaskNudged, "t-1"))
	s.Append(ctx, taskEvent(protocol.EvTaskDone, "t-1"))

	entries, err := s.Since(ctx, first)
	if err != nil {
		t.Fatalf("Since() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 after seq %d", len(entries), first)
	}
	if entries[0].Event.Kind != protocol.EvTaskNudged || entries[1].Event.Kind != protocol.EvTaskDone {
		t.Errorf("kinds = %q, %q", entries[0].Event.Kind, entries[1].Event.Kind)
	}

	// Payloads survive the round trip.
	all, err := s.Since(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if all[0].Event.Stuck == nil || all[0].Event.Stuck.Nudges != 1 {
		t.Errorf("stuck payload = %+v, want nudges 1", all[0].Event.Stuck)
	}
	if all[0].Event.Entity.ID != "t-1" || all[0].Event.Entity.Scope != protocol.ScopeTask {
		t.Errorf("entity = %v", all[0].Event.Entity)
	}
}

func TestSaveCheckpointPrunesHistory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		cp := protocol.Checkpoint{
			PipelineID: "pl-1",
			Seq:        i,
			State:      "running",
			Phase:      "execute",
			CreatedAt:  logEpoch,
		}
		if err := s.SaveCheckpoint(ctx, cp, 3); err != nil {
			t.Fatalf("SaveCheckpoint(%d) error = %v", i, err)
		}
	}

	cps, err := s.Checkpoints(ctx, "pl-1")
	if err != nil {
		t.Fatalf("Checkpoints() error = %v", err)
	}
	if len(cps) != 3 {
		t.Fatalf("checkpoints = %d, want pruned to 3", len(cps))
	}
	for i, want := range []int{3, 4, 5} {
		if cps[i].Seq != want {
			t.Errorf("cps[%d].Seq = %d, want %d", i, cps[i].Seq, want)
		}
	}
}

func TestCheckpointsScopedToPipeline(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	s.SaveCheckpoint(ctx, protocol.Checkpoint{PipelineID: "pl-1", Seq: 1, CreatedAt: logEpoch}, 10)
	s.SaveCheckpoint(ctx, protocol.Checkpoint{PipelineID: "pl-2", Seq: 1, CreatedAt: logEpoch}, 10)

	cps, err := s.Checkpoints(ctx, "pl-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 1 || cps[0].PipelineID != "pl-1" {
		t.Errorf("checkpoints = %+v, want only pl-1", cps)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if seq, tree, err := s.LatestSnapshot(ctx); err != nil || seq != 0 || tree != nil {
		t.Fatalf("empty LatestSnapshot() = %d, %v, %v; want 0, nil, nil", seq, tree, err)
	}

	if err := s.SaveSnapshot(ctx, 7, []byte(`{"pipelines":{}}`)); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if err := s.SaveSnapshot(ctx, 12, []byte(`{"pipelines":{"pl-1":{}}}`)); err != nil {
		t.Fatal(err)
	}

	seq, tree, err := s.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot() error = %v", err)
	}
	if seq != 12 {
		t.Errorf("seq = %d, want latest 12", seq)
	}
	if string(tree) != `{"pipelines":{"pl-1":{}}}` {
		t.Errorf("tree = %s", tree)
	}
}

func TestReaderQueryFilters(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "events.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	s.Append(ctx, taskEvent(protocol.EvTaskStarted, "t-1"))
	s.Append(ctx, taskEvent(protocol.EvTaskStuck, "t-1"))
	s.Append(ctx, taskEvent(protocol.EvTaskStarted, "t-2"))
	s.Append(ctx, protocol.NewEvent(protocol.EvDone, protocol.EntityRef{Scope: protocol.ScopePipeline, ID: "pl-1"}, logEpoch))
	s.Close()

	r, err := NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer r.Close()

	tests := []struct {
		name string
		opts QueryOpts
		want int
	}{
		{name: "all", opts: QueryOpts{}, want: 4},
		{name: "by scope", opts: QueryOpts{Scope: protocol.ScopeTask}, want: 3},
		{name: "by entity", opts: QueryOpts{EntityID: "t-1"}, want: 2},
		{name: "by kind", opts: QueryOpts{Kind: protocol.EvTaskStarted}, want: 2},
		{name: "scope and kind", opts: QueryOpts{Scope: protocol.ScopeTask, Kind: protocol.EvTaskStuck}, want: 1},
		{name: "limit", opts: QueryOpts{Limit: 2}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := r.Query(ctx, tt.opts)
			if err != nil {
				t.Fatalf("Query() error = %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("entries = %d, want %d", len(entries), tt.want)
			}
		})
	}

	// Newest first.
	entries, err := r.Query(ctx, QueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq >= entries[i-1].Seq {
			t.Errorf("entries not newest-first: %d then %d", entries[i-1].Seq, entries[i].Seq)
		}
	}
}

func TestNewReaderMissingFile(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "nope.db")); err == nil {
		t.Error("NewReader() = nil error for missing database")
	}
}
