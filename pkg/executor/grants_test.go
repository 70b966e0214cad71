package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"loom/pkg/config"
	"loom/pkg/pipeline"
	"loom/pkg/protocol"
	"loom/pkg/resource"
)

func grantConfig() config.Config {
	return config.Config{
		Locks:      []config.LockDef{{Name: "merge", HeartbeatTimeout: config.Duration(time.Minute)}},
		Semaphores: []config.SemDef{{Name: "agents", Capacity: 2, HeartbeatTimeout: config.Duration(time.Minute)}},
	}
}

func needyKinds() config.Kinds {
	return config.Kinds{Kinds: map[string]config.KindDef{
		"guarded": {
			Phases: []string{"work", "land"},
			Needs: map[string]config.PhaseNeed{
				"work": {Semaphore: "agents", Weight: 2},
				"land": {Lock: "merge"},
			},
		},
	}}
}

func TestPhaseNeedsAcquireAndRelease(t *testing.T) {
	f := newFixture(t, grantConfig(), needyKinds())
	ctx := context.Background()

	if _, err := f.x.StartPipeline(ctx, "guarded", "job", nil); err != nil {
		t.Fatal(err)
	}

	tree := f.x.Tree()
	if p := tree.Pipelines["pl-1"]; p.Phase != "work" || p.State != pipeline.Running {
		t.Fatalf("pipeline = %q/%q, want running in work", p.State, p.Phase)
	}
	if s := tree.Semaphores["agents"]; !s.Holds("pl-1") || s.Used() != 2 {
		t.Fatalf("semaphore = %+v, want pl-1 admitted at weight 2", s)
	}

	f.completeTask(t, "task-2", nil)

	tree = f.x.Tree()
	if p := tree.Pipelines["pl-1"]; p.Phase != "land" {
		t.Fatalf("pipeline phase = %q, want land", p.Phase)
	}
	if s := tree.Semaphores["agents"]; s.Used() != 0 {
		t.Errorf("semaphore used = %d after work, want 0", s.Used())
	}
	if l := tree.Locks["merge"]; l.State != resource.LockHeld || l.Holder != "pl-1" {
		t.Errorf("lock = %q held by %q, want held by pl-1", l.State, l.Holder)
	}

	f.completeTask(t, "task-3", nil)

	tree = f.x.Tree()
	if p := tree.Pipelines["pl-1"]; p.State != pipeline.Done {
		t.Fatalf("pipeline = %q, want done", p.State)
	}
	if l := tree.Locks["merge"]; l.State != resource.LockFree {
		t.Errorf("lock = %q after done, want free", l.State)
	}
}

func TestPhaseNeedBusyLockBlocks(t *testing.T) {
	kinds := config.Kinds{Kinds: map[string]config.KindDef{
		"land": {
			Phases: []string{"land"},
			Needs:  map[string]config.PhaseNeed{"land": {Lock: "merge"}},
		},
	}}
	f := newFixture(t, grantConfig(), kinds)
	ctx := context.Background()

	hold := protocol.NewEvent(protocol.EvLockAcquire,
		protocol.EntityRef{Scope: protocol.ScopeLock, ID: "merge"}, f.clk.Now())
	hold.Holder = &protocol.HolderPayload{Holder: "ops"}
	if err := f.x.Handle(ctx, hold); err != nil {
		t.Fatal(err)
	}

	if _, err := f.x.StartPipeline(ctx, "land", "job", nil); err != nil {
		t.Fatal(err)
	}

	p := f.x.Tree().Pipelines["pl-1"]
	if p.State != pipeline.Blocked || !strings.Contains(p.Reason, "lock merge") {
		t.Fatalf("pipeline = %q (%q), want blocked on the merge lock", p.State, p.Reason)
	}

	free := protocol.NewEvent(protocol.EvLockRelease,
		protocol.EntityRef{Scope: protocol.ScopeLock, ID: "merge"}, f.clk.Now())
	free.Holder = &protocol.HolderPayload{Holder: "ops"}
	if err := f.x.Handle(ctx, free); err != nil {
		t.Fatal(err)
	}
	if err := f.x.Handle(ctx, protocol.NewEvent(protocol.EvUnblock,
		protocol.EntityRef{Scope: protocol.ScopePipeline, ID: "pl-1"}, f.clk.Now())); err != nil {
		t.Fatal(err)
	}

	tree := f.x.Tree()
	if p := tree.Pipelines["pl-1"]; p.State != pipeline.Running {
		t.Fatalf("pipeline = %q after unblock, want running", p.State)
	}
	if l := tree.Locks["merge"]; l.Holder != "pl-1" {
		t.Errorf("lock holder = %q after retry, want pl-1", l.Holder)
	}
}

func TestPhaseNeedSemaphoreFullReleasesLock(t *testing.T) {
	cfg := config.Config{
		Locks:      []config.LockDef{{Name: "merge", HeartbeatTimeout: config.Duration(time.Minute)}},
		Semaphores: []config.SemDef{{Name: "agents", Capacity: 1, HeartbeatTimeout: config.Duration(time.Minute)}},
	}
	kinds := config.Kinds{Kinds: map[string]config.KindDef{
		"both": {
			Phases: []string{"x"},
			Needs:  map[string]config.PhaseNeed{"x": {Lock: "merge", Semaphore: "agents"}},
		},
	}}
	f := newFixture(t, cfg, kinds)
	ctx := context.Background()

	fill := protocol.NewEvent(protocol.EvSemAcquire,
		protocol.EntityRef{Scope: protocol.ScopeSemaphore, ID: "agents"}, f.clk.Now())
	fill.Holder = &protocol.HolderPayload{Holder: "other", Weight: 1}
	if err := f.x.Handle(ctx, fill); err != nil {
		t.Fatal(err)
	}

	if _, err := f.x.StartPipeline(ctx, "both", "job", nil); err != nil {
		t.Fatal(err)
	}

	tree := f.x.Tree()
	p := tree.Pipelines["pl-1"]
	if p.State != pipeline.Blocked || !strings.Contains(p.Reason, "semaphore agents") {
		t.Fatalf("pipeline = %q (%q), want blocked on the semaphore", p.State, p.Reason)
	}
	// The lock taken just before the refused admission must not leak.
	if l := tree.Locks["merge"]; l.State != resource.LockFree {
		t.Errorf("lock = %q held by %q, want free", l.State, l.Holder)
	}
}

func TestPhaseNeedUndeclaredResourceSkipped(t *testing.T) {
	f := newFixture(t, config.Config{}, needyKinds())
	ctx := context.Background()

	if _, err := f.x.StartPipeline(ctx, "guarded", "job", nil); err != nil {
		t.Fatal(err)
	}

	p := f.x.Tree().Pipelines["pl-1"]
	if p.State != pipeline.Running || p.Phase != "work" {
		t.Fatalf("pipeline = %q/%q, want running despite undeclared resources", p.State, p.Phase)
	}
}

func TestTickHeartbeatsGrants(t *testing.T) {
	f := newFixture(t, grantConfig(), needyKinds())
	ctx := context.Background()

	if _, err := f.x.StartPipeline(ctx, "guarded", "job", nil); err != nil {
		t.Fatal(err)
	}
	if s := f.x.Tree().Semaphores["agents"]; !s.Holds("pl-1") {
		t.Fatal("pl-1 not admitted after start")
	}

	// Well past the heartbeat timeout: the tick's refresh keeps the
	// admission ahead of the staleness sweep.
	f.clk.Advance(5 * time.Minute)
	if err := f.x.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if s := f.x.Tree().Semaphores["agents"]; !s.Holds("pl-1") {
		t.Errorf("admission reclaimed under a live phase: %+v", s)
	}
}
