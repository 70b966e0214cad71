package executor

import (
	"context"
	"testing"

	"loom/pkg/config"
	"loom/pkg/pipeline"
	"loom/pkg/task"
)

func TestSignalDoneAdvancesPhase(t *testing.T) {
	f := newFixture(t, config.Config{}, config.Kinds{})
	ctx := context.Background()

	if _, err := f.x.StartPipeline(ctx, "build", "fix-login", nil); err != nil {
		t.Fatal(err)
	}

	if err := f.x.SignalDone(ctx, "ws-pl-1", "", map[string]string{"plan": "three steps"}); err != nil {
		t.Fatalf("SignalDone() error = %v", err)
	}

	tree := f.x.Tree()
	p := tree.Pipelines["pl-1"]
	if p.State != pipeline.Running || p.Phase != "decompose" {
		t.Fatalf("pipeline = %q/%q, want running in decompose", p.State, p.Phase)
	}
	if p.Outputs["plan"] != "three steps" {
		t.Errorf("outputs = %v, want plan carried over", p.Outputs)
	}
	if tk := tree.Tasks["task-2"]; tk.State != task.Done {
		t.Errorf("task-2 = %q, want done", tk.State)
	}
	if p.CurrentTask == "task-2" {
		t.Errorf("current task still task-2 after completion")
	}
}

func TestSignalDoneWithErrorFailsPhase(t *testing.T) {
	f := newFixture(t, config.Config{}, config.Kinds{})
	ctx := context.Background()

	if _, err := f.x.StartPipeline(ctx, "build", "fix-login", nil); err != nil {
		t.Fatal(err)
	}

	if err := f.x.SignalDone(ctx, "ws-pl-1", "tests red", nil); err != nil {
		t.Fatalf("SignalDone() error = %v", err)
	}

	tree := f.x.Tree()
	p := tree.Pipelines["pl-1"]
	if p.State != pipeline.Blocked || p.Reason != "tests red" {
		t.Fatalf("pipeline = %q (%q), want blocked on tests red", p.State, p.Reason)
	}
	if tk := tree.Tasks["task-2"]; tk.State != task.Failed {
		t.Errorf("task-2 = %q, want failed", tk.State)
	}
}

func TestSignalCheckpoint(t *testing.T) {
	f := newFixture(t, config.Config{}, config.Kinds{})
	ctx := context.Background()

	if _, err := f.x.StartPipeline(ctx, "build", "fix-login", nil); err != nil {
		t.Fatal(err)
	}

	if err := f.x.SignalCheckpoint(ctx, "ws-pl-1"); err != nil {
		t.Fatalf("SignalCheckpoint() error = %v", err)
	}

	p := f.x.Tree().Pipelines["pl-1"]
	if p.Seq != 1 || len(p.Checkpoints) != 1 {
		t.Fatalf("seq = %d, checkpoints = %d, want one at seq 1", p.Seq, len(p.Checkpoints))
	}
	if cp := p.Checkpoints[0]; cp.Phase != "plan" || cp.PipelineID != "pl-1" {
		t.Errorf("checkpoint = %+v, want plan for pl-1", cp)
	}
}

func TestSignalDoneUnknownWorkspace(t *testing.T) {
	f := newFixture(t, config.Config{}, config.Kinds{})
	if err := f.x.SignalDone(context.Background(), "ws-ghost", "", nil); err == nil {
		t.Error("SignalDone() = nil error for unknown workspace")
	}
}

func TestSignalDoneNoActiveTask(t *testing.T) {
	f := newFixture(t, config.Config{}, soloKinds())
	ctx := context.Background()

	if _, err := f.x.StartPipeline(ctx, "solo", "one-shot", nil); err != nil {
		t.Fatal(err)
	}
	f.completeTask(t, "task-2", nil)

	// The lone phase is complete, so nothing is left to signal.
	if err := f.x.SignalDone(ctx, "ws-pl-1", "", nil); err == nil {
		t.Error("SignalDone() = nil error after the pipeline finished")
	}
}
