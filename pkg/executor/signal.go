package executor

import (
	"context"
	"fmt"
	"strings"

	"loom/pkg/protocol"
	"loom/pkg/task"
)

// SignalDone reports that the agent in a workspace finished its phase.
// An empty errMsg completes the active task, carrying any outputs into
// the pipeline; a non-empty one fails the task recoverably.
func (x *Executor) SignalDone(ctx context.Context, workspaceID, errMsg string, outputs map[string]string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, err := x.taskForWorkspace(workspaceID)
	if err != nil {
		return err
	}
	now := x.clock.Now()
	ref := protocol.EntityRef{Scope: protocol.ScopeTask, ID: t.ID}
	if errMsg != "" {
		ev := protocol.NewEvent(protocol.EvTaskFail, ref, now)
		ev.Fail = &protocol.FailPayload{Reason: errMsg, Recoverable: true}
		return x.handle(ctx, ev)
	}
	ev := protocol.NewEvent(protocol.EvTaskComplete, ref, now)
	if len(outputs) > 0 {
		ev.Output = &protocol.OutputPayload{Outputs: outputs}
	}
	return x.handle(ctx, ev)
}

// SignalCheckpoint snapshots the pipeline whose agent runs in the given
// workspace.
func (x *Executor) SignalCheckpoint(ctx context.Context, workspaceID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	t, err := x.taskForWorkspace(workspaceID)
	if err != nil {
		return err
	}
	return x.handle(ctx, protocol.NewEvent(protocol.EvCheckpointRequest,
		protocol.EntityRef{Scope: protocol.ScopePipeline, ID: t.PipelineID}, x.clock.Now()))
}

// taskForWorkspace resolves a workspace ID to its active task: through
// the attached session first, then through the owning pipeline's current
// task.
func (x *Executor) taskForWorkspace(workspaceID string) (task.Task, error) {
	w, ok := x.tree.Workspaces[workspaceID]
	if !ok {
		return task.Task{}, fmt.Errorf("unknown workspace %q", workspaceID)
	}
	if w.SessionID != "" {
		if t, ok := x.tree.taskForSession(w.SessionID); ok {
			return t, nil
		}
	}
	pipelineID := strings.TrimPrefix(workspaceID, "ws-")
	if p, ok := x.tree.Pipelines[pipelineID]; ok && p.CurrentTask != "" {
		if t, ok := x.tree.Tasks[p.CurrentTask]; ok && !t.Terminal() {
			return t, nil
		}
	}
	return task.Task{}, fmt.Errorf("workspace %q has no active task", workspaceID)
}
