package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"loom/pkg/capability"
	"loom/pkg/protocol"
	"loom/pkg/session"
	"loom/pkg/task"
	"loom/pkg/workspace"
)

// react is the bridge from occurrences back into imperative policy: the
// recovery chain, pipeline teardown, and human notification. It runs
// after the occurrence is committed and delivered, so replay never
// repeats these actions.
func (x *Executor) react(ctx context.Context, ev protocol.Event) error {
	switch ev.Kind {
	case protocol.EvTaskStuck:
		if t, ok := x.tree.Tasks[ev.Entity.ID]; ok {
			return x.recoverStuck(ctx, t, ev.At)
		}
		return nil

	case protocol.EvSessionDead:
		t, ok := x.tree.taskForSession(ev.Entity.ID)
		if !ok {
			return nil
		}
		x.logf("session %s died under task %s", ev.Entity.ID, t.ID)
		if x.restarts[t.ID] < x.cfg.Recovery.MaxRestarts {
			return x.restartTask(ctx, t)
		}
		return x.escalate(ctx, t, "session died with restarts exhausted")

	case protocol.EvTaskDone:
		return x.releaseTask(ctx, ev.Entity.ID, "task done")

	case protocol.EvTaskFailed:
		return x.releaseTask(ctx, ev.Entity.ID, "task failed")

	case protocol.EvQueueClaimed:
		return x.startClaimed(ctx, ev)

	case protocol.EvDone:
		if err := x.finishPipeline(ctx, ev.Entity.ID); err != nil {
			return err
		}
		return x.settleClaim(ctx, ev.Entity.ID, true, "")

	case protocol.EvBlocked:
		p, ok := x.tree.Pipelines[ev.Entity.ID]
		if !ok {
			return nil
		}
		return x.notifyPipeline(ctx, p.ID, "BLOCKED", p.Reason, protocol.UrgencyNormal)

	case protocol.EvFailed:
		p, ok := x.tree.Pipelines[ev.Entity.ID]
		if !ok {
			return nil
		}
		if issue := p.Inputs["issue"]; issue != "" {
			note := fmt.Sprintf("Pipeline %s failed: %s", p.ID, p.Reason)
			if err := x.caps.Tracker.Note(ctx, issue, note); err != nil {
				x.logf("tracker note %s: %v", issue, err)
			}
		}
		if err := x.settleClaim(ctx, p.ID, false, p.Reason); err != nil {
			return err
		}
		return x.notifyPipeline(ctx, p.ID, "FAILED", p.Reason, protocol.UrgencyCritical)

	case protocol.EvQueueDeadLetter:
		reason := ""
		if ev.Claim != nil {
			reason = ev.Claim.Reason
		}
		itemID := ""
		if ev.Item != nil {
			itemID = ev.Item.ID
		}
		return x.caps.Notifier.Notify(ctx,
			"[LOOM] DEAD_LETTER: "+ev.Entity.ID,
			fmt.Sprintf("Item %s exhausted its attempts: %s.", itemID, reason),
			protocol.UrgencyNormal)

	default:
		return nil
	}
}

// recoverStuck advances the recovery chain for one stuck task. Each step
// waits out the nudge grace times the actions already taken, so the
// chain climbs one rung per quiet interval: nudge, more nudges, restart,
// and finally escalation to a human.
func (x *Executor) recoverStuck(ctx context.Context, t task.Task, now time.Time) error {
	if t.State != task.Stuck {
		return nil
	}
	grace := x.cfg.Recovery.NudgeGrace.Std()
	actions := t.Nudges + x.restarts[t.ID]
	if now.Sub(t.StuckSince) < grace*time.Duration(actions) {
		return nil
	}

	switch {
	case t.Nudges < x.cfg.Recovery.MaxNudges:
		x.logf("nudging stuck task %s (nudge %d)", t.ID, t.Nudges+1)
		if err := x.caps.Sessions.Send(ctx, t.SessionID, nudgeText(t)); err != nil {
			x.logf("nudge send %s: %v", t.SessionID, err)
		}
		return x.handle(ctx, protocol.NewEvent(protocol.EvTaskNudge,
			protocol.EntityRef{Scope: protocol.ScopeTask, ID: t.ID}, now))

	case x.restarts[t.ID] < x.cfg.Recovery.MaxRestarts:
		return x.restartTask(ctx, t)

	default:
		return x.escalate(ctx, t, fmt.Sprintf("stuck for %s after %d nudges and %d restarts",
			now.Sub(t.StuckSince).Round(time.Second), t.Nudges, x.restarts[t.ID]))
	}
}

// restartTask replaces a task's session with a fresh one in the same
// workspace. The task reattaches first so the old session's death does
// not re-enter the recovery chain.
func (x *Executor) restartTask(ctx context.Context, t task.Task) error {
	w, ok := x.workspaceForTask(t)
	if !ok {
		return x.escalate(ctx, t, "workspace gone, cannot restart")
	}
	oldSession := t.SessionID
	x.restarts[t.ID]++
	newID := "loom-" + t.ID + "-r" + strconv.Itoa(x.restarts[t.ID])
	x.logf("restarting task %s: session %s -> %s", t.ID, oldSession, newID)

	if _, err := x.caps.Sessions.Spawn(ctx, newID, w.Path, x.cfg.Daemon.AgentCommand); err != nil {
		return x.escalate(ctx, t, "restart spawn failed: "+err.Error())
	}
	x.tree.Sessions[newID] = session.New(newID, w.ID,
		x.cfg.Daemon.SessionIdleAfter.Std(), x.cfg.Daemon.SessionDeadAfter.Std())

	now := x.clock.Now()
	if err := x.handle(ctx, protocol.NewEvent(protocol.EvSessionStarted,
		protocol.EntityRef{Scope: protocol.ScopeSession, ID: newID}, now)); err != nil {
		return err
	}

	// Reattach the task before killing the old session.
	hb := protocol.NewEvent(protocol.EvTaskHeartbeat,
		protocol.EntityRef{Scope: protocol.ScopeTask, ID: t.ID}, now)
	hb.Session = &protocol.SessionPayload{SessionID: newID}
	if err := x.handle(ctx, hb); err != nil {
		return err
	}
	w.SessionID = newID
	x.tree.Workspaces[w.ID] = w
	if err := x.maybeSnapshot(ctx, true); err != nil {
		return err
	}

	if oldSession != "" {
		if err := x.caps.Sessions.Kill(ctx, oldSession); err != nil {
			x.logf("kill %s: %v", oldSession, err)
		}
		ended := protocol.NewEvent(protocol.EvSessionEnded,
			protocol.EntityRef{Scope: protocol.ScopeSession, ID: oldSession}, now)
		ended.Session = &protocol.SessionPayload{Reason: "restarted"}
		if err := x.handle(ctx, ended); err != nil {
			return err
		}
		delete(x.lastOutput, oldSession)
	}

	p := x.tree.Pipelines[t.PipelineID]
	return x.caps.Sessions.Send(ctx, newID,
		phasePrompt(p, t.Phase)+" Your previous session was restarted; pick up where the workspace left off.")
}

// escalate is the end of the chain: capture context, tell a human, and
// park the pipeline until someone unblocks it.
func (x *Executor) escalate(ctx context.Context, t task.Task, cause string) error {
	p := x.tree.Pipelines[t.PipelineID]
	msg := fmt.Sprintf("Pipeline %s phase %s: %s.", t.PipelineID, t.Phase, cause)

	if err := x.caps.Notifier.Notify(ctx, "[LOOM] STUCK: "+t.ID, msg, protocol.UrgencyCritical); err != nil {
		x.logf("notify: %v", err)
	}
	if issue := p.Inputs["issue"]; issue != "" {
		note := msg
		if out, err := x.caps.Sessions.CaptureOutput(ctx, t.SessionID, 20); err == nil && out != "" {
			note += "\n\nRecent session output:\n" + out
		}
		if err := x.caps.Tracker.Note(ctx, issue, note); err != nil {
			x.logf("tracker note %s: %v", issue, err)
		}
	}
	delete(x.restarts, t.ID)

	fail := protocol.NewEvent(protocol.EvTaskFail,
		protocol.EntityRef{Scope: protocol.ScopeTask, ID: t.ID}, x.clock.Now())
	fail.Fail = &protocol.FailPayload{Reason: cause, Recoverable: true}
	return x.handle(ctx, fail)
}

// releaseTask tears down a finished task's session, gives back the
// phase's grants, and detaches the workspace.
func (x *Executor) releaseTask(ctx context.Context, taskID, reason string) error {
	t, ok := x.tree.Tasks[taskID]
	if !ok {
		return nil
	}
	delete(x.restarts, taskID)
	if p, ok := x.tree.Pipelines[t.PipelineID]; ok {
		if need, ok := x.phaseNeed(p.Kind, t.Phase); ok {
			if err := x.releaseGrants(ctx, t.PipelineID, need); err != nil {
				return err
			}
		}
	}
	if t.SessionID == "" {
		return nil
	}
	delete(x.lastOutput, t.SessionID)

	if err := x.caps.Sessions.Kill(ctx, t.SessionID); err != nil {
		x.logf("kill %s: %v", t.SessionID, err)
	}
	now := x.clock.Now()
	ended := protocol.NewEvent(protocol.EvSessionEnded,
		protocol.EntityRef{Scope: protocol.ScopeSession, ID: t.SessionID}, now)
	ended.Session = &protocol.SessionPayload{Reason: reason}
	if err := x.handle(ctx, ended); err != nil {
		return err
	}

	if w, ok := x.workspaceForTask(t); ok && w.SessionID == t.SessionID {
		detach := protocol.NewEvent(protocol.EvWorkspaceDetach,
			protocol.EntityRef{Scope: protocol.ScopeWorkspace, ID: w.ID}, now)
		if err := x.handle(ctx, detach); err != nil {
			return err
		}
	}
	return nil
}

// finishPipeline lands the pipeline's branch per its kind's merge
// strategy, closes the bridged tracker item, and retires the workspace.
func (x *Executor) finishPipeline(ctx context.Context, pipelineID string) error {
	p, ok := x.tree.Pipelines[pipelineID]
	if !ok {
		return nil
	}
	def, _ := x.kinds.Get(p.Kind)
	wsID := "ws-" + p.ID
	w, hasWorkspace := x.tree.Workspaces[wsID]

	if hasWorkspace && def.Merge != "" {
		res, err := x.caps.Repo.Merge(ctx, w.Path, w.Branch, mergeStrategy(def.Merge))
		if err != nil {
			return x.notifyPipeline(ctx, p.ID, "MERGE_FAILED", err.Error(), protocol.UrgencyCritical)
		}
		if res.Outcome == capability.MergeConflict {
			detail := "conflicts in " + strings.Join(res.ConflictFiles, ", ")
			if issue := p.Inputs["issue"]; issue != "" {
				if err := x.caps.Tracker.Note(ctx, issue, "Merge of "+w.Branch+" hit "+detail); err != nil {
					x.logf("tracker note %s: %v", issue, err)
				}
			}
			// Leave the worktree in place for a human resolution.
			return x.notifyPipeline(ctx, p.ID, "MERGE_CONFLICT", detail, protocol.UrgencyCritical)
		}
	}

	if hasWorkspace && !w.Terminal() {
		now := x.clock.Now()
		if w.SessionID != "" {
			detach := protocol.NewEvent(protocol.EvWorkspaceDetach,
				protocol.EntityRef{Scope: protocol.ScopeWorkspace, ID: wsID}, now)
			if err := x.handle(ctx, detach); err != nil {
				return err
			}
		}
		remove := protocol.NewEvent(protocol.EvWorkspaceRemove,
			protocol.EntityRef{Scope: protocol.ScopeWorkspace, ID: wsID}, now)
		if err := x.handle(ctx, remove); err != nil {
			return err
		}
	}

	if issue := p.Inputs["issue"]; issue != "" {
		if err := x.caps.Tracker.Done(ctx, issue); err != nil {
			x.logf("tracker done %s: %v", issue, err)
		}
	}
	return x.notifyPipeline(ctx, p.ID, "DONE", "all phases complete", protocol.UrgencyLow)
}

func (x *Executor) notifyPipeline(ctx context.Context, pipelineID, kind, detail, urgency string) error {
	return x.caps.Notifier.Notify(ctx,
		"[LOOM] "+kind+": "+pipelineID,
		fmt.Sprintf("Pipeline %s: %s.", pipelineID, detail),
		urgency)
}

func (x *Executor) workspaceForTask(t task.Task) (workspace.Workspace, bool) {
	if s, found := x.tree.Sessions[t.SessionID]; found {
		if ws, found := x.tree.Workspaces[s.WorkspaceID]; found {
			return ws, true
		}
	}
	ws, found := x.tree.Workspaces["ws-"+t.PipelineID]
	return ws, found
}

func nudgeText(t task.Task) string {
	return fmt.Sprintf("No progress detected for phase %s. If you are waiting on something, say so; otherwise continue. (nudge %d)", t.Phase, t.Nudges+1)
}

func mergeStrategy(name string) protocol.MergeStrategy {
	switch name {
	case "rebase":
		return protocol.MergeRebase
	case "fast_forward", "ff":
		return protocol.MergeFastForward
	default:
		return protocol.MergeCommit
	}
}
