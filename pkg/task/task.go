// Package task implements the pure state machine for one logical unit of
// work executing a pipeline phase inside a session. Stuck detection is
// heartbeat-derived: a running task whose heartbeat goes quiet past its
// threshold enters a Stuck episode with a nudge counter that only moves
// up until the episode ends.
package task

import (
	"time"

	"loom/pkg/protocol"
)

// State tags a task's lifecycle position.
type State string

// Task states. Done and Failed are terminal.
const (
	Pending State = "pending"
	Running State = "running"
	Stuck   State = "stuck"
	Done    State = "done"
	Failed  State = "failed"
)

// Task is one unit of work owned by a pipeline phase.
type Task struct {
	ID             string            `json:"id"`
	PipelineID     string            `json:"pipeline_id"`
	Phase          string            `json:"phase"`
	State          State             `json:"state"`
	SessionID      string            `json:"session_id,omitempty"`
	LastHeartbeat  time.Time         `json:"last_heartbeat,omitempty"`
	StuckThreshold time.Duration     `json:"stuck_threshold"`
	StuckSince     time.Time         `json:"stuck_since,omitempty"`
	Nudges         int               `json:"nudges"`
	Outputs        map[string]string `json:"outputs,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// New returns a pending task for one pipeline phase.
func New(id, pipelineID, phase string, stuckThreshold time.Duration) Task {
	return Task{
		ID:             id,
		PipelineID:     pipelineID,
		Phase:          phase,
		State:          Pending,
		StuckThreshold: stuckThreshold,
	}
}

// Terminal reports whether no further transitions are possible.
func (t Task) Terminal() bool { return t.State == Done || t.State == Failed }

func (t Task) ref() protocol.EntityRef {
	return protocol.EntityRef{Scope: protocol.ScopeTask, ID: t.ID}
}

func (t Task) pipelineRef() protocol.EntityRef {
	return protocol.EntityRef{Scope: protocol.ScopePipeline, ID: t.PipelineID}
}

// Apply is the task transition function.
func (t Task) Apply(ev protocol.Event, now time.Time) (Task, []protocol.Effect) {
	if t.Terminal() {
		return t, nil
	}
	switch ev.Kind {
	case protocol.EvTaskStart:
		if t.State != Pending {
			return t, nil
		}
		next := t
		next.State = Running
		next.LastHeartbeat = now
		if ev.Session != nil {
			next.SessionID = ev.Session.SessionID
		}
		out := protocol.NewEvent(protocol.EvTaskStarted, t.ref(), now)
		out.Phase = &protocol.PhasePayload{Phase: t.Phase}
		return next, []protocol.Effect{protocol.Publish(t.ref(), out)}

	case protocol.EvTaskHeartbeat:
		switch t.State {
		case Running:
			next := t
			next.LastHeartbeat = now
			if ev.Session != nil && ev.Session.SessionID != "" {
				next.SessionID = ev.Session.SessionID
			}
			return next, nil
		case Stuck:
			// Progress again: the stuck episode ends and the nudge
			// counter resets with it.
			next := t
			next.State = Running
			next.LastHeartbeat = now
			next.StuckSince = time.Time{}
			next.Nudges = 0
			if ev.Session != nil && ev.Session.SessionID != "" {
				next.SessionID = ev.Session.SessionID
			}
			return next, nil
		default:
			return t, nil
		}

	case protocol.EvTaskTick:
		if t.State != Running {
			return t, nil
		}
		if t.StuckThreshold <= 0 || now.Sub(t.LastHeartbeat) <= t.StuckThreshold {
			return t, nil
		}
		next := t
		next.State = Stuck
		next.StuckSince = now
		next.Nudges = 0
		out := protocol.NewEvent(protocol.EvTaskStuck, t.ref(), now)
		out.Stuck = &protocol.StuckPayload{Since: now, Nudges: 0}
		return next, []protocol.Effect{protocol.Publish(t.ref(), out)}

	case protocol.EvTaskNudge:
		if t.State != Stuck {
			return t, nil
		}
		next := t
		next.Nudges++
		out := protocol.NewEvent(protocol.EvTaskNudged, t.ref(), now)
		out.Stuck = &protocol.StuckPayload{Since: t.StuckSince, Nudges: next.Nudges}
		return next, []protocol.Effect{protocol.Publish(t.ref(), out)}

	case protocol.EvTaskComplete:
		if t.State != Running && t.State != Stuck {
			return t, nil
		}
		next := t
		next.State = Done
		if ev.Output != nil {
			next.Outputs = ev.Output.Outputs
		}
		done := protocol.NewEvent(protocol.EvTaskDone, t.ref(), now)
		done.Output = &protocol.OutputPayload{Outputs: next.Outputs}

		// The owning pipeline advances off this task's completion.
		advance := protocol.NewEvent(protocol.EvPhaseComplete, t.pipelineRef(), now)
		advance.Phase = &protocol.PhasePayload{Phase: t.Phase, Outputs: next.Outputs}

		return next, []protocol.Effect{
			protocol.Publish(t.ref(), done),
			protocol.Dispatch(t.ref(), advance),
		}

	case protocol.EvTaskFail:
		if t.State != Running && t.State != Stuck {
			return t, nil
		}
		reason := "task failed"
		recoverable := true
		if ev.Fail != nil {
			reason = ev.Fail.Reason
			recoverable = ev.Fail.Recoverable
		}
		next := t
		next.State = Failed
		next.Reason = reason

		failed := protocol.NewEvent(protocol.EvTaskFailed, t.ref(), now)
		failed.Fail = &protocol.FailPayload{Reason: reason, Recoverable: recoverable}

		report := protocol.NewEvent(protocol.EvPhaseFailed, t.pipelineRef(), now)
		report.Fail = &protocol.FailPayload{Reason: reason, Recoverable: recoverable}
		report.Phase = &protocol.PhasePayload{Phase: t.Phase}

		return next, []protocol.Effect{
			protocol.Publish(t.ref(), failed),
			protocol.Dispatch(t.ref(), report),
		}

	default:
		return t, nil
	}
}
