// Package pipeline implements the top-level pure state machine. A
// pipeline advances through a fixed, kind-specific ordered phase list,
// parks in Blocked on recoverable trouble, absorbs in Done or
// non-recoverable Failed, and keeps a bounded checkpoint history with
// strictly increasing sequence numbers.
package pipeline

import (
	"maps"
	"time"

	"loom/pkg/protocol"
)

// State tags a pipeline's lifecycle position.
type State string

// Pipeline states. Done and non-recoverable Failed are absorbing.
const (
	Init    State = "init"
	Blocked State = "blocked"
	Running State = "running"
	Done    State = "done"
	Failed  State = "failed"
)

// DefaultMaxCheckpoints bounds the checkpoint history per pipeline.
const DefaultMaxCheckpoints = 10

// Pipeline is one multi-phase workflow instance.
type Pipeline struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Name        string            `json:"name"`
	State       State             `json:"state"`
	Phase       string            `json:"phase,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Recoverable bool              `json:"recoverable,omitempty"`
	Phases      []string          `json:"phases"`
	Inputs      map[string]string `json:"inputs,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
	CurrentTask string            `json:"current_task,omitempty"`

	Checkpoints    []protocol.Checkpoint `json:"checkpoints,omitempty"`
	Seq            int                   `json:"seq"`
	MaxCheckpoints int                   `json:"max_checkpoints"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a pipeline in Init with its kind's ordered phase list
// resolved and fixed at creation time.
func New(id, kind, name string, phases []string, inputs map[string]string, now time.Time) Pipeline {
	return Pipeline{
		ID:             id,
		Kind:           kind,
		Name:           name,
		State:          Init,
		Phases:         append([]string(nil), phases...),
		Inputs:         maps.Clone(inputs),
		MaxCheckpoints: DefaultMaxCheckpoints,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Terminal reports whether no further transitions are possible.
func (p Pipeline) Terminal() bool {
	return p.State == Done || (p.State == Failed && !p.Recoverable)
}

func (p Pipeline) ref() protocol.EntityRef {
	return protocol.EntityRef{Scope: protocol.ScopePipeline, ID: p.ID}
}

// Apply is the pipeline transition function.
func (p Pipeline) Apply(ev protocol.Event, now time.Time) (Pipeline, []protocol.Effect) {
	if p.Terminal() {
		return p, nil
	}
	switch ev.Kind {
	case protocol.EvPhaseComplete:
		return p.phaseComplete(ev, now)
	case protocol.EvPhaseFailed:
		return p.phaseFailed(ev, now)
	case protocol.EvUnblock:
		return p.unblock(now)
	case protocol.EvCheckpointRequest:
		return p.checkpoint(now)
	case protocol.EvRestore:
		return p.restore(ev, now)
	default:
		return p, nil
	}
}

// phaseComplete advances to the next phase in the kind's list, or to
// Done when the list is exhausted. Task outputs merge into the
// pipeline's outputs.
func (p Pipeline) phaseComplete(ev protocol.Event, now time.Time) (Pipeline, []protocol.Effect) {
	if p.State != Init && p.State != Running {
		return p, nil
	}

	next := p
	next.UpdatedAt = now
	if ev.Phase != nil && len(ev.Phase.Outputs) > 0 {
		next.Outputs = mergedOutputs(p.Outputs, ev.Phase.Outputs)
	}

	var following string
	switch p.State {
	case Init:
		following = firstPhase(p.Phases)
	case Running:
		// Ignore stale completions from phases the pipeline left.
		if ev.Phase != nil && ev.Phase.Phase != "" && ev.Phase.Phase != p.Phase {
			return p, nil
		}
		following = phaseAfter(p.Phases, p.Phase)
	}

	if following == "" {
		next.State = Done
		next.Phase = ""
		next.CurrentTask = ""
		out := protocol.NewEvent(protocol.EvDone, p.ref(), now)
		return next, []protocol.Effect{protocol.Publish(p.ref(), out)}
	}

	next.State = Running
	next.Phase = following
	return next, p.enterPhase(following, now, protocol.EvPhaseStarted)
}

// phaseFailed parks the pipeline in Blocked when the failure is
// recoverable, or absorbs it in Failed otherwise.
func (p Pipeline) phaseFailed(ev protocol.Event, now time.Time) (Pipeline, []protocol.Effect) {
	if p.State != Running && p.State != Init {
		return p, nil
	}
	reason := "phase failed"
	recoverable := false
	if ev.Fail != nil {
		reason = ev.Fail.Reason
		recoverable = ev.Fail.Recoverable
	}

	next := p
	next.Reason = reason
	next.Recoverable = recoverable
	next.UpdatedAt = now

	if recoverable {
		next.State = Blocked
		out := protocol.NewEvent(protocol.EvBlocked, p.ref(), now)
		out.Fail = &protocol.FailPayload{Reason: reason, Recoverable: true}
		return next, []protocol.Effect{protocol.Publish(p.ref(), out)}
	}

	next.State = Failed
	out := protocol.NewEvent(protocol.EvFailed, p.ref(), now)
	out.Fail = &protocol.FailPayload{Reason: reason, Recoverable: false}
	return next, []protocol.Effect{protocol.Publish(p.ref(), out)}
}

// unblock resumes the phase the pipeline was in when it parked.
func (p Pipeline) unblock(now time.Time) (Pipeline, []protocol.Effect) {
	if p.State != Blocked {
		return p, nil
	}
	next := p
	next.Reason = ""
	next.UpdatedAt = now

	if p.Phase == "" {
		// Blocked straight out of Init: resume by entering the first phase.
		first := firstPhase(p.Phases)
		if first == "" {
			next.State = Done
			out := protocol.NewEvent(protocol.EvDone, p.ref(), now)
			return next, []protocol.Effect{protocol.Publish(p.ref(), out)}
		}
		next.State = Running
		next.Phase = first
		return next, p.enterPhase(first, now, protocol.EvResumed)
	}

	next.State = Running
	return next, p.enterPhase(p.Phase, now, protocol.EvResumed)
}

// checkpoint appends a snapshot with the next sequence number and prunes
// the oldest entry past the cap.
func (p Pipeline) checkpoint(now time.Time) (Pipeline, []protocol.Effect) {
	next := p
	next.Seq = p.Seq + 1
	next.UpdatedAt = now

	cp := protocol.Checkpoint{
		PipelineID: p.ID,
		Seq:        next.Seq,
		State:      string(p.State),
		Phase:      p.Phase,
		Inputs:     maps.Clone(p.Inputs),
		Outputs:    maps.Clone(p.Outputs),
		CreatedAt:  now,
	}

	max := p.MaxCheckpoints
	if max <= 0 {
		max = DefaultMaxCheckpoints
	}
	history := append(append([]protocol.Checkpoint(nil), p.Checkpoints...), cp)
	if len(history) > max {
		history = history[len(history)-max:]
	}
	next.Checkpoints = history

	save := protocol.Effect{
		Kind:       protocol.EffSaveCheckpoint,
		Origin:     p.ref(),
		Checkpoint: &cp,
	}
	return next, []protocol.Effect{save}
}

// restore rewinds phase, inputs and outputs to a retained checkpoint.
// Only reachable from recoverable Failed or Blocked — this is the manual
// path past a dead end.
func (p Pipeline) restore(ev protocol.Event, now time.Time) (Pipeline, []protocol.Effect) {
	if p.State != Failed && p.State != Blocked {
		return p, nil
	}
	if ev.Restore == nil {
		return p, nil
	}
	cp, ok := p.findCheckpoint(ev.Restore.Seq)
	if !ok {
		return p, nil
	}

	next := p
	next.State = State(cp.State)
	next.Phase = cp.Phase
	next.Inputs = maps.Clone(cp.Inputs)
	next.Outputs = maps.Clone(cp.Outputs)
	next.Reason = ""
	next.Recoverable = false
	next.CurrentTask = ""
	next.UpdatedAt = now

	out := protocol.NewEvent(protocol.EvRestored, p.ref(), now)
	out.Restore = &protocol.RestorePayload{Seq: cp.Seq}
	effects := []protocol.Effect{protocol.Publish(p.ref(), out)}

	if next.State == Running && next.Phase != "" {
		effects = append(effects, protocol.Effect{
			Kind:   protocol.EffStartTask,
			Origin: p.ref(),
			Task:   &protocol.StartTaskPayload{PipelineID: p.ID, Phase: next.Phase},
		})
	}
	return next, effects
}

// enterPhase publishes the phase occurrence and asks the executor to
// materialize a task for it, in that causal order.
func (p Pipeline) enterPhase(phase string, now time.Time, kind string) []protocol.Effect {
	out := protocol.NewEvent(kind, p.ref(), now)
	out.Phase = &protocol.PhasePayload{Phase: phase}
	return []protocol.Effect{
		protocol.Publish(p.ref(), out),
		{
			Kind:   protocol.EffStartTask,
			Origin: p.ref(),
			Task:   &protocol.StartTaskPayload{PipelineID: p.ID, Phase: phase},
		},
	}
}

func (p Pipeline) findCheckpoint(seq int) (protocol.Checkpoint, bool) {
	for i := len(p.Checkpoints) - 1; i >= 0; i-- {
		if p.Checkpoints[i].Seq == seq {
			return p.Checkpoints[i], true
		}
	}
	return protocol.Checkpoint{}, false
}

func firstPhase(phases []string) string {
	if len(phases) == 0 {
		return ""
	}
	return phases[0]
}

// phaseAfter resolves the phase following name in the ordered list; an
// exhausted list (or unknown name) yields "".
func phaseAfter(phases []string, name string) string {
	for i, ph := range phases {
		if ph == name && i+1 < len(phases) {
			return phases[i+1]
		}
	}
	return ""
}

func mergedOutputs(base, extra map[string]string) map[string]string {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(extra))
	}
	maps.Copy(out, extra)
	return out
}
