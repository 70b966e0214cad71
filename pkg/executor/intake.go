package executor

import (
	"context"
	"errors"
	"time"

	"loom/pkg/pipeline"
	"loom/pkg/protocol"
	"loom/pkg/queue"
)

// claimRef remembers which queue claim a pipeline was started for, so
// the claim settles when the pipeline ends.
type claimRef struct {
	Queue   string
	ClaimID string
}

// Intake bridges the issue tracker into the intake queue and drains
// claims into pipelines, up to the active-pipeline cap. A no-op when no
// intake queue is configured.
func (x *Executor) Intake(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.intake(ctx)
}

func (x *Executor) intake(ctx context.Context) error {
	name := x.cfg.Daemon.IntakeQueue
	if name == "" {
		return nil
	}
	if _, ok := x.tree.Queues[name]; !ok {
		x.tree.Queues[name] = queue.New(name)
		if err := x.maybeSnapshot(ctx, true); err != nil {
			return err
		}
	}
	ref := protocol.EntityRef{Scope: protocol.ScopeQueue, ID: name}
	var errs []error

	issues, err := x.caps.Tracker.List(ctx, "ready")
	if err != nil {
		errs = append(errs, err)
	}
	for _, issue := range issues {
		if x.issueKnown(name, issue.ID) {
			continue
		}
		push := protocol.NewEvent(protocol.EvQueuePush, ref, x.clock.Now())
		push.Item = &protocol.WorkItem{
			ID:          issue.ID,
			Payload:     issue.Title,
			Priority:    issue.Priority,
			MaxAttempts: x.queueMaxAttempts(name),
		}
		if err := x.handle(ctx, push); err != nil {
			errs = append(errs, err)
		}
	}

	// Claiming publishes queue:claimed, and react turns that into a
	// pipeline. One claim per pass keeps the cap check honest.
	q := x.tree.Queues[name]
	if len(q.Pending) > 0 && x.activePipelines() < x.cfg.Daemon.MaxActive {
		claim := protocol.NewEvent(protocol.EvQueueClaim, ref, x.clock.Now())
		claim.Claim = &protocol.ClaimPayload{
			ClaimID: x.ids.NewID("claim"),
			Timeout: x.queueVisibility(name),
		}
		if err := x.handle(ctx, claim); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startClaimed turns a claimed intake item into a pipeline.
func (x *Executor) startClaimed(ctx context.Context, ev protocol.Event) error {
	if ev.Entity.ID != x.cfg.Daemon.IntakeQueue || ev.Item == nil || ev.Claim == nil {
		return nil
	}
	inputs := map[string]string{"issue": ev.Item.ID}
	if ev.Item.Payload != "" {
		inputs["goal"] = ev.Item.Payload
	}
	pid, err := x.startPipeline(ctx, x.cfg.Daemon.IntakeKind, ev.Item.Payload, inputs)
	if pid != "" {
		x.claims[pid] = claimRef{Queue: ev.Entity.ID, ClaimID: ev.Claim.ClaimID}
	}
	return err
}

// settleClaim completes or fails the queue claim behind a finished
// pipeline.
func (x *Executor) settleClaim(ctx context.Context, pipelineID string, ok bool, reason string) error {
	cl, found := x.claims[pipelineID]
	if !found {
		return nil
	}
	delete(x.claims, pipelineID)

	kind := protocol.EvQueueComplete
	payload := &protocol.ClaimPayload{ClaimID: cl.ClaimID}
	if !ok {
		kind = protocol.EvQueueFail
		payload.Reason = reason
	}
	ev := protocol.NewEvent(kind, protocol.EntityRef{Scope: protocol.ScopeQueue, ID: cl.Queue}, x.clock.Now())
	ev.Claim = payload
	return x.handle(ctx, ev)
}

// activePipelines counts pipelines that still need a session: anything
// not terminal and not parked.
func (x *Executor) activePipelines() int {
	n := 0
	for _, p := range x.tree.Pipelines {
		if p.State == pipeline.Running || p.State == pipeline.Init {
			n++
		}
	}
	return n
}

func (x *Executor) issueKnown(queueName, issueID string) bool {
	q := x.tree.Queues[queueName]
	for _, item := range q.Pending {
		if item.ID == issueID {
			return true
		}
	}
	for _, c := range q.Claimed {
		if c.Item.ID == issueID {
			return true
		}
	}
	for _, d := range q.DeadLetters {
		if d.Item.ID == issueID {
			return true
		}
	}
	for _, p := range x.tree.Pipelines {
		if p.Inputs["issue"] == issueID && !p.Terminal() {
			return true
		}
	}
	return false
}

func (x *Executor) queueMaxAttempts(name string) int {
	for _, def := range x.cfg.Queues {
		if def.Name == name {
			return def.MaxAttempts
		}
	}
	return 3
}

func (x *Executor) queueVisibility(name string) time.Duration {
	for _, def := range x.cfg.Queues {
		if def.Name == name {
			return def.VisibilityTimeout.Std()
		}
	}
	return 5 * time.Minute
}
