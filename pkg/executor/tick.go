package executor

import (
	"context"
	"errors"
	"time"

	"loom/pkg/protocol"
	"loom/pkg/task"
)

// Run ticks the executor until the context ends. Tick errors are logged
// and never stop the loop; the only exit is cancellation.
func (x *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(x.cfg.Daemon.TickInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := x.Tick(ctx); err != nil {
				x.logf("tick: %v", err)
			}
			if err := x.Intake(ctx); err != nil {
				x.logf("intake: %v", err)
			}
		}
	}
}

// Tick is one maintenance pass: probe session liveness, derive task
// heartbeats from session output movement, advance every time-driven
// machine, and sweep stuck tasks through the recovery chain.
func (x *Executor) Tick(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.clock.Now()
	var errs []error

	for _, id := range x.tree.sessionIDs() {
		s := x.tree.Sessions[id]
		if s.Terminal() {
			continue
		}
		ref := protocol.EntityRef{Scope: protocol.ScopeSession, ID: id}

		alive, err := x.caps.Sessions.IsAlive(ctx, id)
		if err != nil {
			errs = append(errs, err)
		} else if alive {
			if err := x.handle(ctx, protocol.NewEvent(protocol.EvSessionHeartbeat, ref, now)); err != nil {
				errs = append(errs, err)
			}
			if err := x.probeProgress(ctx, id, now); err != nil {
				errs = append(errs, err)
			}
		}
		if err := x.handle(ctx, protocol.NewEvent(protocol.EvSessionTick, ref, now)); err != nil {
			errs = append(errs, err)
		}
	}

	for _, id := range x.tree.taskIDs() {
		ref := protocol.EntityRef{Scope: protocol.ScopeTask, ID: id}
		if err := x.handle(ctx, protocol.NewEvent(protocol.EvTaskTick, ref, now)); err != nil {
			errs = append(errs, err)
		}
	}

	for _, name := range x.tree.queueNames() {
		ref := protocol.EntityRef{Scope: protocol.ScopeQueue, ID: name}
		if err := x.handle(ctx, protocol.NewEvent(protocol.EvQueueTick, ref, now)); err != nil {
			errs = append(errs, err)
		}
	}

	// Grants refresh before the staleness sweep so a live phase never
	// loses its lock or semaphore admission to the reclaim below.
	if err := x.heartbeatGrants(ctx, now); err != nil {
		errs = append(errs, err)
	}

	for _, name := range x.tree.semaphoreNames() {
		ref := protocol.EntityRef{Scope: protocol.ScopeSemaphore, ID: name}
		if err := x.handle(ctx, protocol.NewEvent(protocol.EvSemReclaimStale, ref, now)); err != nil {
			errs = append(errs, err)
		}
	}

	for _, id := range x.tree.taskIDs() {
		t := x.tree.Tasks[id]
		if t.State == task.Stuck {
			if err := x.recoverStuck(ctx, t, now); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := x.maybeSnapshot(ctx, false); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// probeProgress heartbeats the task attached to a session when the
// session's pane output moved since the previous tick. A quiet pane
// lets the task's own stuck clock run.
func (x *Executor) probeProgress(ctx context.Context, sessionID string, now time.Time) error {
	t, ok := x.tree.taskForSession(sessionID)
	if !ok {
		return nil
	}
	out, err := x.caps.Sessions.CaptureOutput(ctx, sessionID, 50)
	if err != nil {
		return err
	}
	if out == x.lastOutput[sessionID] {
		return nil
	}
	x.lastOutput[sessionID] = out
	return x.handle(ctx, protocol.NewEvent(protocol.EvTaskHeartbeat,
		protocol.EntityRef{Scope: protocol.ScopeTask, ID: t.ID}, now))
}
