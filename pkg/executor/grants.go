package executor

import (
	"context"
	"fmt"
	"time"

	"loom/pkg/config"
	"loom/pkg/pipeline"
	"loom/pkg/protocol"
	"loom/pkg/resource"
)

// acquireGrants takes a phase's declared lock and semaphore on behalf of
// the pipeline before the phase runs. Resources the configuration never
// declared are skipped: a need binds only against coordination state the
// tree holds. The returned reason is non-empty when a grant was refused;
// a refused semaphore gives back the lock taken just before it.
func (x *Executor) acquireGrants(ctx context.Context, pipelineID string, need config.PhaseNeed) (string, error) {
	now := x.clock.Now()

	lockTaken := false
	if need.Lock != "" {
		if _, ok := x.tree.Locks[need.Lock]; ok {
			ev := protocol.NewEvent(protocol.EvLockAcquire,
				protocol.EntityRef{Scope: protocol.ScopeLock, ID: need.Lock}, now)
			ev.Holder = &protocol.HolderPayload{Holder: pipelineID}
			if err := x.handle(ctx, ev); err != nil {
				return "", err
			}
			l := x.tree.Locks[need.Lock]
			if l.State != resource.LockHeld || l.Holder != pipelineID {
				return fmt.Sprintf("lock %s is held by %s", need.Lock, l.Holder), nil
			}
			lockTaken = true
		}
	}

	if need.Semaphore != "" {
		if _, ok := x.tree.Semaphores[need.Semaphore]; ok {
			weight := need.Weight
			if weight <= 0 {
				weight = 1
			}
			ev := protocol.NewEvent(protocol.EvSemAcquire,
				protocol.EntityRef{Scope: protocol.ScopeSemaphore, ID: need.Semaphore}, now)
			ev.Holder = &protocol.HolderPayload{Holder: pipelineID, Weight: weight}
			if err := x.handle(ctx, ev); err != nil {
				return "", err
			}
			s := x.tree.Semaphores[need.Semaphore]
			if !s.Holds(pipelineID) {
				if lockTaken {
					if err := x.releaseGrants(ctx, pipelineID, config.PhaseNeed{Lock: need.Lock}); err != nil {
						return "", err
					}
				}
				return fmt.Sprintf("semaphore %s is full (%d/%d)", need.Semaphore, s.Used(), s.Capacity), nil
			}
		}
	}
	return "", nil
}

// releaseGrants gives back whatever the need acquired. Releasing a grant
// the pipeline does not hold is a machine-level no-op.
func (x *Executor) releaseGrants(ctx context.Context, pipelineID string, need config.PhaseNeed) error {
	now := x.clock.Now()
	if need.Lock != "" {
		if _, ok := x.tree.Locks[need.Lock]; ok {
			ev := protocol.NewEvent(protocol.EvLockRelease,
				protocol.EntityRef{Scope: protocol.ScopeLock, ID: need.Lock}, now)
			ev.Holder = &protocol.HolderPayload{Holder: pipelineID}
			if err := x.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
	if need.Semaphore != "" {
		if _, ok := x.tree.Semaphores[need.Semaphore]; ok {
			ev := protocol.NewEvent(protocol.EvSemRelease,
				protocol.EntityRef{Scope: protocol.ScopeSemaphore, ID: need.Semaphore}, now)
			ev.Holder = &protocol.HolderPayload{Holder: pipelineID}
			if err := x.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// phaseNeed looks up the need declared for one phase of a pipeline's
// kind.
func (x *Executor) phaseNeed(kind, phase string) (config.PhaseNeed, bool) {
	def, ok := x.kinds.Get(kind)
	if !ok {
		return config.PhaseNeed{}, false
	}
	need, ok := def.Needs[phase]
	return need, ok
}

// heartbeatGrants refreshes every running pipeline's held grants so the
// staleness sweep never reclaims a grant whose phase is still live.
func (x *Executor) heartbeatGrants(ctx context.Context, now time.Time) error {
	for _, id := range x.tree.pipelineIDs() {
		p := x.tree.Pipelines[id]
		if p.State != pipeline.Running {
			continue
		}
		need, ok := x.phaseNeed(p.Kind, p.Phase)
		if !ok {
			continue
		}
		if need.Lock != "" {
			if l, ok := x.tree.Locks[need.Lock]; ok && l.Holder == id {
				ev := protocol.NewEvent(protocol.EvLockHeartbeat,
					protocol.EntityRef{Scope: protocol.ScopeLock, ID: need.Lock}, now)
				ev.Holder = &protocol.HolderPayload{Holder: id}
				if err := x.handle(ctx, ev); err != nil {
					return err
				}
			}
		}
		if need.Semaphore != "" {
			if s, ok := x.tree.Semaphores[need.Semaphore]; ok && s.Holds(id) {
				ev := protocol.NewEvent(protocol.EvSemHeartbeat,
					protocol.EntityRef{Scope: protocol.ScopeSemaphore, ID: need.Semaphore}, now)
				ev.Holder = &protocol.HolderPayload{Holder: id}
				if err := x.handle(ctx, ev); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
