// Package resource implements the pure coordination primitives: the
// exclusive Lock and the weighted Semaphore. Contention outcomes (Busy,
// Full, NotOwner) are ordinary values, not errors — callers retry or
// escalate based on them. Staleness is heartbeat-derived and evaluated
// against the time passed in; nothing here reads the clock.
package resource

import (
	"time"

	"loom/pkg/protocol"
)

// Outcome classifies the result of a lock or semaphore operation.
type Outcome string

// Operation outcomes.
const (
	Acquired    Outcome = "acquired"
	Extended    Outcome = "extended"
	Reclaimed   Outcome = "reclaimed"
	Busy        Outcome = "busy"
	Full        Outcome = "full"
	Released    Outcome = "released"
	NotOwner    Outcome = "not_owner"
	AlreadyFree Outcome = "already_free"
)

// LockState is the lock's tag: free or held.
type LockState string

// Lock states.
const (
	LockFree LockState = "free"
	LockHeld LockState = "held"
)

// Lock grants exclusive use of a named resource. At most one holder
// exists; a holder that stops heartbeating past HeartbeatTimeout (or
// overstays MaxHold, when set) can be reclaimed by the next acquirer.
type Lock struct {
	Name             string        `json:"name"`
	State            LockState     `json:"state"`
	Holder           string        `json:"holder,omitempty"`
	AcquiredAt       time.Time     `json:"acquired_at,omitempty"`
	LastHeartbeat    time.Time     `json:"last_heartbeat,omitempty"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
	MaxHold          time.Duration `json:"max_hold,omitempty"`
}

// NewLock returns a free lock with the given staleness window.
func NewLock(name string, heartbeatTimeout time.Duration) Lock {
	return Lock{Name: name, State: LockFree, HeartbeatTimeout: heartbeatTimeout}
}

func (l Lock) ref() protocol.EntityRef {
	return protocol.EntityRef{Scope: protocol.ScopeLock, ID: l.Name}
}

// Apply routes a lock command event to the matching operation.
func (l Lock) Apply(ev protocol.Event, now time.Time) (Lock, []protocol.Effect) {
	if ev.Holder == nil {
		return l, nil
	}
	switch ev.Kind {
	case protocol.EvLockAcquire:
		next, _, effects := l.Acquire(ev.Holder.Holder, now)
		return next, effects
	case protocol.EvLockRelease:
		next, _, effects := l.Release(ev.Holder.Holder, now)
		return next, effects
	case protocol.EvLockHeartbeat:
		next, _, effects := l.Heartbeat(ev.Holder.Holder, now)
		return next, effects
	default:
		return l, nil
	}
}

// Acquire attempts to take the lock for holder.
//
//	Free               → Held(holder), Acquired
//	Held(holder)       → heartbeat refreshed, Extended (AcquiredAt untouched)
//	Held(other), stale → Held(holder), Reclaimed
//	Held(other), fresh → unchanged, Busy
func (l Lock) Acquire(holder string, now time.Time) (Lock, Outcome, []protocol.Effect) {
	switch {
	case l.State == LockFree:
		next := l
		next.State = LockHeld
		next.Holder = holder
		next.AcquiredAt = now
		next.LastHeartbeat = now
		ev := protocol.NewEvent(protocol.EvLockAcquired, l.ref(), now)
		ev.Holder = &protocol.HolderPayload{Holder: holder}
		return next, Acquired, []protocol.Effect{protocol.Publish(l.ref(), ev)}

	case l.Holder == holder:
		// Re-acquire by the current holder only refreshes liveness;
		// AcquiredAt keeps measuring true tenure for MaxHold.
		next := l
		next.LastHeartbeat = now
		ev := protocol.NewEvent(protocol.EvLockExtended, l.ref(), now)
		ev.Holder = &protocol.HolderPayload{Holder: holder}
		return next, Extended, []protocol.Effect{protocol.Publish(l.ref(), ev)}

	case l.stale(now):
		next := l
		previous := l.Holder
		next.Holder = holder
		next.AcquiredAt = now
		next.LastHeartbeat = now
		ev := protocol.NewEvent(protocol.EvLockReclaimed, l.ref(), now)
		ev.Holder = &protocol.HolderPayload{Holder: holder, Previous: previous}
		return next, Reclaimed, []protocol.Effect{protocol.Publish(l.ref(), ev)}

	default:
		ev := protocol.NewEvent(protocol.EvLockBusy, l.ref(), now)
		ev.Holder = &protocol.HolderPayload{Holder: holder, Previous: l.Holder}
		return l, Busy, []protocol.Effect{protocol.Publish(l.ref(), ev)}
	}
}

// Release frees the lock if holder owns it.
func (l Lock) Release(holder string, now time.Time) (Lock, Outcome, []protocol.Effect) {
	switch {
	case l.State == LockFree:
		return l, AlreadyFree, nil
	case l.Holder != holder:
		return l, NotOwner, nil
	default:
		next := l
		next.State = LockFree
		next.Holder = ""
		next.AcquiredAt = time.Time{}
		next.LastHeartbeat = time.Time{}
		ev := protocol.NewEvent(protocol.EvLockReleased, l.ref(), now)
		ev.Holder = &protocol.HolderPayload{Holder: holder}
		return next, Released, []protocol.Effect{protocol.Publish(l.ref(), ev)}
	}
}

// Heartbeat refreshes liveness, only when holder matches.
func (l Lock) Heartbeat(holder string, now time.Time) (Lock, Outcome, []protocol.Effect) {
	if l.State != LockHeld || l.Holder != holder {
		return l, NotOwner, nil
	}
	next := l
	next.LastHeartbeat = now
	return next, Extended, nil
}

// stale reports whether the current holder has missed its heartbeat
// window or overstayed MaxHold.
func (l Lock) stale(now time.Time) bool {
	if l.State != LockHeld {
		return false
	}
	if l.HeartbeatTimeout > 0 && now.Sub(l.LastHeartbeat) > l.HeartbeatTimeout {
		return true
	}
	if l.MaxHold > 0 && now.Sub(l.AcquiredAt) > l.MaxHold {
		return true
	}
	return false
}
