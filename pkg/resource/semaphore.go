package resource

import (
	"time"

	"loom/pkg/protocol"
)

// Holder is one admitted semaphore holder with its weight.
type Holder struct {
	ID            string    `json:"id"`
	Weight        int       `json:"weight"`
	AcquiredAt    time.Time `json:"acquired_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Semaphore grants weighted capacity over a named resource. The sum of
// holder weights never exceeds Capacity.
type Semaphore struct {
	Name             string        `json:"name"`
	Capacity         int           `json:"capacity"`
	Holders          []Holder      `json:"holders"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
}

// NewSemaphore returns an empty semaphore with the given capacity.
func NewSemaphore(name string, capacity int, heartbeatTimeout time.Duration) Semaphore {
	return Semaphore{Name: name, Capacity: capacity, HeartbeatTimeout: heartbeatTimeout}
}

func (s Semaphore) ref() protocol.EntityRef {
	return protocol.EntityRef{Scope: protocol.ScopeSemaphore, ID: s.Name}
}

// Used returns the sum of admitted weights.
func (s Semaphore) Used() int {
	total := 0
	for _, h := range s.Holders {
		total += h.Weight
	}
	return total
}

// Available returns the remaining capacity.
func (s Semaphore) Available() int {
	return s.Capacity - s.Used()
}

// Holds reports whether holder is currently admitted.
func (s Semaphore) Holds(holder string) bool {
	return s.holderIndex(holder) >= 0
}

// Apply routes a semaphore command event to the matching operation.
func (s Semaphore) Apply(ev protocol.Event, now time.Time) (Semaphore, []protocol.Effect) {
	switch ev.Kind {
	case protocol.EvSemAcquire:
		if ev.Holder == nil {
			return s, nil
		}
		next, _, effects := s.Acquire(ev.Holder.Holder, ev.Holder.Weight, now)
		return next, effects
	case protocol.EvSemRelease:
		if ev.Holder == nil {
			return s, nil
		}
		next, _, effects := s.Release(ev.Holder.Holder, now)
		return next, effects
	case protocol.EvSemHeartbeat:
		if ev.Holder == nil {
			return s, nil
		}
		next, _, effects := s.Heartbeat(ev.Holder.Holder, now)
		return next, effects
	case protocol.EvSemReclaimStale:
		next, effects := s.ReclaimStale(now)
		return next, effects
	default:
		return s, nil
	}
}

// Acquire admits holder with the given weight, or refreshes an existing
// holder. An existing holder's weight may be refreshed or increased but
// never silently reduced. Weights must be positive; weight <= 0 is a
// silent no-op.
func (s Semaphore) Acquire(holder string, weight int, now time.Time) (Semaphore, Outcome, []protocol.Effect) {
	if weight <= 0 {
		return s, Full, nil
	}

	if idx := s.holderIndex(holder); idx >= 0 {
		current := s.Holders[idx]
		if weight <= current.Weight {
			// Refresh, keep the larger admitted weight.
			next := s.clone()
			next.Holders[idx].LastHeartbeat = now
			return next, Extended, nil
		}
		delta := weight - current.Weight
		if delta > s.Available() {
			ev := s.fullEvent(holder, now)
			return s, Full, []protocol.Effect{protocol.Publish(s.ref(), ev)}
		}
		next := s.clone()
		next.Holders[idx].Weight = weight
		next.Holders[idx].LastHeartbeat = now
		ev := protocol.NewEvent(protocol.EvSemAcquired, s.ref(), now)
		ev.Holder = &protocol.HolderPayload{Holder: holder, Weight: weight}
		return next, Acquired, []protocol.Effect{protocol.Publish(s.ref(), ev)}
	}

	if weight > s.Available() {
		ev := s.fullEvent(holder, now)
		return s, Full, []protocol.Effect{protocol.Publish(s.ref(), ev)}
	}

	next := s.clone()
	next.Holders = append(next.Holders, Holder{
		ID:            holder,
		Weight:        weight,
		AcquiredAt:    now,
		LastHeartbeat: now,
	})
	ev := protocol.NewEvent(protocol.EvSemAcquired, s.ref(), now)
	ev.Holder = &protocol.HolderPayload{Holder: holder, Weight: weight}
	return next, Acquired, []protocol.Effect{protocol.Publish(s.ref(), ev)}
}

// Release removes holder entirely, whatever its weight.
func (s Semaphore) Release(holder string, now time.Time) (Semaphore, Outcome, []protocol.Effect) {
	idx := s.holderIndex(holder)
	if idx < 0 {
		return s, NotOwner, nil
	}
	next := s.clone()
	next.Holders = append(next.Holders[:idx:idx], next.Holders[idx+1:]...)
	ev := protocol.NewEvent(protocol.EvSemReleased, s.ref(), now)
	ev.Holder = &protocol.HolderPayload{Holder: holder}
	return next, Released, []protocol.Effect{protocol.Publish(s.ref(), ev)}
}

// Heartbeat refreshes one holder's liveness.
func (s Semaphore) Heartbeat(holder string, now time.Time) (Semaphore, Outcome, []protocol.Effect) {
	idx := s.holderIndex(holder)
	if idx < 0 {
		return s, NotOwner, nil
	}
	next := s.clone()
	next.Holders[idx].LastHeartbeat = now
	return next, Extended, nil
}

// ReclaimStale removes every holder past the heartbeat timeout, one
// reclaim event per holder in admission order. Invoked by the executor's
// periodic maintenance, never by acquirers.
func (s Semaphore) ReclaimStale(now time.Time) (Semaphore, []protocol.Effect) {
	if s.HeartbeatTimeout <= 0 {
		return s, nil
	}
	var kept []Holder
	var effects []protocol.Effect
	for _, h := range s.Holders {
		if now.Sub(h.LastHeartbeat) > s.HeartbeatTimeout {
			ev := protocol.NewEvent(protocol.EvSemReclaimed, s.ref(), now)
			ev.Holder = &protocol.HolderPayload{Holder: h.ID, Weight: h.Weight}
			effects = append(effects, protocol.Publish(s.ref(), ev))
			continue
		}
		kept = append(kept, h)
	}
	if len(effects) == 0 {
		return s, nil
	}
	next := s.clone()
	next.Holders = kept
	return next, effects
}

func (s Semaphore) fullEvent(holder string, now time.Time) protocol.Event {
	ev := protocol.NewEvent(protocol.EvSemFull, s.ref(), now)
	ev.Holder = &protocol.HolderPayload{Holder: holder, Available: s.Available()}
	return ev
}

func (s Semaphore) holderIndex(holder string) int {
	for i, h := range s.Holders {
		if h.ID == holder {
			return i
		}
	}
	return -1
}

func (s Semaphore) clone() Semaphore {
	out := s
	out.Holders = append([]Holder(nil), s.Holders...)
	return out
}
