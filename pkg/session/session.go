// Package session implements the pure state machine for a supervised
// terminal process running inside a workspace. Liveness is derived from
// heartbeat timestamps evaluated on ticks; the machine never reads the
// clock itself.
package session

import (
	"time"

	"loom/pkg/protocol"
)

// State tags a session's lifecycle position.
type State string

// Session states. Dead is terminal.
const (
	Starting State = "starting"
	Running  State = "running"
	Idle     State = "idle"
	Dead     State = "dead"
)

// Session is one supervised terminal process.
type Session struct {
	ID               string        `json:"id"`
	WorkspaceID      string        `json:"workspace_id"`
	State            State         `json:"state"`
	Reason           string        `json:"reason,omitempty"`
	IdleSince        time.Time     `json:"idle_since,omitempty"`
	LastHeartbeat    time.Time     `json:"last_heartbeat,omitempty"`
	IdleAfter        time.Duration `json:"idle_after"`
	DeadAfter        time.Duration `json:"dead_after"`
	RecoveryAttempts int           `json:"recovery_attempts"`
}

// New returns a session in Starting. idleAfter marks how long without a
// heartbeat before the session counts as idle; deadAfter how long before
// it counts as dead.
func New(id, workspaceID string, idleAfter, deadAfter time.Duration) Session {
	return Session{
		ID:          id,
		WorkspaceID: workspaceID,
		State:       Starting,
		IdleAfter:   idleAfter,
		DeadAfter:   deadAfter,
	}
}

// Terminal reports whether no further transitions are possible.
func (s Session) Terminal() bool { return s.State == Dead }

func (s Session) ref() protocol.EntityRef {
	return protocol.EntityRef{Scope: protocol.ScopeSession, ID: s.ID}
}

// Apply is the session transition function.
func (s Session) Apply(ev protocol.Event, now time.Time) (Session, []protocol.Effect) {
	if s.Terminal() {
		return s, nil
	}
	switch ev.Kind {
	case protocol.EvSessionStarted:
		if s.State != Starting {
			return s, nil
		}
		next := s
		next.State = Running
		next.LastHeartbeat = now
		out := protocol.NewEvent(protocol.EvSessionRunning, s.ref(), now)
		out.Session = &protocol.SessionPayload{SessionID: s.ID}
		return next, []protocol.Effect{protocol.Publish(s.ref(), out)}

	case protocol.EvSessionHeartbeat:
		switch s.State {
		case Running:
			next := s
			next.LastHeartbeat = now
			return next, nil
		case Idle:
			next := s
			next.State = Running
			next.IdleSince = time.Time{}
			next.LastHeartbeat = now
			out := protocol.NewEvent(protocol.EvSessionRunning, s.ref(), now)
			out.Session = &protocol.SessionPayload{SessionID: s.ID}
			return next, []protocol.Effect{protocol.Publish(s.ref(), out)}
		default:
			return s, nil
		}

	case protocol.EvSessionTick:
		return s.tick(now)

	case protocol.EvSessionEnded:
		reason := "ended"
		if ev.Session != nil && ev.Session.Reason != "" {
			reason = ev.Session.Reason
		}
		next := s
		next.State = Dead
		next.Reason = reason
		out := protocol.NewEvent(protocol.EvSessionDead, s.ref(), now)
		out.Session = &protocol.SessionPayload{SessionID: s.ID, Reason: reason}
		return next, []protocol.Effect{protocol.Publish(s.ref(), out)}

	default:
		return s, nil
	}
}

// tick derives idleness and death from heartbeat age.
func (s Session) tick(now time.Time) (Session, []protocol.Effect) {
	switch s.State {
	case Running:
		if s.IdleAfter > 0 && now.Sub(s.LastHeartbeat) > s.IdleAfter {
			next := s
			next.State = Idle
			next.IdleSince = now
			out := protocol.NewEvent(protocol.EvSessionIdle, s.ref(), now)
			out.Session = &protocol.SessionPayload{SessionID: s.ID}
			return next, []protocol.Effect{protocol.Publish(s.ref(), out)}
		}
		return s, nil
	case Idle:
		if s.DeadAfter > 0 && now.Sub(s.LastHeartbeat) > s.DeadAfter {
			next := s
			next.State = Dead
			next.Reason = "heartbeat lost"
			out := protocol.NewEvent(protocol.EvSessionDead, s.ref(), now)
			out.Session = &protocol.SessionPayload{SessionID: s.ID, Reason: next.Reason}
			return next, []protocol.Effect{protocol.Publish(s.ref(), out)}
		}
		return s, nil
	default:
		return s, nil
	}
}
