// Package workspace implements the pure state machine for an isolated,
// version-controlled working directory. A workspace exists independently
// of any pipeline; sessions attach to and detach from it, and cleanliness
// is reported back by the executor after a repository check.
package workspace

import (
	"time"

	"loom/pkg/protocol"
)

// State tags a workspace's lifecycle position.
type State string

// Workspace states. Removing is terminal.
const (
	Creating State = "creating"
	Ready    State = "ready"
	InUse    State = "in_use"
	Dirty    State = "dirty"
	Stale    State = "stale"
	Removing State = "removing"
)

// Workspace is one isolated working directory on its own branch.
type Workspace struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	State     State     `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns a workspace in Creating. The executor pairs this with a
// worktree_add effect; setup_complete arrives once the directory exists.
func New(id, kind, path, branch string, now time.Time) Workspace {
	return Workspace{
		ID:        id,
		Kind:      kind,
		Path:      path,
		Branch:    branch,
		State:     Creating,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether no further transitions are possible.
func (w Workspace) Terminal() bool { return w.State == Removing }

func (w Workspace) ref() protocol.EntityRef {
	return protocol.EntityRef{Scope: protocol.ScopeWorkspace, ID: w.ID}
}

// Apply is the workspace transition function.
func (w Workspace) Apply(ev protocol.Event, now time.Time) (Workspace, []protocol.Effect) {
	if w.Terminal() {
		return w, nil
	}
	switch ev.Kind {
	case protocol.EvWorkspaceSetupDone:
		if w.State != Creating {
			return w, nil
		}
		return w.to(Ready, now, protocol.EvWorkspaceReady, nil)

	case protocol.EvWorkspaceAttach:
		if w.State != Ready {
			return w, nil
		}
		next := w
		next.State = InUse
		if ev.Session != nil {
			next.SessionID = ev.Session.SessionID
		}
		next.UpdatedAt = now
		out := protocol.NewEvent(protocol.EvWorkspaceInUse, w.ref(), now)
		out.Session = &protocol.SessionPayload{SessionID: next.SessionID}
		return next, []protocol.Effect{protocol.Publish(w.ref(), out)}

	case protocol.EvWorkspaceDetach:
		if w.State != InUse {
			return w, nil
		}
		// Cleanliness is unknown until the executor checks; ask for a
		// repository check and stay put until mark_clean / mark_dirty.
		next := w
		next.SessionID = ""
		next.UpdatedAt = now
		check := protocol.Effect{
			Kind:     protocol.EffRepoCheck,
			Origin:   w.ref(),
			Worktree: &protocol.WorktreePayload{Path: w.Path},
		}
		return next, []protocol.Effect{check}

	case protocol.EvWorkspaceMarkClean:
		if w.State != InUse && w.State != Dirty {
			return w, nil
		}
		return w.to(Ready, now, protocol.EvWorkspaceReady, nil)

	case protocol.EvWorkspaceMarkDirty:
		if w.State != InUse && w.State != Ready {
			return w, nil
		}
		return w.to(Dirty, now, protocol.EvWorkspaceDirty, nil)

	case protocol.EvWorkspaceBranchGone:
		return w.to(Stale, now, protocol.EvWorkspaceStale, nil)

	case protocol.EvWorkspaceRemove:
		if w.State == InUse {
			// A live session still owns the directory.
			return w, nil
		}
		remove := protocol.Effect{
			Kind:     protocol.EffWorktreeRemove,
			Origin:   w.ref(),
			Worktree: &protocol.WorktreePayload{Path: w.Path, Branch: w.Branch},
		}
		return w.to(Removing, now, protocol.EvWorkspaceRemoving, []protocol.Effect{remove})

	default:
		return w, nil
	}
}

// to moves the workspace to state, publishing kind plus any extra
// effects after the occurrence.
func (w Workspace) to(state State, now time.Time, kind string, extra []protocol.Effect) (Workspace, []protocol.Effect) {
	next := w
	next.State = state
	next.UpdatedAt = now
	out := protocol.NewEvent(kind, w.ref(), now)
	effects := []protocol.Effect{protocol.Publish(w.ref(), out)}
	effects = append(effects, extra...)
	return next, effects
}
