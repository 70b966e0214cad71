package workspace

import (
	"testing"
	"time"

	"loom/pkg/protocol"
)

var wsEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func wsEvent(kind string) protocol.Event {
	return protocol.NewEvent(kind, protocol.EntityRef{Scope: protocol.ScopeWorkspace, ID: "ws-1"}, wsEpoch)
}

func readyWorkspace(t *testing.T) Workspace {
	t.Helper()
	w := New("ws-1", "build", "/tmp/worktrees/pl-1", "loom/pl-1", wsEpoch)
	w, _ = w.Apply(wsEvent(protocol.EvWorkspaceSetupDone), wsEpoch)
	if w.State != Ready {
		t.Fatalf("setup: state = %q, want ready", w.State)
	}
	return w
}

func TestWorkspaceSetup(t *testing.T) {
	w := New("ws-1", "build", "/tmp/worktrees/pl-1", "loom/pl-1", wsEpoch)

	if w.State != Creating {
		t.Fatalf("state = %q, want %q", w.State, Creating)
	}

	next, effects := w.Apply(wsEvent(protocol.EvWorkspaceSetupDone), wsEpoch.Add(time.Second))

	if next.State != Ready {
		t.Errorf("state = %q, want %q", next.State, Ready)
	}
	if len(effects) != 1 || effects[0].Event.Kind != protocol.EvWorkspaceReady {
		t.Errorf("effects = %+v, want one workspace:ready", effects)
	}

	// setup_complete only lands once.
	if again, effects := next.Apply(wsEvent(protocol.EvWorkspaceSetupDone), wsEpoch); again.State != Ready || len(effects) != 0 {
		t.Errorf("repeated setup changed workspace: %q", again.State)
	}
}

func TestWorkspaceAttachDetach(t *testing.T) {
	w := readyWorkspace(t)

	attach := wsEvent(protocol.EvWorkspaceAttach)
	attach.Session = &protocol.SessionPayload{SessionID: "s-1"}
	w, effects := w.Apply(attach, wsEpoch.Add(time.Second))

	if w.State != InUse || w.SessionID != "s-1" {
		t.Fatalf("state = %q session = %q, want in_use by s-1", w.State, w.SessionID)
	}
	if len(effects) != 1 || effects[0].Event.Kind != protocol.EvWorkspaceInUse {
		t.Fatalf("effects = %+v, want one workspace:in_use", effects)
	}

	w, effects = w.Apply(wsEvent(protocol.EvWorkspaceDetach), wsEpoch.Add(2*time.Second))

	if w.SessionID != "" {
		t.Errorf("session = %q after detach, want cleared", w.SessionID)
	}
	// State waits on the repository check.
	if w.State != InUse {
		t.Errorf("state = %q, want in_use until mark_clean/mark_dirty", w.State)
	}
	if len(effects) != 1 || effects[0].Kind != protocol.EffRepoCheck {
		t.Fatalf("effects = %+v, want one repo_check", effects)
	}
	if effects[0].Worktree == nil || effects[0].Worktree.Path != "/tmp/worktrees/pl-1" {
		t.Errorf("repo_check payload = %+v, want workspace path", effects[0].Worktree)
	}
}

func TestWorkspaceAttachRequiresReady(t *testing.T) {
	w := New("ws-1", "build", "/tmp/wt", "loom/pl-1", wsEpoch)

	attach := wsEvent(protocol.EvWorkspaceAttach)
	attach.Session = &protocol.SessionPayload{SessionID: "s-1"}
	next, effects := w.Apply(attach, wsEpoch)

	if next.State != Creating || len(effects) != 0 {
		t.Errorf("attach before ready changed workspace: %q", next.State)
	}
}

func TestWorkspaceMarkCleanAndDirty(t *testing.T) {
	w := readyWorkspace(t)
	attach := wsEvent(protocol.EvWorkspaceAttach)
	attach.Session = &protocol.SessionPayload{SessionID: "s-1"}
	w, _ = w.Apply(attach, wsEpoch)
	w, _ = w.Apply(wsEvent(protocol.EvWorkspaceDetach), wsEpoch)

	clean, effects := w.Apply(wsEvent(protocol.EvWorkspaceMarkClean), wsEpoch.Add(time.Second))
	if clean.State != Ready {
		t.Errorf("state = %q after mark_clean, want ready", clean.State)
	}
	if len(effects) != 1 || effects[0].Event.Kind != protocol.EvWorkspaceReady {
		t.Errorf("effects = %+v, want workspace:ready", effects)
	}

	dirty, effects := w.Apply(wsEvent(protocol.EvWorkspaceMarkDirty), wsEpoch.Add(time.Second))
	if dirty.State != Dirty {
		t.Errorf("state = %q after mark_dirty, want dirty", dirty.State)
	}
	if len(effects) != 1 || effects[0].Event.Kind != protocol.EvWorkspaceDirty {
		t.Errorf("effects = %+v, want workspace:dirty", effects)
	}

	// Dirty recovers through mark_clean.
	recovered, _ := dirty.Apply(wsEvent(protocol.EvWorkspaceMarkClean), wsEpoch.Add(2*time.Second))
	if recovered.State != Ready {
		t.Errorf("state = %q, want ready after cleanup", recovered.State)
	}
}

func TestWorkspaceBranchGone(t *testing.T) {
	w := readyWorkspace(t)

	next, effects := w.Apply(wsEvent(protocol.EvWorkspaceBranchGone), wsEpoch.Add(time.Second))

	if next.State != Stale {
		t.Errorf("state = %q, want stale", next.State)
	}
	if len(effects) != 1 || effects[0].Event.Kind != protocol.EvWorkspaceStale {
		t.Errorf("effects = %+v, want workspace:stale", effects)
	}
}

func TestWorkspaceRemove(t *testing.T) {
	w := readyWorkspace(t)

	next, effects := w.Apply(wsEvent(protocol.EvWorkspaceRemove), wsEpoch.Add(time.Second))

	if next.State != Removing || !next.Terminal() {
		t.Fatalf("state = %q, want removing (terminal)", next.State)
	}
	if len(effects) != 2 {
		t.Fatalf("effects = %d, want publish + worktree_remove", len(effects))
	}
	if effects[0].Event.Kind != protocol.EvWorkspaceRemoving {
		t.Errorf("effects[0] = %+v, want workspace:removing", effects[0].Event)
	}
	if effects[1].Kind != protocol.EffWorktreeRemove || effects[1].Worktree.Branch != "loom/pl-1" {
		t.Errorf("effects[1] = %+v, want worktree_remove with branch", effects[1])
	}

	// Terminal absorbs everything.
	if again, effects := next.Apply(wsEvent(protocol.EvWorkspaceSetupDone), wsEpoch); again.State != Removing || len(effects) != 0 {
		t.Errorf("terminal workspace transitioned: %q", again.State)
	}
}

func TestWorkspaceRemoveRefusedWhileInUse(t *testing.T) {
	w := readyWorkspace(t)
	attach := wsEvent(protocol.EvWorkspaceAttach)
	attach.Session = &protocol.SessionPayload{SessionID: "s-1"}
	w, _ = w.Apply(attach, wsEpoch)

	next, effects := w.Apply(wsEvent(protocol.EvWorkspaceRemove), wsEpoch.Add(time.Second))

	if next.State != InUse || len(effects) != 0 {
		t.Errorf("remove while in_use went through: state=%q effects=%d", next.State, len(effects))
	}
}
