package executor

import (
	"maps"
	"sort"
	"time"

	"loom/pkg/bus"
	"loom/pkg/guard"
	"loom/pkg/pipeline"
	"loom/pkg/protocol"
	"loom/pkg/queue"
	"loom/pkg/resource"
	"loom/pkg/session"
	"loom/pkg/task"
	"loom/pkg/workspace"
)

// Tree is the whole in-memory entity state: every live machine keyed by
// ID, plus the subscription table. It serializes as one JSON document so
// the executor can snapshot it into the event log and rebuild on start.
type Tree struct {
	Pipelines  map[string]pipeline.Pipeline   `json:"pipelines"`
	Tasks      map[string]task.Task           `json:"tasks"`
	Queues     map[string]queue.Queue         `json:"queues"`
	Workspaces map[string]workspace.Workspace `json:"workspaces"`
	Sessions   map[string]session.Session     `json:"sessions"`
	Locks      map[string]resource.Lock       `json:"locks"`
	Semaphores map[string]resource.Semaphore  `json:"semaphores"`
	Bus        bus.Bus                        `json:"bus"`
}

// NewTree returns an empty tree with all maps allocated.
func NewTree() Tree {
	return Tree{
		Pipelines:  map[string]pipeline.Pipeline{},
		Tasks:      map[string]task.Task{},
		Queues:     map[string]queue.Queue{},
		Workspaces: map[string]workspace.Workspace{},
		Sessions:   map[string]session.Session{},
		Locks:      map[string]resource.Lock{},
		Semaphores: map[string]resource.Semaphore{},
		Bus:        bus.New(),
	}
}

// Apply routes one event to the machine it addresses and returns the
// updated tree plus the transition's effects. An event for an entity the
// tree does not hold is a silent no-op, same as an undefined
// (state, event) pair inside a machine.
func (t Tree) Apply(ev protocol.Event, now time.Time) (Tree, []protocol.Effect) {
	switch ev.Entity.Scope {
	case protocol.ScopePipeline:
		p, ok := t.Pipelines[ev.Entity.ID]
		if !ok {
			return t, nil
		}
		next, effects := p.Apply(ev, now)
		out := t
		out.Pipelines = maps.Clone(t.Pipelines)
		out.Pipelines[ev.Entity.ID] = next
		return out, effects

	case protocol.ScopeTask:
		tk, ok := t.Tasks[ev.Entity.ID]
		if !ok {
			return t, nil
		}
		next, effects := tk.Apply(ev, now)
		out := t
		out.Tasks = maps.Clone(t.Tasks)
		out.Tasks[ev.Entity.ID] = next
		return out, effects

	case protocol.ScopeQueue:
		q, ok := t.Queues[ev.Entity.ID]
		if !ok {
			return t, nil
		}
		next, effects := q.Apply(ev, now)
		out := t
		out.Queues = maps.Clone(t.Queues)
		out.Queues[ev.Entity.ID] = next
		return out, effects

	case protocol.ScopeWorkspace:
		w, ok := t.Workspaces[ev.Entity.ID]
		if !ok {
			return t, nil
		}
		next, effects := w.Apply(ev, now)
		out := t
		out.Workspaces = maps.Clone(t.Workspaces)
		out.Workspaces[ev.Entity.ID] = next
		return out, effects

	case protocol.ScopeSession:
		s, ok := t.Sessions[ev.Entity.ID]
		if !ok {
			return t, nil
		}
		next, effects := s.Apply(ev, now)
		out := t
		out.Sessions = maps.Clone(t.Sessions)
		out.Sessions[ev.Entity.ID] = next
		return out, effects

	case protocol.ScopeLock:
		l, ok := t.Locks[ev.Entity.ID]
		if !ok {
			return t, nil
		}
		next, effects := l.Apply(ev, now)
		out := t
		out.Locks = maps.Clone(t.Locks)
		out.Locks[ev.Entity.ID] = next
		return out, effects

	case protocol.ScopeSemaphore:
		s, ok := t.Semaphores[ev.Entity.ID]
		if !ok {
			return t, nil
		}
		next, effects := s.Apply(ev, now)
		out := t
		out.Semaphores = maps.Clone(t.Semaphores)
		out.Semaphores[ev.Entity.ID] = next
		return out, effects

	default:
		return t, nil
	}
}

// GuardSnapshot projects the tree into the flat view guards evaluate
// against.
func (t Tree) GuardSnapshot() guard.Snapshot {
	snap := guard.Snapshot{
		Locks:      maps.Clone(t.Locks),
		Semaphores: maps.Clone(t.Semaphores),
		Workspaces: make(map[string]string, len(t.Workspaces)),
		Sessions:   make(map[string]string, len(t.Sessions)),
		QueueDepth: make(map[string]int, len(t.Queues)),
	}
	for id, w := range t.Workspaces {
		snap.Workspaces[id] = string(w.State)
	}
	for id, s := range t.Sessions {
		snap.Sessions[id] = string(s.State)
	}
	for name, q := range t.Queues {
		snap.QueueDepth[name] = len(q.Pending)
	}
	return snap
}

func (t Tree) pipelineIDs() []string {
	ids := make([]string, 0, len(t.Pipelines))
	for id := range t.Pipelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// taskIDs returns task IDs in a stable order for deterministic sweeps.
func (t Tree) taskIDs() []string {
	ids := make([]string, 0, len(t.Tasks))
	for id := range t.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t Tree) sessionIDs() []string {
	ids := make([]string, 0, len(t.Sessions))
	for id := range t.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t Tree) queueNames() []string {
	names := make([]string, 0, len(t.Queues))
	for name := range t.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t Tree) semaphoreNames() []string {
	names := make([]string, 0, len(t.Semaphores))
	for name := range t.Semaphores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// taskForSession finds the live task attached to a session, if any.
func (t Tree) taskForSession(sessionID string) (task.Task, bool) {
	for _, id := range t.taskIDs() {
		tk := t.Tasks[id]
		if tk.SessionID == sessionID && !tk.Terminal() {
			return tk, true
		}
	}
	return task.Task{}, false
}
