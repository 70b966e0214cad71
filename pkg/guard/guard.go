// Package guard implements the pure precondition evaluator that gates
// pipeline phase transitions. A Guard is a recursive condition tree of
// resource predicates combined with All/Any/Not. Evaluation is a fold
// over a snapshot the executor supplies — the guard itself performs no
// I/O and holds no state between evaluations.
package guard

import (
	"fmt"

	"loom/pkg/protocol"
	"loom/pkg/resource"
)

// Op names one node type in the condition tree.
type Op string

// Condition operators. The first three combine; the rest are leaves.
const (
	All Op = "all"
	Any Op = "any"
	Not Op = "not"

	LockFree       Op = "lock_free"       // named lock is not held
	LockHeldBy     Op = "lock_held_by"    // named lock is held by Holder
	SemHas         Op = "sem_has"         // semaphore has >= Weight available
	WorkspaceIs    Op = "workspace_is"    // workspace state tag equals State
	SessionRunning Op = "session_running" // session state tag is "running" or "idle"
	QueueDrained   Op = "queue_drained"   // queue has no pending items
)

// FailureAction tells the executor what a failed guard means for the
// pipeline: park it until something changes, fail the phase, or skip the
// guard entirely.
type FailureAction string

// Failure actions.
const (
	ActionBlock FailureAction = "block"
	ActionFail  FailureAction = "fail"
	ActionSkip  FailureAction = "skip"
)

// Cond is one node of the condition tree.
type Cond struct {
	Op       Op     `json:"op" yaml:"op"`
	Resource string `json:"resource,omitempty" yaml:"resource,omitempty"`
	Holder   string `json:"holder,omitempty" yaml:"holder,omitempty"`
	Weight   int    `json:"weight,omitempty" yaml:"weight,omitempty"`
	State    string `json:"state,omitempty" yaml:"state,omitempty"`
	Kids     []Cond `json:"kids,omitempty" yaml:"kids,omitempty"`
}

// Guard is a named condition tree with a failure action.
type Guard struct {
	Name   string        `json:"name" yaml:"name"`
	Cond   Cond          `json:"cond" yaml:"cond"`
	OnFail FailureAction `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
}

// Snapshot is the externally fetched world state a guard evaluates
// against. The executor decides which resources a tree needs (via
// Resources) and fills in exactly those.
type Snapshot struct {
	Locks      map[string]resource.Lock
	Semaphores map[string]resource.Semaphore
	Workspaces map[string]string // workspace id → state tag
	Sessions   map[string]string // session id → state tag
	QueueDepth map[string]int    // queue name → pending count
}

// Eval folds the condition tree over the snapshot with short-circuit
// semantics. Missing resources evaluate leaf predicates to false.
func (g Guard) Eval(snap Snapshot) bool {
	return evalCond(g.Cond, snap)
}

// Action returns the configured failure action, defaulting to block.
func (g Guard) Action() FailureAction {
	if g.OnFail == "" {
		return ActionBlock
	}
	return g.OnFail
}

// Resources lists every entity the tree references, so the executor can
// fetch exactly what evaluation needs.
func (g Guard) Resources() []protocol.EntityRef {
	var refs []protocol.EntityRef
	collectResources(g.Cond, &refs)
	return refs
}

// Validate rejects malformed trees: unknown ops, combinators without
// kids, leaves without a resource.
func (g Guard) Validate() error {
	return validateCond(g.Cond)
}

func evalCond(c Cond, snap Snapshot) bool {
	switch c.Op {
	case All:
		for _, k := range c.Kids {
			if !evalCond(k, snap) {
				return false
			}
		}
		return true
	case Any:
		for _, k := range c.Kids {
			if evalCond(k, snap) {
				return true
			}
		}
		return false
	case Not:
		if len(c.Kids) != 1 {
			return false
		}
		return !evalCond(c.Kids[0], snap)
	case LockFree:
		l, ok := snap.Locks[c.Resource]
		return ok && l.State == resource.LockFree
	case LockHeldBy:
		l, ok := snap.Locks[c.Resource]
		return ok && l.State == resource.LockHeld && l.Holder == c.Holder
	case SemHas:
		s, ok := snap.Semaphores[c.Resource]
		return ok && s.Available() >= c.Weight
	case WorkspaceIs:
		state, ok := snap.Workspaces[c.Resource]
		return ok && state == c.State
	case SessionRunning:
		state, ok := snap.Sessions[c.Resource]
		return ok && (state == "running" || state == "idle")
	case QueueDrained:
		depth, ok := snap.QueueDepth[c.Resource]
		return ok && depth == 0
	default:
		return false
	}
}

func collectResources(c Cond, refs *[]protocol.EntityRef) {
	switch c.Op {
	case All, Any, Not:
		for _, k := range c.Kids {
			collectResources(k, refs)
		}
	case LockFree, LockHeldBy:
		*refs = append(*refs, protocol.EntityRef{Scope: protocol.ScopeLock, ID: c.Resource})
	case SemHas:
		*refs = append(*refs, protocol.EntityRef{Scope: protocol.ScopeSemaphore, ID: c.Resource})
	case WorkspaceIs:
		*refs = append(*refs, protocol.EntityRef{Scope: protocol.ScopeWorkspace, ID: c.Resource})
	case SessionRunning:
		*refs = append(*refs, protocol.EntityRef{Scope: protocol.ScopeSession, ID: c.Resource})
	case QueueDrained:
		*refs = append(*refs, protocol.EntityRef{Scope: protocol.ScopeQueue, ID: c.Resource})
	}
}

func validateCond(c Cond) error {
	switch c.Op {
	case All, Any:
		if len(c.Kids) == 0 {
			return fmt.Errorf("%s condition needs at least one child", c.Op)
		}
		for _, k := range c.Kids {
			if err := validateCond(k); err != nil {
				return err
			}
		}
		return nil
	case Not:
		if len(c.Kids) != 1 {
			return fmt.Errorf("not condition needs exactly one child, got %d", len(c.Kids))
		}
		return validateCond(c.Kids[0])
	case LockFree, LockHeldBy, SemHas, WorkspaceIs, SessionRunning, QueueDrained:
		if c.Resource == "" {
			return fmt.Errorf("%s condition needs a resource", c.Op)
		}
		return nil
	default:
		return fmt.Errorf("unknown condition op %q", c.Op)
	}
}
