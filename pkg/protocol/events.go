package protocol

import (
	"strings"
	"time"
)

// Event kind strings. Kinds are colon-separated with the scope as the
// first segment so bus patterns like "task:*" work naturally. The first
// group are commands consumed by machines; the second are occurrences
// emitted back by transitions (as Publish effects).
const (
	// Pipeline commands.
	EvPhaseComplete     = "pipeline:phase_complete"
	EvPhaseFailed       = "pipeline:phase_failed"
	EvUnblock           = "pipeline:unblock"
	EvCheckpointRequest = "pipeline:checkpoint_request"
	EvRestore           = "pipeline:restore"

	// Pipeline occurrences.
	EvPhaseStarted = "pipeline:phase_started"
	EvBlocked      = "pipeline:blocked"
	EvResumed      = "pipeline:resumed"
	EvDone         = "pipeline:done"
	EvFailed       = "pipeline:failed"
	EvRestored     = "pipeline:restored"

	// Task commands.
	EvTaskStart     = "task:start"
	EvTaskHeartbeat = "task:heartbeat"
	EvTaskTick      = "task:tick"
	EvTaskNudge     = "task:nudge"
	EvTaskComplete  = "task:complete"
	EvTaskFail      = "task:fail"

	// Task occurrences.
	EvTaskStarted = "task:started"
	EvTaskStuck   = "task:stuck"
	EvTaskNudged  = "task:nudged"
	EvTaskDone    = "task:done"
	EvTaskFailed  = "task:failed"

	// Queue commands.
	EvQueuePush     = "queue:push"
	EvQueueClaim    = "queue:claim"
	EvQueueComplete = "queue:complete"
	EvQueueFail     = "queue:fail"
	EvQueueTick     = "queue:tick"

	// Queue occurrences.
	EvQueuePushed     = "queue:pushed"
	EvQueueClaimed    = "queue:claimed"
	EvQueueEmpty      = "queue:empty"
	EvQueueRequeued   = "queue:requeued"
	EvQueueDeadLetter = "queue:dead_letter"
	EvQueueReclaimed  = "queue:reclaimed"

	// Workspace commands.
	EvWorkspaceSetupDone    = "workspace:setup_complete"
	EvWorkspaceAttach       = "workspace:session_started"
	EvWorkspaceDetach       = "workspace:session_ended"
	EvWorkspaceMarkDirty    = "workspace:mark_dirty"
	EvWorkspaceMarkClean    = "workspace:mark_clean"
	EvWorkspaceBranchGone   = "workspace:branch_gone"
	EvWorkspaceRemove       = "workspace:remove"

	// Workspace occurrences.
	EvWorkspaceReady    = "workspace:ready"
	EvWorkspaceInUse    = "workspace:in_use"
	EvWorkspaceDirty    = "workspace:dirty"
	EvWorkspaceStale    = "workspace:stale"
	EvWorkspaceRemoving = "workspace:removing"

	// Session commands.
	EvSessionStarted   = "session:started"
	EvSessionHeartbeat = "session:heartbeat"
	EvSessionTick      = "session:tick"
	EvSessionEnded     = "session:ended"

	// Session occurrences.
	EvSessionRunning = "session:running"
	EvSessionIdle    = "session:idle"
	EvSessionDead    = "session:dead"

	// Lock commands.
	EvLockAcquire   = "lock:acquire"
	EvLockRelease   = "lock:release"
	EvLockHeartbeat = "lock:heartbeat"

	// Lock occurrences.
	EvLockAcquired    = "lock:acquired"
	EvLockExtended    = "lock:extended"
	EvLockBusy        = "lock:busy"
	EvLockReclaimed   = "lock:reclaimed"
	EvLockReleased    = "lock:released"
	EvLockNotOwner    = "lock:not_owner"
	EvLockAlreadyFree = "lock:already_free"

	// Semaphore commands.
	EvSemAcquire      = "semaphore:acquire"
	EvSemRelease      = "semaphore:release"
	EvSemHeartbeat    = "semaphore:heartbeat"
	EvSemReclaimStale = "semaphore:reclaim_stale"

	// Semaphore occurrences.
	EvSemAcquired  = "semaphore:acquired"
	EvSemFull      = "semaphore:full"
	EvSemReleased  = "semaphore:released"
	EvSemReclaimed = "semaphore:reclaimed"
)

// Event describes one occurrence or command addressed to one entity.
// Exactly one payload pointer is set for kinds that carry data; kinds
// without parameters (ticks, heartbeats without metadata) set none.
type Event struct {
	Kind   string    `json:"kind"`
	Entity EntityRef `json:"entity"`
	At     time.Time `json:"at"`

	Phase   *PhasePayload   `json:"phase,omitempty"`
	Fail    *FailPayload    `json:"fail,omitempty"`
	Restore *RestorePayload `json:"restore,omitempty"`
	Output  *OutputPayload  `json:"output,omitempty"`
	Item    *WorkItem       `json:"item,omitempty"`
	Claim   *ClaimPayload   `json:"claim,omitempty"`
	Holder  *HolderPayload  `json:"holder,omitempty"`
	Session *SessionPayload `json:"session,omitempty"`
	Stuck   *StuckPayload   `json:"stuck,omitempty"`
}

// PhasePayload carries phase names and per-phase outputs.
type PhasePayload struct {
	Phase   string            `json:"phase,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

// FailPayload carries a failure reason and whether it is recoverable.
type FailPayload struct {
	Reason      string `json:"reason"`
	Recoverable bool   `json:"recoverable"`
}

// RestorePayload names the checkpoint sequence to restore from.
type RestorePayload struct {
	Seq int `json:"seq"`
}

// OutputPayload carries task outputs back to the owning pipeline.
type OutputPayload struct {
	Outputs map[string]string `json:"outputs,omitempty"`
}

// ClaimPayload carries queue claim parameters and results.
type ClaimPayload struct {
	ClaimID string        `json:"claim_id,omitempty"`
	ItemID  string        `json:"item_id,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// HolderPayload carries lock/semaphore holder parameters and results.
type HolderPayload struct {
	Holder    string `json:"holder"`
	Weight    int    `json:"weight,omitempty"`
	Previous  string `json:"previous,omitempty"`
	Available int    `json:"available,omitempty"`
}

// SessionPayload links session occurrences to their session and reason.
type SessionPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// StuckPayload describes a stuck episode.
type StuckPayload struct {
	Since  time.Time `json:"since"`
	Nudges int       `json:"nudges"`
}

// NewEvent builds a bare event with kind, target and timestamp.
func NewEvent(kind string, entity EntityRef, at time.Time) Event {
	return Event{Kind: kind, Entity: entity, At: at}
}

// KindScope returns the scope segment of a kind string ("task:stuck" →
// "task"). Returns the whole string when there is no separator.
func KindScope(kind string) string {
	if i := strings.IndexByte(kind, ':'); i >= 0 {
		return kind[:i]
	}
	return kind
}
