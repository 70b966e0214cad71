// Package protocol defines the shared data vocabulary of the loom core:
// entity scopes, the Event and Effect envelopes exchanged between the pure
// state machines and the executor, checkpoints, and the SQLite schema for
// the durable event log. Everything here is plain serializable data —
// no behavior beyond constructors and validation.
package protocol

import (
	"fmt"
	"regexp"
	"time"
)

// Scope identifies which state-machine family an entity belongs to. It is
// also the first segment of every event kind string.
type Scope string

// Entity scopes.
const (
	ScopePipeline  Scope = "pipeline"
	ScopeTask      Scope = "task"
	ScopeQueue     Scope = "queue"
	ScopeWorkspace Scope = "workspace"
	ScopeSession   Scope = "session"
	ScopeLock      Scope = "lock"
	ScopeSemaphore Scope = "semaphore"
)

// EntityRef identifies one addressable entity in the state tree.
type EntityRef struct {
	Scope Scope  `json:"scope"`
	ID    string `json:"id"`
}

// String returns the canonical "scope/id" form used in logs.
func (r EntityRef) String() string {
	return string(r.Scope) + "/" + r.ID
}

// WorkItem is one prioritized unit of queued work.
type WorkItem struct {
	ID          string    `json:"id"`
	Payload     string    `json:"payload"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
}

// Checkpoint is a durable snapshot of pipeline progress. Sequence numbers
// strictly increase across the lifetime of one pipeline.
type Checkpoint struct {
	PipelineID string            `json:"pipeline_id"`
	Seq        int               `json:"seq"`
	State      string            `json:"state"`
	Phase      string            `json:"phase"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// MergeStrategy selects how a workspace branch lands on the main line.
type MergeStrategy string

// Merge strategies.
const (
	MergeFastForward MergeStrategy = "fast_forward"
	MergeRebase      MergeStrategy = "rebase"
	MergeCommit      MergeStrategy = "merge"
)

// Urgency levels for notifications.
const (
	UrgencyLow      = "low"
	UrgencyNormal   = "normal"
	UrgencyCritical = "critical"
)

// idPattern matches safe entity identifiers: alphanumerics, dash,
// underscore and dot. Anything else is rejected before an ID reaches a
// file path or a shell argument.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateID rejects identifiers that could escape a path or argument
// position. Used by every capability shim before an ID is interpolated.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if len(id) > 128 {
		return fmt.Errorf("id too long (%d chars)", len(id))
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}
