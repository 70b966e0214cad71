package protocol

// Effect kind strings. An effect describes an intended action; only the
// executor turns one into an actual capability call. Within one
// transition's effect list, order is causal and must be preserved.
const (
	// Core routing.
	EffPublish        = "publish"         // record + route an occurrence
	EffDispatch       = "dispatch"        // apply an event to another entity
	EffSaveCheckpoint = "save_checkpoint" // persist a pipeline checkpoint
	EffStartTask      = "start_task"      // materialize a task for a phase

	// Session capability.
	EffSessionSpawn   = "session_spawn"
	EffSessionSend    = "session_send"
	EffSessionKill    = "session_kill"
	EffSessionCapture = "session_capture"

	// Repository capability.
	EffWorktreeAdd    = "worktree_add"
	EffWorktreeRemove = "worktree_remove"
	EffRepoCheck      = "repo_check"
	EffMerge          = "merge"

	// Issue-tracker capability.
	EffTrackerStart = "tracker_start"
	EffTrackerDone  = "tracker_done"
	EffTrackerNote  = "tracker_note"

	// Notification capability.
	EffNotify = "notify"

	// Event bus.
	EffDeliver = "deliver" // hand an occurrence to one matched subscriber
)

// Effect describes one intended side effect produced by a transition.
// Origin names the entity whose transition produced it, so capability
// outcomes can be routed back as events on the right entity.
type Effect struct {
	Kind   string    `json:"kind"`
	Origin EntityRef `json:"origin"`

	Event      *Event             `json:"event,omitempty"`      // publish / dispatch
	Checkpoint *Checkpoint        `json:"checkpoint,omitempty"` // save_checkpoint
	Task       *StartTaskPayload  `json:"task,omitempty"`       // start_task
	Spawn      *SpawnPayload      `json:"spawn,omitempty"`      // session_spawn
	Send       *SendPayload       `json:"send,omitempty"`       // session_send / session_kill / session_capture
	Worktree   *WorktreePayload   `json:"worktree,omitempty"`   // worktree_add / worktree_remove / repo_check
	Merge      *MergePayload      `json:"merge,omitempty"`      // merge
	Tracker    *TrackerPayload    `json:"tracker,omitempty"`    // tracker_*
	Notice     *NoticePayload     `json:"notice,omitempty"`     // notify
	Deliver    *DeliverPayload    `json:"deliver,omitempty"`    // deliver
}

// DeliverPayload routes one occurrence to one matched subscriber.
type DeliverPayload struct {
	Subscriber string `json:"subscriber"`
	Event      Event  `json:"event"`
}

// StartTaskPayload asks the executor to materialize a task for a phase.
type StartTaskPayload struct {
	PipelineID string `json:"pipeline_id"`
	Phase      string `json:"phase"`
}

// SpawnPayload carries session-spawn parameters.
type SpawnPayload struct {
	Name    string `json:"name"`
	Dir     string `json:"dir"`
	Command string `json:"command"`
}

// SendPayload carries input or capture parameters for a live session.
type SendPayload struct {
	SessionID string `json:"session_id"`
	Input     string `json:"input,omitempty"`
	Lines     int    `json:"lines,omitempty"`
}

// WorktreePayload carries worktree parameters.
type WorktreePayload struct {
	Branch string `json:"branch,omitempty"`
	Path   string `json:"path"`
}

// MergePayload carries merge parameters.
type MergePayload struct {
	Path     string        `json:"path"`
	Branch   string        `json:"branch"`
	Strategy MergeStrategy `json:"strategy"`
}

// TrackerPayload carries issue-tracker parameters.
type TrackerPayload struct {
	IssueID string `json:"issue_id"`
	Text    string `json:"text,omitempty"`
}

// NoticePayload carries a human-facing notification.
type NoticePayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Urgency string `json:"urgency"`
}

// Publish wraps an occurrence in a publish effect.
func Publish(origin EntityRef, ev Event) Effect {
	return Effect{Kind: EffPublish, Origin: origin, Event: &ev}
}

// Dispatch wraps a command for another entity in a dispatch effect.
func Dispatch(origin EntityRef, ev Event) Effect {
	return Effect{Kind: EffDispatch, Origin: origin, Event: &ev}
}
