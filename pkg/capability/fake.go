package capability

import (
	"context"
	"fmt"
	"sync"

	"loom/pkg/protocol"
)

// FakeSessions is the deterministic Sessions capability: an in-memory
// session table plus per-session output buffers tests can script.
type FakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	SendLog  []string // "<id>\n<input>" per Send, in order
}

type fakeSession struct {
	info   SessionInfo
	alive  bool
	output []string
}

// NewFakeSessions returns an empty fake session table.
func NewFakeSessions() *FakeSessions {
	return &FakeSessions{sessions: make(map[string]*fakeSession)}
}

// Spawn records a live session under name.
func (f *FakeSessions) Spawn(_ context.Context, name, cwd, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok && s.alive {
		return "", fmt.Errorf("session %s already running", name)
	}
	f.sessions[name] = &fakeSession{
		info:  SessionInfo{ID: name, Name: name},
		alive: true,
	}
	return name, nil
}

// Send appends input to the session's log.
func (f *FakeSessions) Send(_ context.Context, sessionID, input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || !s.alive {
		return fmt.Errorf("session %s not running", sessionID)
	}
	f.SendLog = append(f.SendLog, sessionID+"\n"+input)
	return nil
}

// Kill marks the session dead. Killing an absent or dead session
// succeeds, matching the production capability.
func (f *FakeSessions) Kill(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.alive = false
	}
	return nil
}

// IsAlive reports the scripted liveness.
func (f *FakeSessions) IsAlive(_ context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	return ok && s.alive, nil
}

// CaptureOutput returns the scripted output joined by newlines.
func (f *FakeSessions) CaptureOutput(_ context.Context, sessionID string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("session %s not found", sessionID)
	}
	out := s.output
	if lines > 0 && len(out) > lines {
		out = out[len(out)-lines:]
	}
	joined := ""
	for i, l := range out {
		if i > 0 {
			joined += "\n"
		}
		joined += l
	}
	return joined, nil
}

// List returns every live session. Ordering is not guaranteed.
func (f *FakeSessions) List(_ context.Context) ([]SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []SessionInfo
	for _, s := range f.sessions {
		if s.alive {
			infos = append(infos, s.info)
		}
	}
	return infos, nil
}

// AppendOutput scripts pane output for CaptureOutput.
func (f *FakeSessions) AppendOutput(sessionID string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		s.output = append(s.output, lines...)
	}
}

// FakeRepository is the deterministic Repository capability: worktrees
// and branches are map entries, and conflicts are scripted per branch.
type FakeRepository struct {
	mu        sync.Mutex
	worktrees map[string]string // path → branch
	dirty     map[string]bool   // path → has uncommitted changes
	Conflicts map[string][]string
	merges    int
}

// NewFakeRepository returns an empty fake repository.
func NewFakeRepository() *FakeRepository {
	return &FakeRepository{
		worktrees: make(map[string]string),
		dirty:     make(map[string]bool),
		Conflicts: make(map[string][]string),
	}
}

// WorktreeAdd records a worktree at path on branch.
func (f *FakeRepository) WorktreeAdd(_ context.Context, branch, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.worktrees[path]; ok {
		return fmt.Errorf("worktree %s already exists", path)
	}
	f.worktrees[path] = branch
	return nil
}

// WorktreeRemove drops the worktree at path.
func (f *FakeRepository) WorktreeRemove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.worktrees, path)
	delete(f.dirty, path)
	return nil
}

// IsClean reports the scripted cleanliness (clean by default).
func (f *FakeRepository) IsClean(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dirty[path], nil
}

// MarkDirty scripts uncommitted changes at path.
func (f *FakeRepository) MarkDirty(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty[path] = true
}

// Merge succeeds unless a conflict is scripted for branch.
func (f *FakeRepository) Merge(_ context.Context, path, branch string, strategy protocol.MergeStrategy) (MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if files, ok := f.Conflicts[branch]; ok {
		return MergeResult{Outcome: MergeConflict, ConflictFiles: files}, nil
	}
	f.merges++
	sha := fmt.Sprintf("fake%08d", f.merges)
	switch strategy {
	case protocol.MergeFastForward:
		return MergeResult{Outcome: MergeFastForwarded, CommitSHA: sha}, nil
	case protocol.MergeRebase:
		return MergeResult{Outcome: MergeRebased, CommitSHA: sha}, nil
	default:
		return MergeResult{Outcome: MergeSuccess, CommitSHA: sha}, nil
	}
}

// FakeTracker is the deterministic Tracker capability.
type FakeTracker struct {
	mu     sync.Mutex
	issues map[string]*Issue
	Notes  map[string][]string
}

// NewFakeTracker returns a tracker pre-loaded with issues.
func NewFakeTracker(issues ...Issue) *FakeTracker {
	t := &FakeTracker{
		issues: make(map[string]*Issue),
		Notes:  make(map[string][]string),
	}
	for i := range issues {
		cp := issues[i]
		if cp.Status == "" {
			cp.Status = "ready"
		}
		t.issues[cp.ID] = &cp
	}
	return t
}

// List returns issues whose status matches filter ("ready" by default).
func (f *FakeTracker) List(_ context.Context, filter string) ([]Issue, error) {
	if filter == "" {
		filter = "ready"
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Issue
	for _, is := range f.issues {
		if is.Status == filter {
			out = append(out, *is)
		}
	}
	return out, nil
}

// Get returns one issue by ID.
func (f *FakeTracker) Get(_ context.Context, id string) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	is, ok := f.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", id)
	}
	cp := *is
	return &cp, nil
}

// Start marks an issue in progress.
func (f *FakeTracker) Start(_ context.Context, id string) error {
	return f.setStatus(id, "in_progress")
}

// Done marks an issue closed.
func (f *FakeTracker) Done(_ context.Context, id string) error {
	return f.setStatus(id, "closed")
}

// Note records a comment.
func (f *FakeTracker) Note(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.issues[id]; !ok {
		return fmt.Errorf("issue %s not found", id)
	}
	f.Notes[id] = append(f.Notes[id], text)
	return nil
}

func (f *FakeTracker) setStatus(id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	is, ok := f.issues[id]
	if !ok {
		return fmt.Errorf("issue %s not found", id)
	}
	is.Status = status
	return nil
}

// Notification is one recorded fake notification.
type Notification struct {
	Title   string
	Message string
	Urgency string
}

// FakeNotifier records notifications instead of raising them.
type FakeNotifier struct {
	mu   sync.Mutex
	Sent []Notification
}

// NewFakeNotifier returns an empty recorder.
func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{}
}

// Notify records the notification.
func (f *FakeNotifier) Notify(_ context.Context, title, message, urgency string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, Notification{Title: title, Message: message, Urgency: urgency})
	return nil
}
