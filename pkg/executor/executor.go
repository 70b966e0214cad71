// Package executor is the impurity boundary. It owns the entity tree,
// feeds events through the pure machines, appends every event to the
// SQLite log, and carries out the effects transitions hand back —
// spawning sessions, adding worktrees, merging branches, poking the
// tracker and the notifier. Nothing outside this package performs I/O
// on behalf of the core.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"loom/pkg/capability"
	"loom/pkg/clock"
	"loom/pkg/config"
	"loom/pkg/eventlog"
	"loom/pkg/guard"
	"loom/pkg/pipeline"
	"loom/pkg/protocol"
	"loom/pkg/queue"
	"loom/pkg/resource"
	"loom/pkg/session"
	"loom/pkg/task"
	"loom/pkg/workspace"
)

// snapshotEvery bounds replay work: a whole-tree snapshot lands in the
// log at least this often (in committed events).
const snapshotEvery = 64

// Capabilities bundles the external surfaces the executor drives.
type Capabilities struct {
	Sessions capability.Sessions
	Repo     capability.Repository
	Tracker  capability.Tracker
	Notifier capability.Notifier
}

// Options configures an Executor beyond its capabilities and store.
type Options struct {
	Config      config.Config
	Kinds       config.Kinds
	Clock       clock.Clock
	IDs         clock.IDGen
	WorktreeDir string

	// Logf receives operational messages (tick errors, recovery
	// actions). Nil discards them.
	Logf func(format string, args ...any)
}

// Handler consumes events delivered through bus subscriptions.
type Handler func(protocol.Event)

// Executor drives the system: one instance per daemon.
type Executor struct {
	mu    sync.Mutex
	tree  Tree
	store *eventlog.Store
	caps  Capabilities

	cfg         config.Config
	kinds       config.Kinds
	clock       clock.Clock
	ids         clock.IDGen
	worktreeDir string

	logf func(format string, args ...any)

	handlers   map[string]Handler
	restarts   map[string]int      // task ID → restart count this episode
	claims     map[string]claimRef // pipeline ID → intake claim to settle
	lastOutput map[string]string   // session ID → last captured pane tail
	appended   int64             // events since last tree snapshot
	lastSeq    int64             // newest committed log sequence
}

// New builds an executor, seeding declared locks, semaphores and queues
// from the configuration.
func New(store *eventlog.Store, caps Capabilities, opts Options) *Executor {
	cfg := opts.Config.WithDefaults()
	kinds := opts.Kinds
	if len(kinds.Kinds) == 0 {
		kinds = config.BuiltinKinds()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = clock.UUIDGen{}
	}
	worktreeDir := opts.WorktreeDir
	if worktreeDir == "" {
		worktreeDir = filepath.Join(cfg.Repo.Root, ".loom", "worktrees")
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	x := &Executor{
		tree:        NewTree(),
		store:       store,
		caps:        caps,
		cfg:         cfg,
		kinds:       kinds,
		clock:       clk,
		ids:         ids,
		worktreeDir: worktreeDir,
		logf:        logf,
		handlers:    map[string]Handler{},
		restarts:    map[string]int{},
		claims:      map[string]claimRef{},
		lastOutput:  map[string]string{},
	}
	for _, def := range cfg.Locks {
		l := resource.NewLock(def.Name, def.HeartbeatTimeout.Std())
		l.MaxHold = def.MaxHold.Std()
		x.tree.Locks[def.Name] = l
	}
	for _, def := range cfg.Semaphores {
		x.tree.Semaphores[def.Name] = resource.NewSemaphore(def.Name, def.Capacity, def.HeartbeatTimeout.Std())
	}
	for _, def := range cfg.Queues {
		x.tree.Queues[def.Name] = queue.New(def.Name)
	}
	return x
}

// Tree returns a copy of the current entity tree for read-only callers.
func (x *Executor) Tree() Tree {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.tree
}

// Subscribe registers a bus subscription with a delivery handler.
// Subscriptions survive in snapshots; handlers must be re-registered on
// each process start.
func (x *Executor) Subscribe(subscriber, pattern string, h Handler) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tree.Bus = x.tree.Bus.Subscribe(subscriber, pattern)
	x.handlers[subscriber] = h
}

// Handle feeds one event through the tree, commits it to the log, and
// carries out the resulting effects. Events for unknown entities or
// undefined transitions commit to the log but change nothing.
func (x *Executor) Handle(ctx context.Context, ev protocol.Event) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.handle(ctx, ev)
}

func (x *Executor) handle(ctx context.Context, ev protocol.Event) error {
	if ev.At.IsZero() {
		ev.At = x.clock.Now()
	}
	next, effects := x.tree.Apply(ev, ev.At)
	seq, err := x.store.Append(ctx, ev)
	if err != nil {
		return fmt.Errorf("commit %s: %w", ev.Kind, err)
	}
	x.tree = next
	x.lastSeq = seq
	x.appended++
	if err := x.run(ctx, effects); err != nil {
		return err
	}
	return x.maybeSnapshot(ctx, false)
}

// run carries out effects in the order the machines emitted them.
// Capability failures convert to events or accumulate; they never stop
// the remaining effects from running.
func (x *Executor) run(ctx context.Context, effects []protocol.Effect) error {
	var errs []error
	for _, eff := range effects {
		if err := x.runOne(ctx, eff); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (x *Executor) runOne(ctx context.Context, eff protocol.Effect) error {
	switch eff.Kind {
	case protocol.EffPublish:
		if eff.Event == nil {
			return nil
		}
		seq, err := x.store.Append(ctx, *eff.Event)
		if err != nil {
			return fmt.Errorf("commit occurrence %s: %w", eff.Event.Kind, err)
		}
		x.lastSeq = seq
		x.appended++
		deliveries := x.tree.Bus.Publish(*eff.Event)
		if err := x.run(ctx, deliveries); err != nil {
			return err
		}
		return x.react(ctx, *eff.Event)

	case protocol.EffDispatch:
		if eff.Event == nil {
			return nil
		}
		return x.handle(ctx, *eff.Event)

	case protocol.EffDeliver:
		if eff.Deliver == nil {
			return nil
		}
		if h, ok := x.handlers[eff.Deliver.Subscriber]; ok && h != nil {
			h(eff.Deliver.Event)
		}
		return nil

	case protocol.EffSaveCheckpoint:
		if eff.Checkpoint == nil {
			return nil
		}
		keep := pipeline.DefaultMaxCheckpoints
		if p, ok := x.tree.Pipelines[eff.Checkpoint.PipelineID]; ok && p.MaxCheckpoints > 0 {
			keep = p.MaxCheckpoints
		}
		return x.store.SaveCheckpoint(ctx, *eff.Checkpoint, keep)

	case protocol.EffStartTask:
		if eff.Task == nil {
			return nil
		}
		return x.startTask(ctx, eff.Task.PipelineID, eff.Task.Phase)

	case protocol.EffSessionSpawn:
		if eff.Spawn == nil {
			return nil
		}
		_, err := x.caps.Sessions.Spawn(ctx, eff.Spawn.Name, eff.Spawn.Dir, eff.Spawn.Command)
		return err

	case protocol.EffSessionSend:
		if eff.Send == nil {
			return nil
		}
		return x.caps.Sessions.Send(ctx, eff.Send.SessionID, eff.Send.Input)

	case protocol.EffSessionKill:
		if eff.Send == nil {
			return nil
		}
		return x.caps.Sessions.Kill(ctx, eff.Send.SessionID)

	case protocol.EffSessionCapture:
		if eff.Send == nil {
			return nil
		}
		_, err := x.caps.Sessions.CaptureOutput(ctx, eff.Send.SessionID, eff.Send.Lines)
		return err

	case protocol.EffWorktreeAdd:
		if eff.Worktree == nil {
			return nil
		}
		return x.caps.Repo.WorktreeAdd(ctx, eff.Worktree.Branch, eff.Worktree.Path)

	case protocol.EffWorktreeRemove:
		if eff.Worktree == nil {
			return nil
		}
		return x.caps.Repo.WorktreeRemove(ctx, eff.Worktree.Path)

	case protocol.EffRepoCheck:
		return x.repoCheck(ctx, eff)

	case protocol.EffMerge:
		if eff.Merge == nil {
			return nil
		}
		_, err := x.caps.Repo.Merge(ctx, eff.Merge.Path, eff.Merge.Branch, eff.Merge.Strategy)
		return err

	case protocol.EffTrackerStart:
		if eff.Tracker == nil {
			return nil
		}
		return x.caps.Tracker.Start(ctx, eff.Tracker.IssueID)

	case protocol.EffTrackerDone:
		if eff.Tracker == nil {
			return nil
		}
		return x.caps.Tracker.Done(ctx, eff.Tracker.IssueID)

	case protocol.EffTrackerNote:
		if eff.Tracker == nil {
			return nil
		}
		return x.caps.Tracker.Note(ctx, eff.Tracker.IssueID, eff.Tracker.Text)

	case protocol.EffNotify:
		if eff.Notice == nil {
			return nil
		}
		return x.caps.Notifier.Notify(ctx, eff.Notice.Title, eff.Notice.Message, eff.Notice.Urgency)

	default:
		return fmt.Errorf("unknown effect kind %q", eff.Kind)
	}
}

// repoCheck resolves a workspace's post-detach cleanliness and reports
// back as a mark_clean or mark_dirty command.
func (x *Executor) repoCheck(ctx context.Context, eff protocol.Effect) error {
	w, ok := x.tree.Workspaces[eff.Origin.ID]
	if !ok {
		return nil
	}
	clean, err := x.caps.Repo.IsClean(ctx, w.Path)
	kind := protocol.EvWorkspaceMarkClean
	if err != nil || !clean {
		kind = protocol.EvWorkspaceMarkDirty
	}
	return x.handle(ctx, protocol.NewEvent(kind, eff.Origin, x.clock.Now()))
}

// StartPipeline creates a pipeline of the given kind and immediately
// enters its first phase. The ID is generated; inputs flow into phase
// prompts and the tracker bridge (an "issue" input ties the pipeline to
// a tracker item).
func (x *Executor) StartPipeline(ctx context.Context, kind, name string, inputs map[string]string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.startPipeline(ctx, kind, name, inputs)
}

func (x *Executor) startPipeline(ctx context.Context, kind, name string, inputs map[string]string) (string, error) {
	def, ok := x.kinds.Get(kind)
	if !ok {
		return "", fmt.Errorf("unknown pipeline kind %q", kind)
	}
	now := x.clock.Now()
	id := x.ids.NewID("pl")
	p := pipeline.New(id, kind, name, def.Phases, inputs, now)
	x.tree.Pipelines[id] = p
	if err := x.maybeSnapshot(ctx, true); err != nil {
		return "", err
	}

	if issue := inputs["issue"]; issue != "" {
		if err := x.caps.Tracker.Start(ctx, issue); err != nil {
			return "", fmt.Errorf("tracker start %s: %w", issue, err)
		}
	}

	// An empty completion out of Init enters the first phase.
	kick := protocol.NewEvent(protocol.EvPhaseComplete,
		protocol.EntityRef{Scope: protocol.ScopePipeline, ID: id}, now)
	if err := x.handle(ctx, kick); err != nil {
		return id, err
	}
	return id, nil
}

// startTask materializes the running surface for one pipeline phase: a
// task machine, a workspace with a git worktree, and a spawned session.
// Guards gate entry; a failed guard converts to the configured action.
func (x *Executor) startTask(ctx context.Context, pipelineID, phase string) error {
	p, ok := x.tree.Pipelines[pipelineID]
	if !ok {
		return nil
	}
	def, _ := x.kinds.Get(p.Kind)
	pipelineRef := protocol.EntityRef{Scope: protocol.ScopePipeline, ID: pipelineID}
	now := x.clock.Now()

	if pg, ok := def.Guards[phase]; ok {
		g := guard.Guard{Name: p.Kind + ":" + phase, Cond: pg.Cond, OnFail: pg.OnFail}
		if !g.Eval(x.tree.GuardSnapshot()) {
			switch g.Action() {
			case guard.ActionSkip:
				skip := protocol.NewEvent(protocol.EvPhaseComplete, pipelineRef, now)
				skip.Phase = &protocol.PhasePayload{Phase: phase}
				return x.handle(ctx, skip)
			case guard.ActionFail:
				return x.failPhase(ctx, pipelineRef, phase, "guard "+g.Name+" not satisfied", false)
			default:
				return x.failPhase(ctx, pipelineRef, phase, "guard "+g.Name+" not satisfied", true)
			}
		}
	}

	need, hasNeed := def.Needs[phase]
	if hasNeed {
		refused, err := x.acquireGrants(ctx, pipelineID, need)
		if err != nil {
			return err
		}
		if refused != "" {
			return x.failPhase(ctx, pipelineRef, phase, refused, true)
		}
	}

	threshold := x.cfg.Daemon.StuckThreshold.Std()
	if def.StuckThreshold > 0 {
		threshold = def.StuckThreshold.Std()
	}
	taskID := x.ids.NewID("task")
	tk := task.New(taskID, pipelineID, phase, threshold)
	x.tree.Tasks[taskID] = tk

	w, err := x.ensureWorkspace(ctx, p, now)
	if err != nil {
		delete(x.tree.Tasks, taskID)
		if hasNeed {
			if rerr := x.releaseGrants(ctx, pipelineID, need); rerr != nil {
				return rerr
			}
		}
		return x.failPhase(ctx, pipelineRef, phase, err.Error(), true)
	}

	sessionID, err := x.spawnSession(ctx, w, taskID)
	if err != nil {
		delete(x.tree.Tasks, taskID)
		if hasNeed {
			if rerr := x.releaseGrants(ctx, pipelineID, need); rerr != nil {
				return rerr
			}
		}
		return x.failPhase(ctx, pipelineRef, phase, err.Error(), true)
	}

	p = x.tree.Pipelines[pipelineID]
	p.CurrentTask = taskID
	x.tree.Pipelines[pipelineID] = p
	if err := x.maybeSnapshot(ctx, true); err != nil {
		return err
	}

	start := protocol.NewEvent(protocol.EvTaskStart,
		protocol.EntityRef{Scope: protocol.ScopeTask, ID: taskID}, now)
	start.Session = &protocol.SessionPayload{SessionID: sessionID}
	if err := x.handle(ctx, start); err != nil {
		return err
	}
	return x.caps.Sessions.Send(ctx, sessionID, phasePrompt(p, phase))
}

// ensureWorkspace returns the pipeline's workspace, creating the
// worktree and the machine on first use.
func (x *Executor) ensureWorkspace(ctx context.Context, p pipeline.Pipeline, now time.Time) (workspace.Workspace, error) {
	wsID := "ws-" + p.ID
	if w, ok := x.tree.Workspaces[wsID]; ok && !w.Terminal() {
		return w, nil
	}

	branch := "loom/" + p.ID
	path := filepath.Join(x.worktreeDir, p.ID)
	w := workspace.New(wsID, p.Kind, path, branch, now)
	x.tree.Workspaces[wsID] = w

	if err := x.caps.Repo.WorktreeAdd(ctx, branch, path); err != nil {
		delete(x.tree.Workspaces, wsID)
		return workspace.Workspace{}, fmt.Errorf("worktree for %s: %w", p.ID, err)
	}
	ready := protocol.NewEvent(protocol.EvWorkspaceSetupDone,
		protocol.EntityRef{Scope: protocol.ScopeWorkspace, ID: wsID}, now)
	if err := x.handle(ctx, ready); err != nil {
		return workspace.Workspace{}, err
	}
	return x.tree.Workspaces[wsID], nil
}

// spawnSession starts a terminal session in the workspace and attaches
// it to both the session machine and the workspace.
func (x *Executor) spawnSession(ctx context.Context, w workspace.Workspace, taskID string) (string, error) {
	sessionID := "loom-" + taskID
	if _, err := x.caps.Sessions.Spawn(ctx, sessionID, w.Path, x.cfg.Daemon.AgentCommand); err != nil {
		return "", fmt.Errorf("spawn session for %s: %w", taskID, err)
	}

	s := session.New(sessionID, w.ID, x.cfg.Daemon.SessionIdleAfter.Std(), x.cfg.Daemon.SessionDeadAfter.Std())
	x.tree.Sessions[sessionID] = s

	now := x.clock.Now()
	started := protocol.NewEvent(protocol.EvSessionStarted,
		protocol.EntityRef{Scope: protocol.ScopeSession, ID: sessionID}, now)
	if err := x.handle(ctx, started); err != nil {
		return "", err
	}
	attach := protocol.NewEvent(protocol.EvWorkspaceAttach,
		protocol.EntityRef{Scope: protocol.ScopeWorkspace, ID: w.ID}, now)
	attach.Session = &protocol.SessionPayload{SessionID: sessionID}
	if err := x.handle(ctx, attach); err != nil {
		return "", err
	}
	return sessionID, nil
}

func (x *Executor) failPhase(ctx context.Context, pipelineRef protocol.EntityRef, phase, reason string, recoverable bool) error {
	ev := protocol.NewEvent(protocol.EvPhaseFailed, pipelineRef, x.clock.Now())
	ev.Phase = &protocol.PhasePayload{Phase: phase}
	ev.Fail = &protocol.FailPayload{Reason: reason, Recoverable: recoverable}
	return x.handle(ctx, ev)
}

// phasePrompt renders the instruction sent into a fresh phase session.
func phasePrompt(p pipeline.Pipeline, phase string) string {
	prompt := fmt.Sprintf("Phase %s of %s pipeline %q.", phase, p.Kind, p.Name)
	if goal := p.Inputs["goal"]; goal != "" {
		prompt += " Goal: " + goal
	}
	if issue := p.Inputs["issue"]; issue != "" {
		prompt += " Issue: " + issue
	}
	for k, v := range p.Outputs {
		prompt += fmt.Sprintf(" %s=%s", k, v)
	}
	return prompt
}

// Rebuild restores the tree from the newest snapshot plus the log tail.
// Effects are not re-run during replay: the log records what already
// happened.
func (x *Executor) Rebuild(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	uptoSeq, treeJSON, err := x.store.LatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if treeJSON != nil {
		t := NewTree()
		if err := json.Unmarshal(treeJSON, &t); err != nil {
			return fmt.Errorf("parse snapshot: %w", err)
		}
		x.tree = t
	}
	entries, err := x.store.Since(ctx, uptoSeq)
	if err != nil {
		return fmt.Errorf("load log tail: %w", err)
	}
	x.lastSeq = uptoSeq
	for _, e := range entries {
		next, _ := x.tree.Apply(e.Event, e.Event.At)
		x.tree = next
		x.lastSeq = e.Seq
	}
	return nil
}

// maybeSnapshot writes a whole-tree snapshot when forced (entity
// creation, which replay cannot reconstruct from events alone) or after
// enough appended events.
func (x *Executor) maybeSnapshot(ctx context.Context, force bool) error {
	if !force && x.appended < snapshotEvery {
		return nil
	}
	treeJSON, err := json.Marshal(x.tree)
	if err != nil {
		return fmt.Errorf("marshal tree: %w", err)
	}
	if err := x.store.SaveSnapshot(ctx, x.lastSeq, treeJSON); err != nil {
		return err
	}
	x.appended = 0
	return nil
}
