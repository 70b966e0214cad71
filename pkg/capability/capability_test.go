package capability

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// scriptRunner records every command and answers via the scripted
// respond func. A nil respond answers success with empty output.
type scriptRunner struct {
	calls   [][]string
	respond func(name string, args []string) ([]byte, error)
}

func (r *scriptRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.respond == nil {
		return nil, nil
	}
	return r.respond(name, args)
}

func (r *scriptRunner) call(i int) string {
	if i >= len(r.calls) {
		return ""
	}
	return strings.Join(r.calls[i], " ")
}

func TestTmuxSpawn(t *testing.T) {
	r := &scriptRunner{}
	s := NewTmuxSessions(r)

	id, err := s.Spawn(context.Background(), "loom-t-1", "/tmp/wt", "claude")
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if id != "loom-t-1" {
		t.Errorf("id = %q, want session name", id)
	}
	if got := r.call(0); got != "tmux new-session -d -s loom-t-1 -c /tmp/wt claude" {
		t.Errorf("command = %q", got)
	}
}

func TestTmuxSpawnRejectsUnsafeName(t *testing.T) {
	r := &scriptRunner{}
	s := NewTmuxSessions(r)

	if _, err := s.Spawn(context.Background(), "a;rm -rf", "", ""); err == nil {
		t.Fatal("Spawn() accepted shell metacharacters")
	}
	if len(r.calls) != 0 {
		t.Errorf("runner invoked %d times for rejected name", len(r.calls))
	}
}

func TestTmuxSend(t *testing.T) {
	r := &scriptRunner{}
	s := NewTmuxSessions(r)

	if err := s.Send(context.Background(), "loom-t-1", "continue; ls"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := []string{
		"tmux set-buffer -b loom-send continue; ls",
		"tmux paste-buffer -b loom-send -t loom-t-1 -d",
		"tmux send-keys -t loom-t-1 Enter",
	}
	if len(r.calls) != len(want) {
		t.Fatalf("calls = %d, want %d", len(r.calls), len(want))
	}
	for i, w := range want {
		if r.call(i) != w {
			t.Errorf("calls[%d] = %q, want %q", i, r.call(i), w)
		}
	}
}

func TestTmuxKillIdempotent(t *testing.T) {
	r := &scriptRunner{respond: func(name string, args []string) ([]byte, error) {
		if len(args) > 0 && args[0] == "has-session" {
			return nil, errors.New("can't find session")
		}
		return nil, nil
	}}
	s := NewTmuxSessions(r)

	if err := s.Kill(context.Background(), "gone"); err != nil {
		t.Fatalf("Kill() on dead session error = %v", err)
	}
	for _, c := range r.calls {
		if c[1] == "kill-session" {
			t.Errorf("kill-session issued for a session that is already gone")
		}
	}
}

func TestTmuxKillAlive(t *testing.T) {
	r := &scriptRunner{}
	s := NewTmuxSessions(r)

	if err := s.Kill(context.Background(), "loom-t-1"); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if got := r.call(1); got != "tmux kill-session -t loom-t-1" {
		t.Errorf("command = %q", got)
	}
}

func TestTmuxCaptureOutputDefaultsLines(t *testing.T) {
	r := &scriptRunner{respond: func(string, []string) ([]byte, error) {
		return []byte("$ make test\nok\n"), nil
	}}
	s := NewTmuxSessions(r)

	out, err := s.CaptureOutput(context.Background(), "loom-t-1", 0)
	if err != nil {
		t.Fatalf("CaptureOutput() error = %v", err)
	}
	if out != "$ make test\nok\n" {
		t.Errorf("out = %q", out)
	}
	if got := r.call(0); got != "tmux capture-pane -p -t loom-t-1 -S -50" {
		t.Errorf("command = %q, want 50-line default", got)
	}
}

func TestTmuxList(t *testing.T) {
	r := &scriptRunner{respond: func(string, []string) ([]byte, error) {
		return []byte("loom-t-1\t1748779200\nloom-t-2\t1748779260\n"), nil
	}}
	s := NewTmuxSessions(r)

	infos, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(infos) != 2 || infos[0].Name != "loom-t-1" || infos[1].Created != "1748779260" {
		t.Errorf("infos = %+v", infos)
	}
}

func TestTmuxListNoServer(t *testing.T) {
	r := &scriptRunner{respond: func(string, []string) ([]byte, error) {
		return nil, errors.New("tmux list-sessions: no server running on /tmp/tmux-1000/default")
	}}
	s := NewTmuxSessions(r)

	infos, err := s.List(context.Background())
	if err != nil || infos != nil {
		t.Errorf("List() = %v, %v; want nil, nil when no server", infos, err)
	}
}

func TestGitWorktreeLifecycle(t *testing.T) {
	r := &scriptRunner{}
	g := NewGitRepository("/repo", "main", r)
	ctx := context.Background()

	if err := g.WorktreeAdd(ctx, "loom/pl-1", "/wt/pl-1"); err != nil {
		t.Fatalf("WorktreeAdd() error = %v", err)
	}
	if got := r.call(0); got != "git -C /repo worktree add /wt/pl-1 -b loom/pl-1 main" {
		t.Errorf("add = %q", got)
	}

	if err := g.WorktreeRemove(ctx, "/wt/pl-1"); err != nil {
		t.Fatalf("WorktreeRemove() error = %v", err)
	}
	if got := r.call(1); got != "git -C /repo worktree remove /wt/pl-1 --force" {
		t.Errorf("remove = %q", got)
	}
	if got := r.call(2); got != "git -C /repo worktree prune" {
		t.Errorf("prune = %q", got)
	}
}

func TestGitIsClean(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{name: "clean", output: "\n", want: true},
		{name: "dirty", output: " M pkg/task/task.go\n?? notes.txt\n", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptRunner{respond: func(string, []string) ([]byte, error) {
				return []byte(tt.output), nil
			}}
			g := NewGitRepository("/repo", "main", r)

			clean, err := g.IsClean(context.Background(), "/wt/pl-1")
			if err != nil {
				t.Fatalf("IsClean() error = %v", err)
			}
			if clean != tt.want {
				t.Errorf("IsClean() = %v, want %v", clean, tt.want)
			}
		})
	}
}

func TestGitMergeRebase(t *testing.T) {
	r := &scriptRunner{respond: func(name string, args []string) ([]byte, error) {
		if args[len(args)-1] == "HEAD" {
			return []byte("abc123\n"), nil
		}
		return nil, nil
	}}
	g := NewGitRepository("/repo", "main", r)

	res, err := g.Merge(context.Background(), "/wt/pl-1", "loom/pl-1", "rebase")
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if res.Outcome != MergeRebased || res.CommitSHA != "abc123" {
		t.Errorf("result = %+v, want rebased at abc123", res)
	}
	if got := r.call(0); got != "git -C /wt/pl-1 rebase main loom/pl-1" {
		t.Errorf("rebase = %q", got)
	}
	if got := r.call(1); got != "git -C /repo merge --ff-only loom/pl-1" {
		t.Errorf("ff merge = %q", got)
	}
}

func TestGitMergeRebaseConflict(t *testing.T) {
	r := &scriptRunner{respond: func(name string, args []string) ([]byte, error) {
		if args[2] == "rebase" && args[3] != "--abort" {
			return nil, errors.New("CONFLICT (content): Merge conflict in src/main.go\nCONFLICT (content): Merge conflict in pkg/api/api.go")
		}
		return nil, nil
	}}
	g := NewGitRepository("/repo", "main", r)

	res, err := g.Merge(context.Background(), "/wt/pl-1", "loom/pl-1", "rebase")
	if err != nil {
		t.Fatalf("Merge() error = %v, conflicts are results not errors", err)
	}
	if res.Outcome != MergeConflict {
		t.Fatalf("outcome = %q, want conflict", res.Outcome)
	}
	if len(res.ConflictFiles) != 2 || res.ConflictFiles[0] != "src/main.go" || res.ConflictFiles[1] != "pkg/api/api.go" {
		t.Errorf("conflict files = %v", res.ConflictFiles)
	}
	if got := r.call(1); got != "git -C /wt/pl-1 rebase --abort" {
		t.Errorf("calls[1] = %q, want rebase abort", got)
	}
}

func TestParseConflictFiles(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   int
	}{
		{name: "none", output: "fatal: unrelated error", want: 0},
		{name: "one", output: "CONFLICT (content): Merge conflict in a.go", want: 1},
		{name: "several", output: "CONFLICT (content): Merge conflict in a.go\nnoise\nCONFLICT (add/add): Merge conflict in b.go", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseConflictFiles(tt.output); len(got) != tt.want {
				t.Errorf("parseConflictFiles() = %v, want %d files", got, tt.want)
			}
		})
	}
}

func TestCLITrackerList(t *testing.T) {
	r := &scriptRunner{respond: func(string, []string) ([]byte, error) {
		return []byte(`[{"id":"is-42","title":"Fix login","priority":2}]`), nil
	}}
	tr := NewCLITracker("bd", r)

	issues, err := tr.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(issues) != 1 || issues[0].ID != "is-42" || issues[0].Priority != 2 {
		t.Errorf("issues = %+v", issues)
	}
	if got := r.call(0); got != "bd ready --json" {
		t.Errorf("command = %q", got)
	}

	if _, err := tr.List(context.Background(), "blocked"); err != nil {
		t.Fatal(err)
	}
	if got := r.call(1); got != "bd list --filter=blocked --json" {
		t.Errorf("filtered command = %q", got)
	}
}

func TestCLITrackerListMalformedOutput(t *testing.T) {
	r := &scriptRunner{respond: func(string, []string) ([]byte, error) {
		return []byte("not json"), nil
	}}
	tr := NewCLITracker("bd", r)

	if _, err := tr.List(context.Background(), ""); err == nil {
		t.Error("List() = nil error on malformed output")
	}
}

func TestCLITrackerMutations(t *testing.T) {
	r := &scriptRunner{}
	tr := NewCLITracker("", r) // empty bin defaults to bd
	ctx := context.Background()

	tr.Start(ctx, "is-42")
	tr.Done(ctx, "is-42")
	tr.Note(ctx, "is-42", "merge conflict in src/main.go")

	want := []string{
		"bd start is-42",
		"bd close is-42",
		"bd comment is-42 merge conflict in src/main.go",
	}
	for i, w := range want {
		if r.call(i) != w {
			t.Errorf("calls[%d] = %q, want %q", i, r.call(i), w)
		}
	}
}

func TestDesktopNotifierLinux(t *testing.T) {
	r := &scriptRunner{}
	n := &DesktopNotifier{goos: "linux", runner: r}

	if err := n.Notify(context.Background(), "[LOOM] STUCK: t-1", "exhausted restarts", "critical"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got := r.call(0); got != "notify-send -u critical [LOOM] STUCK: t-1 exhausted restarts" {
		t.Errorf("command = %q", got)
	}
}

func TestDesktopNotifierUnknownUrgency(t *testing.T) {
	r := &scriptRunner{}
	n := &DesktopNotifier{goos: "linux", runner: r}

	n.Notify(context.Background(), "t", "m", "shouting")

	if r.calls[0][2] != "normal" {
		t.Errorf("urgency = %q, want fallback to normal", r.calls[0][2])
	}
}

func TestDesktopNotifierDarwin(t *testing.T) {
	r := &scriptRunner{}
	n := &DesktopNotifier{goos: "darwin", runner: r}

	if err := n.Notify(context.Background(), `say "hi"`, "done", "low"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if r.calls[0][0] != "osascript" || r.calls[0][1] != "-e" {
		t.Fatalf("command = %v", r.calls[0])
	}
	script := r.calls[0][2]
	if !strings.Contains(script, `\"hi\"`) {
		t.Errorf("script = %q, want quotes escaped", script)
	}
}
