package capability

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"loom/pkg/protocol"
)

// GitRepository is the production Repository capability, shelling out to
// git against one primary repository. Merges are serialized behind a
// mutex so the main branch never moves mid-merge.
type GitRepository struct {
	repoRoot   string
	mainBranch string
	runner     CommandRunner

	mergeMu sync.Mutex
}

// NewGitRepository returns a Repository rooted at repoRoot. mainBranch
// defaults to "main" when empty.
func NewGitRepository(repoRoot, mainBranch string, runner CommandRunner) *GitRepository {
	if mainBranch == "" {
		mainBranch = "main"
	}
	return &GitRepository{repoRoot: repoRoot, mainBranch: mainBranch, runner: runner}
}

// WorktreeAdd runs `git worktree add <path> -b <branch> <main>`.
func (g *GitRepository) WorktreeAdd(ctx context.Context, branch, path string) error {
	_, err := g.runner.Run(ctx, "git", "-C", g.repoRoot,
		"worktree", "add", path, "-b", branch, g.mainBranch)
	if err != nil {
		return fmt.Errorf("worktree add %s: %w", branch, err)
	}
	return nil
}

// WorktreeRemove runs `git worktree remove <path> --force` followed by a
// best-effort prune of stale bookkeeping.
func (g *GitRepository) WorktreeRemove(ctx context.Context, path string) error {
	_, err := g.runner.Run(ctx, "git", "-C", g.repoRoot,
		"worktree", "remove", path, "--force")
	if err != nil {
		return fmt.Errorf("worktree remove %s: %w", path, err)
	}
	_, _ = g.runner.Run(ctx, "git", "-C", g.repoRoot, "worktree", "prune")
	return nil
}

// IsClean reports whether the worktree at path has no uncommitted
// changes (`git status --porcelain` prints nothing).
func (g *GitRepository) IsClean(ctx context.Context, path string) (bool, error) {
	out, err := g.runner.Run(ctx, "git", "-C", path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status %s: %w", path, err)
	}
	return strings.TrimSpace(string(out)) == "", nil
}

// Merge lands branch from the worktree at path onto the main branch.
//
//	FastForward: merge --ff-only in the primary repo
//	Rebase:      rebase main in the worktree, then ff-only merge
//	Merge:       merge --no-ff in the primary repo
//
// A conflicting rebase or merge is aborted and reported as a
// MergeConflict result with the conflicting files — not as an error.
// Only one Merge runs at a time.
func (g *GitRepository) Merge(ctx context.Context, path, branch string, strategy protocol.MergeStrategy) (MergeResult, error) {
	g.mergeMu.Lock()
	defer g.mergeMu.Unlock()

	switch strategy {
	case protocol.MergeRebase:
		_, err := g.runner.Run(ctx, "git", "-C", path, "rebase", g.mainBranch, branch)
		if err != nil {
			if ctx.Err() != nil {
				return MergeResult{}, fmt.Errorf("merge cancelled: %w", ctx.Err())
			}
			// Abort the half-done rebase before reporting the conflict.
			_, _ = g.runner.Run(ctx, "git", "-C", path, "rebase", "--abort")
			return MergeResult{
				Outcome:       MergeConflict,
				ConflictFiles: parseConflictFiles(err.Error()),
			}, nil
		}
		sha, err := g.ffMerge(ctx, branch)
		if err != nil {
			return MergeResult{}, err
		}
		return MergeResult{Outcome: MergeRebased, CommitSHA: sha}, nil

	case protocol.MergeFastForward:
		sha, err := g.ffMerge(ctx, branch)
		if err != nil {
			return MergeResult{}, err
		}
		return MergeResult{Outcome: MergeFastForwarded, CommitSHA: sha}, nil

	default:
		_, err := g.runner.Run(ctx, "git", "-C", g.repoRoot, "merge", "--no-ff", branch)
		if err != nil {
			if ctx.Err() != nil {
				return MergeResult{}, fmt.Errorf("merge cancelled: %w", ctx.Err())
			}
			_, _ = g.runner.Run(ctx, "git", "-C", g.repoRoot, "merge", "--abort")
			return MergeResult{
				Outcome:       MergeConflict,
				ConflictFiles: parseConflictFiles(err.Error()),
			}, nil
		}
		sha, err := g.headSHA(ctx)
		if err != nil {
			return MergeResult{}, err
		}
		return MergeResult{Outcome: MergeSuccess, CommitSHA: sha}, nil
	}
}

func (g *GitRepository) ffMerge(ctx context.Context, branch string) (string, error) {
	_, err := g.runner.Run(ctx, "git", "-C", g.repoRoot, "merge", "--ff-only", branch)
	if err != nil {
		return "", fmt.Errorf("ff-only merge of %s failed (%s may have moved): %w", branch, g.mainBranch, err)
	}
	return g.headSHA(ctx)
}

func (g *GitRepository) headSHA(ctx context.Context) (string, error) {
	out, err := g.runner.Run(ctx, "git", "-C", g.repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// conflictPattern matches git's CONFLICT output lines, e.g.
//
//	CONFLICT (content): Merge conflict in src/main.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git conflict output.
func parseConflictFiles(output string) []string {
	matches := conflictPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}
