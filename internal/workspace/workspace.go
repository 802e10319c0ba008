// Package workspace manages isolated git-worktree checkouts for worker
// sessions, one per (project, branch).
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/paiworks/ivy/internal/debug"
	"github.com/paiworks/ivy/internal/utils"
)

// CycleGuard reports whether a branch is pinned by an active
// review/rework/merge cycle. Destructive branch removal is blocked while
// the guard returns true.
type CycleGuard interface {
	BranchInCycle(ctx context.Context, branch string) (bool, error)
}

// Manager creates and tears down isolated checkouts under root.
type Manager struct {
	root  string
	guard CycleGuard
}

// NewManager creates a workspace manager rooted at root (typically
// ~/.pai/worktrees). guard may be nil, which disables the deletion guard.
func NewManager(root string, guard CycleGuard) *Manager {
	return &Manager{root: root, guard: guard}
}

// Path returns the workspace path for a project key and branch.
func (m *Manager) Path(projectKey, branch string) string {
	return filepath.Join(m.root, projectKey, branch)
}

// Create builds a fresh isolated checkout of parent on branch and returns
// its path. An existing checkout at the path is force-removed first. The
// local and remote branches are deleted and recreated unless an active
// review cycle references the branch, in which case the existing branch is
// reused as-is.
func (m *Manager) Create(ctx context.Context, parent, branch, projectKey string) (string, error) {
	if projectKey == "" {
		projectKey = filepath.Base(parent)
	}
	path := m.Path(projectKey, branch)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("failed to create workspace parent directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := m.Remove(parent, path); err != nil {
			return "", err
		}
	}
	// Clear any stale registration left by a deleted directory.
	_, _ = git(parent, "worktree", "prune")

	inCycle := false
	if m.guard != nil {
		var err error
		inCycle, err = m.guard.BranchInCycle(ctx, branch)
		if err != nil {
			return "", fmt.Errorf("failed to check review cycle for branch %s: %w", branch, err)
		}
	}

	// Fetch is best effort; offline creation still works from local refs.
	if out, err := git(parent, "fetch", "origin"); err != nil {
		debug.Logf("fetch origin failed (continuing): %v: %s", err, out)
	}

	if inCycle {
		debug.Logf("branch %s is in an active review cycle; reusing it", branch)
		if out, err := git(parent, "worktree", "add", "-f", path, branch); err != nil {
			return "", fmt.Errorf("failed to create workspace on existing branch: %w\nOutput: %s", err, out)
		}
		return path, nil
	}

	// Not in a cycle: the branch is disposable. Remove both copies so the
	// new workspace starts from the current default head.
	if _, err := git(parent, "branch", "-D", branch); err == nil {
		debug.Logf("deleted local branch %s", branch)
	}
	if _, err := git(parent, "push", "origin", "--delete", branch); err == nil {
		debug.Logf("deleted remote branch %s", branch)
	}

	if out, err := git(parent, "worktree", "add", "-f", "-b", branch, path); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w\nOutput: %s", err, out)
	}
	return path, nil
}

// Remove force-removes a workspace; on git failure it falls back to
// deleting the directory and pruning the registration.
func (m *Manager) Remove(parent, path string) error {
	if out, err := git(parent, "worktree", "remove", path, "--force"); err != nil {
		if removeErr := os.RemoveAll(path); removeErr != nil {
			return fmt.Errorf("failed to remove workspace directory: %w (git error: %v, output: %s)",
				removeErr, err, out)
		}
		_, _ = git(parent, "worktree", "prune")
	}
	return nil
}

// Ensure reuses the workspace when it is still a registered checkout;
// otherwise it recreates it from scratch.
func (m *Manager) Ensure(ctx context.Context, parent, path, branch string) (string, error) {
	registered, err := m.isRegistered(parent, path)
	if err == nil && registered {
		return path, nil
	}
	projectKey := filepath.Base(filepath.Dir(path))
	return m.Create(ctx, parent, branch, projectKey)
}

func (m *Manager) isRegistered(parent, path string) (bool, error) {
	out, err := git(parent, "worktree", "list", "--porcelain")
	if err != nil {
		return false, err
	}
	abs, err := filepath.EvalSymlinks(path)
	if err != nil {
		abs, err = filepath.Abs(path)
		if err != nil {
			return false, err
		}
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		listed := strings.TrimSpace(strings.TrimPrefix(line, "worktree "))
		resolved, err := filepath.EvalSymlinks(listed)
		if err != nil {
			resolved = listed
		}
		if utils.PathsEqual(resolved, abs) {
			return true, nil
		}
	}
	return false, nil
}

// StashIfDirty stashes uncommitted changes in the parent repo, returning
// whether anything was stashed.
func (m *Manager) StashIfDirty(parent string) (bool, error) {
	clean, err := m.IsCleanBranch(parent)
	if err != nil {
		return false, err
	}
	if clean {
		return false, nil
	}
	if out, err := git(parent, "stash", "push", "-u", "-m", "ivy-auto-stash"); err != nil {
		return false, fmt.Errorf("failed to stash changes: %w\nOutput: %s", err, out)
	}
	return true, nil
}

// PopStash restores the most recent stash. Returns false when there was
// nothing to pop.
func (m *Manager) PopStash(parent string) (bool, error) {
	out, err := git(parent, "stash", "pop")
	if err != nil {
		if strings.Contains(out, "No stash entries") {
			return false, nil
		}
		return false, fmt.Errorf("failed to pop stash: %w\nOutput: %s", err, out)
	}
	return true, nil
}

// CommitAll stages everything and commits. Returns the empty string when
// there is nothing to commit.
func (m *Manager) CommitAll(path, message string) (string, error) {
	if out, err := git(path, "add", "-A"); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w\nOutput: %s", err, out)
	}
	// diff --cached --quiet exits 1 when there are staged changes.
	if _, err := git(path, "diff", "--cached", "--quiet"); err == nil {
		return "", nil
	}
	if out, err := git(path, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("failed to commit: %w\nOutput: %s", err, out)
	}
	sha, err := git(path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read commit id: %w", err)
	}
	return strings.TrimSpace(sha), nil
}

// PushBranch pushes the branch to origin with upstream tracking.
func (m *Manager) PushBranch(path, branch string) error {
	if out, err := git(path, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("failed to push branch %s: %w\nOutput: %s", branch, err, out)
	}
	return nil
}

// ForcePushBranch force-pushes the branch, used after a rebase rewrote
// history. --force-with-lease refuses to clobber work pushed elsewhere.
func (m *Manager) ForcePushBranch(path, branch string) error {
	if out, err := git(path, "push", "--force-with-lease", "origin", branch); err != nil {
		return fmt.Errorf("failed to force-push branch %s: %w\nOutput: %s", branch, err, out)
	}
	return nil
}

// PullMain fast-forwards the parent repo's branch from origin.
func (m *Manager) PullMain(parent, branch string) error {
	if out, err := git(parent, "pull", "origin", branch); err != nil {
		return fmt.Errorf("failed to pull %s: %w\nOutput: %s", branch, err, out)
	}
	return nil
}

// RebaseOnMain rebases the workspace onto origin/mainBranch. On conflict
// the rebase is aborted and false is returned; the caller decides whether
// to escalate to an agent-driven resolution.
func (m *Manager) RebaseOnMain(path, mainBranch string) (bool, error) {
	if out, err := git(path, "fetch", "origin", mainBranch); err != nil {
		return false, fmt.Errorf("failed to fetch %s: %w\nOutput: %s", mainBranch, err, out)
	}
	if out, err := git(path, "rebase", "origin/"+mainBranch); err != nil {
		debug.Logf("rebase onto origin/%s failed, aborting: %s", mainBranch, out)
		_, _ = git(path, "rebase", "--abort")
		return false, nil
	}
	return true, nil
}

// MergeNoCommit merges origin/branch without committing, leaving conflict
// markers in place for an agent to resolve. A conflicted merge is not an
// error here; only a failure to start the merge is.
func (m *Manager) MergeNoCommit(path, branch string) error {
	if _, err := git(path, "fetch", "origin", branch); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", branch, err)
	}
	if out, err := git(path, "merge", "origin/"+branch, "--no-commit"); err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
			return nil
		}
		return fmt.Errorf("failed to merge origin/%s: %w\nOutput: %s", branch, err, out)
	}
	return nil
}

// ConflictedFiles lists files with unresolved merge conflicts.
func (m *Manager) ConflictedFiles(path string) ([]string, error) {
	out, err := git(path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicted files: %w", err)
	}
	return splitLines(out), nil
}

// DiffSummary returns the stat summary of changes since base.
func (m *Manager) DiffSummary(path, base string) (string, error) {
	out, err := git(path, "diff", "--stat", base)
	if err != nil {
		return "", fmt.Errorf("failed to diff against %s: %w", base, err)
	}
	return strings.TrimSpace(out), nil
}

// ChangedFiles lists files changed since base.
func (m *Manager) ChangedFiles(path, base string) ([]string, error) {
	out, err := git(path, "diff", "--name-only", base)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed files: %w", err)
	}
	return splitLines(out), nil
}

// CurrentBranch returns the checked-out branch name.
func (m *Manager) CurrentBranch(path string) (string, error) {
	out, err := git(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// IsCleanBranch reports whether the working tree has no uncommitted or
// untracked changes.
func (m *Manager) IsCleanBranch(path string) (bool, error) {
	out, err := git(path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}
	return strings.TrimSpace(out) == "", nil
}

// EnsureBranch checks out branch in the workspace, creating it if needed.
func (m *Manager) EnsureBranch(path, branch string) error {
	current, err := m.CurrentBranch(path)
	if err == nil && current == branch {
		return nil
	}
	if _, err := git(path, "checkout", branch); err == nil {
		return nil
	}
	if out, err := git(path, "checkout", "-b", branch); err != nil {
		return fmt.Errorf("failed to create branch %s: %w\nOutput: %s", branch, err, out)
	}
	return nil
}

// git runs one git command in dir and returns its combined output.
func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...) // #nosec G204 - args are built from internal state
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
