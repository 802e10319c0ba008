package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

type staticGuard bool

func (g staticGuard) BranchInCycle(ctx context.Context, branch string) (bool, error) {
	return bool(g), nil
}

func TestCreateAndRemoveWorkspace(t *testing.T) {
	parent := initRepo(t)
	m := NewManager(t.TempDir(), staticGuard(false))
	ctx := context.Background()

	path, err := m.Create(ctx, parent, "feature-1", "proj")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if path != m.Path("proj", "feature-1") {
		t.Fatalf("path = %q", path)
	}
	branch, err := m.CurrentBranch(path)
	if err != nil {
		t.Fatalf("current branch: %v", err)
	}
	if branch != "feature-1" {
		t.Fatalf("branch = %q, want feature-1", branch)
	}

	if err := m.Remove(parent, path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("workspace directory should be gone, stat err = %v", err)
	}
}

func TestCreateRecreatesExistingWorkspace(t *testing.T) {
	parent := initRepo(t)
	m := NewManager(t.TempDir(), staticGuard(false))
	ctx := context.Background()

	first, err := m.Create(ctx, parent, "feature-1", "proj")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	marker := filepath.Join(first, "scratch.txt")
	if err := os.WriteFile(marker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	second, err := m.Create(ctx, parent, "feature-1", "proj")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second != first {
		t.Fatalf("path changed: %q vs %q", second, first)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("recreation should have discarded the old checkout")
	}
}

func TestCycleGuardPreservesBranch(t *testing.T) {
	parent := initRepo(t)
	ctx := context.Background()

	// Put a distinguishing commit on the branch, then tear the workspace
	// down so only the branch remains.
	open := NewManager(t.TempDir(), staticGuard(false))
	path, err := open.Create(ctx, parent, "feature-1", "proj")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "work.txt"), []byte("wip\n"), 0644); err != nil {
		t.Fatal(err)
	}
	sha, err := open.CommitAll(path, "wip")
	if err != nil || sha == "" {
		t.Fatalf("commit: sha=%q err=%v", sha, err)
	}
	if err := open.Remove(parent, path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// Guarded recreation must reuse the branch, keeping the commit.
	guarded := NewManager(t.TempDir(), staticGuard(true))
	path, err = guarded.Create(ctx, parent, "feature-1", "proj")
	if err != nil {
		t.Fatalf("guarded create: %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "work.txt")); err != nil {
		t.Fatalf("branch content lost: %v", err)
	}
}

func TestCommitAllReturnsEmptyWhenClean(t *testing.T) {
	parent := initRepo(t)
	m := NewManager(t.TempDir(), nil)

	sha, err := m.CommitAll(parent, "noop")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if sha != "" {
		t.Fatalf("sha = %q, want empty for clean tree", sha)
	}

	clean, err := m.IsCleanBranch(parent)
	if err != nil || !clean {
		t.Fatalf("IsCleanBranch = (%v, %v), want (true, nil)", clean, err)
	}
}

func TestStashRoundTrip(t *testing.T) {
	parent := initRepo(t)
	m := NewManager(t.TempDir(), nil)

	stashed, err := m.StashIfDirty(parent)
	if err != nil {
		t.Fatalf("stash clean: %v", err)
	}
	if stashed {
		t.Fatal("nothing to stash in a clean tree")
	}

	if err := os.WriteFile(filepath.Join(parent, "README.md"), []byte("edited\n"), 0644); err != nil {
		t.Fatal(err)
	}
	stashed, err = m.StashIfDirty(parent)
	if err != nil || !stashed {
		t.Fatalf("stash dirty = (%v, %v), want (true, nil)", stashed, err)
	}
	popped, err := m.PopStash(parent)
	if err != nil || !popped {
		t.Fatalf("pop = (%v, %v), want (true, nil)", popped, err)
	}
	clean, err := m.IsCleanBranch(parent)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if clean {
		t.Fatal("pop should have restored the dirty edit")
	}
}

func TestEnsureBranch(t *testing.T) {
	parent := initRepo(t)
	m := NewManager(t.TempDir(), nil)

	if err := m.EnsureBranch(parent, "side"); err != nil {
		t.Fatalf("ensure new: %v", err)
	}
	branch, err := m.CurrentBranch(parent)
	if err != nil || branch != "side" {
		t.Fatalf("branch = (%q, %v), want side", branch, err)
	}
	// Idempotent on the current branch.
	if err := m.EnsureBranch(parent, "side"); err != nil {
		t.Fatalf("ensure existing: %v", err)
	}
}
