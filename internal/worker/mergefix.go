package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/paiworks/ivy/internal/debug"
	"github.com/paiworks/ivy/internal/launcher"
	"github.com/paiworks/ivy/internal/types"
)

// runMergeFix recovers a PR whose automated merge failed: rebase and
// retry first, then fall back to an agent-driven conflict resolution.
func (w *Worker) runMergeFix(ctx context.Context, meta *types.MergeFixMeta) error {
	parent := w.projectPath(ctx)
	project := w.item.ProjectID
	if project == "" {
		project = meta.ProjectID
	}
	host, err := w.deps.hostFor(parent)
	if err != nil {
		return err
	}

	path := w.deps.Workspaces.Path(project, meta.Branch)
	path, err = w.deps.Workspaces.Ensure(ctx, parent, path, meta.Branch)
	if err != nil {
		return fmt.Errorf("failed to ensure workspace: %w", err)
	}
	defer func() {
		if err := w.deps.Workspaces.Remove(parent, path); err != nil {
			debug.Logf("failed to remove workspace %s: %v", path, err)
		}
	}()

	clean, err := w.deps.Workspaces.RebaseOnMain(path, meta.MainBranch)
	if err != nil {
		return err
	}
	if clean {
		if err := w.deps.Workspaces.ForcePushBranch(path, meta.Branch); err != nil {
			return err
		}
		merged, err := host.MergeMR(ctx, path, meta.PRNumber)
		if err == nil && merged {
			if err := w.deps.Workspaces.PullMain(parent, meta.MainBranch); err != nil {
				debug.Logf("pull after merge-fix failed (non-fatal): %v", err)
			}
			w.emit(ctx, types.EventItemCompleted, w.item.ID,
				fmt.Sprintf("Merge fixed for PR #%d via rebase", meta.PRNumber))
			w.complete(ctx)
			return nil
		}
	}

	// Rebase did not take (or the merge still refuses): set up a conflicted
	// merge and let an agent resolve the markers.
	if err := w.deps.Workspaces.MergeNoCommit(path, meta.MainBranch); err != nil {
		return err
	}
	conflicted, err := w.deps.Workspaces.ConflictedFiles(path)
	if err != nil {
		return err
	}
	result, err := w.deps.Launcher.Launch(ctx, launcher.Options{
		WorkDir:    path,
		Prompt:     conflictPrompt(meta, conflicted),
		SessionID:  w.sessionID,
		Timeout:    w.timeout,
		DisableMCP: true,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		w.emitFailure(ctx, fmt.Sprintf("Conflict-resolution agent exited %d for PR #%d",
			result.ExitCode, meta.PRNumber))
		return fmt.Errorf("conflict resolution failed for PR #%d", meta.PRNumber)
	}

	if _, err := w.deps.Workspaces.CommitAll(path,
		fmt.Sprintf("Resolve merge conflicts for PR #%d", meta.PRNumber)); err != nil {
		return err
	}
	if err := w.deps.Workspaces.PushBranch(path, meta.Branch); err != nil {
		return err
	}
	merged, err := host.MergeMR(ctx, path, meta.PRNumber)
	if err != nil || !merged {
		w.emitFailure(ctx, fmt.Sprintf("PR #%d still unmergeable after conflict resolution", meta.PRNumber))
		return fmt.Errorf("PR #%d still unmergeable after conflict resolution", meta.PRNumber)
	}
	if err := w.deps.Workspaces.PullMain(parent, meta.MainBranch); err != nil {
		debug.Logf("pull after merge-fix failed (non-fatal): %v", err)
	}
	w.emit(ctx, types.EventItemCompleted, w.item.ID,
		fmt.Sprintf("Merge fixed for PR #%d via conflict resolution", meta.PRNumber))
	w.complete(ctx)
	return nil
}

func conflictPrompt(meta *types.MergeFixMeta, conflicted []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The branch %s for PR #%d failed to merge into %s.\n",
		meta.Branch, meta.PRNumber, meta.MainBranch)
	b.WriteString("A merge has been started in this working directory and left uncommitted; resolve every conflict marker, keep both intents where possible, and do not commit.\n")
	if len(conflicted) > 0 {
		b.WriteString("\nConflicted files:\n")
		for _, f := range conflicted {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	b.WriteString("\nExit non-zero if any conflict cannot be resolved safely.")
	return b.String()
}
