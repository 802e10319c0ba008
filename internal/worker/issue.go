package worker

import (
	"context"
	"fmt"

	"github.com/paiworks/ivy/internal/debug"
	"github.com/paiworks/ivy/internal/launcher"
	"github.com/paiworks/ivy/internal/queue"
	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/vcs"
)

// runIssueFix drives the issue-fix flow: isolated workspace, agent run,
// PR creation, optional trusted auto-merge with merge-fix fallback, and
// tracker write-backs.
func (w *Worker) runIssueFix(ctx context.Context, meta *types.GitHubIssueMeta) error {
	parent := w.projectPath(ctx)
	project := w.item.ProjectID
	if project == "" {
		project = "general"
	}

	stashed, err := w.deps.Workspaces.StashIfDirty(parent)
	if err != nil {
		return fmt.Errorf("failed to stash parent repo: %w", err)
	}
	defer func() {
		if !stashed {
			return
		}
		if popped, err := w.deps.Workspaces.PopStash(parent); err != nil || !popped {
			w.emit(ctx, types.EventItemFailed, w.item.ID,
				fmt.Sprintf("Failed to restore stashed changes in %s: %v", parent, err))
		}
	}()

	mainBranch, err := w.deps.Workspaces.CurrentBranch(parent)
	if err != nil {
		return fmt.Errorf("failed to read main branch: %w", err)
	}
	branch := fmt.Sprintf("fix/issue-%d", meta.IssueNumber)

	path, err := w.deps.Workspaces.Create(ctx, parent, branch, project)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	defer func() {
		if err := w.deps.Workspaces.Remove(parent, path); err != nil {
			debug.Logf("failed to remove workspace %s: %v", path, err)
		}
	}()

	result, err := w.deps.Launcher.Launch(ctx, launcher.Options{
		WorkDir:    path,
		Prompt:     issuePrompt(w.item, meta, w.sessionID),
		SessionID:  w.sessionID,
		Timeout:    w.timeout,
		DisableMCP: true,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		w.emitFailure(ctx, fmt.Sprintf("Agent exited %d fixing issue #%d", result.ExitCode, meta.IssueNumber))
		w.tanaWriteBack(ctx, meta.TanaNodeID,
			fmt.Sprintf("Automated fix failed (exit %d)", result.ExitCode), false)
		return nil
	}

	sha, err := w.deps.Workspaces.CommitAll(path, fmt.Sprintf("Fix #%d: %s", meta.IssueNumber, w.item.Title))
	if err != nil {
		return fmt.Errorf("failed to commit fix: %w", err)
	}
	if sha == "" {
		w.emit(ctx, types.EventItemCompleted, w.item.ID,
			fmt.Sprintf("No changes for issue #%d, skipping PR", meta.IssueNumber))
		w.complete(ctx)
		return nil
	}

	if err := w.deps.Workspaces.PushBranch(path, branch); err != nil {
		return err
	}
	host, err := w.deps.hostFor(parent)
	if err != nil {
		return err
	}
	mr, err := host.CreateMR(ctx, vcs.CreateMROpts{
		Cwd:   path,
		Title: fmt.Sprintf("Fix #%d: %s", meta.IssueNumber, w.item.Title),
		Body:  fmt.Sprintf("Fixes #%d\n\nAutomated fix for: %s", meta.IssueNumber, w.item.Title),
		Base:  mainBranch,
	})
	if err != nil {
		return fmt.Errorf("failed to create PR: %w", err)
	}
	w.emit(ctx, types.EventItemCompleted, w.item.ID, fmt.Sprintf("Created PR #%d: %s", mr.Number, mr.URL))

	if !meta.HumanReviewRequired {
		w.autoMerge(ctx, host, parent, path, mr, branch, mainBranch)
	}

	w.launchCommenter(ctx, host, parent, path, mainBranch, meta.IssueNumber)
	w.tanaWriteBack(ctx, meta.TanaNodeID, fmt.Sprintf("Completed: PR %s", mr.URL), true)

	w.complete(ctx)
	return nil
}

// autoMerge attempts the trusted-path merge; any failure cascades into a
// merge-fix work item instead of failing the pipeline.
func (w *Worker) autoMerge(ctx context.Context, host vcs.Host, parent, path string, mr *vcs.MR, branch, mainBranch string) {
	merged, err := host.MergeMR(ctx, path, mr.Number)
	if err == nil && merged {
		w.emit(ctx, types.EventItemCompleted, w.item.ID, fmt.Sprintf("Auto-merged PR #%d", mr.Number))
		if err := w.deps.Workspaces.PullMain(parent, mainBranch); err != nil {
			debug.Logf("pull after merge failed (non-fatal): %v", err)
		} else {
			w.emit(ctx, types.EventItemCompleted, w.item.ID, "Pulled merged changes")
		}
		return
	}
	w.createMergeFix(ctx, mr, w.item.ID, branch, mainBranch)
}

// createMergeFix queues the recovery item for a PR that would not merge.
func (w *Worker) createMergeFix(ctx context.Context, mr *vcs.MR, originalItemID, branch, mainBranch string) {
	id := types.MergeFixItemID(originalItemID, mr.Number)
	if _, err := w.deps.Store.GetWorkItem(ctx, id); err == nil {
		debug.Logf("merge-fix item %s already exists", id)
		return
	}
	_, err := w.deps.Queue.Create(ctx, queue.CreateOpts{
		ID:       id,
		Title:    fmt.Sprintf("Fix merge for PR #%d", mr.Number),
		Project:  w.item.ProjectID,
		Source:   types.SourceMergeFix,
		Priority: types.PriorityP1,
		Metadata: map[string]any{
			"merge_fix":        true,
			"pr_number":        mr.Number,
			"pr_url":           mr.URL,
			"branch":           branch,
			"main_branch":      mainBranch,
			"original_item_id": originalItemID,
			"project_id":       w.item.ProjectID,
		},
		Actor: w.sessionID,
	})
	if err != nil {
		debug.Logf("failed to create merge-fix item: %v", err)
		return
	}
	w.emit(ctx, types.EventItemCreated, id, fmt.Sprintf("Created merge-fix item for PR #%d", mr.Number))
}

// launchCommenter runs a short-lived agent that posts a summary comment on
// the issue. Strictly best effort.
func (w *Worker) launchCommenter(ctx context.Context, host vcs.Host, parent, path, mainBranch string, issue int) {
	summary, err := w.deps.Workspaces.DiffSummary(path, mainBranch)
	if err != nil {
		debug.Logf("diff summary failed, skipping commenter: %v", err)
		return
	}
	result, err := w.deps.Launcher.Launch(ctx, launcher.Options{
		WorkDir:    parent,
		Prompt:     commenterPrompt(issue, summary),
		SessionID:  w.sessionID,
		Timeout:    w.deps.commenterTimeout(),
		DisableMCP: true,
	})
	if err != nil || result.ExitCode != 0 {
		debug.Logf("commenter agent failed (non-fatal): err=%v", err)
	}
	_ = host // the commenter agent posts via the host CLI itself
}

// tanaWriteBack mirrors the outcome onto the originating Tana node.
// checkOff marks the node done, which only happens on success.
func (w *Worker) tanaWriteBack(ctx context.Context, nodeID, note string, checkOff bool) {
	if nodeID == "" || w.deps.Tana == nil {
		return
	}
	if err := w.deps.Tana.AddNote(ctx, nodeID, note); err != nil {
		debug.Logf("tana note failed (non-fatal): %v", err)
		return
	}
	if checkOff {
		if err := w.deps.Tana.CheckNode(ctx, nodeID); err != nil {
			debug.Logf("tana check failed (non-fatal): %v", err)
		}
	}
}
