package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/paiworks/ivy/internal/debug"
	"github.com/paiworks/ivy/internal/launcher"
	"github.com/paiworks/ivy/internal/queue"
	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/vcs"
)

// runRework applies review feedback on an existing PR branch and always
// chains a re-review item so the feedback loop continues.
func (w *Worker) runRework(ctx context.Context, meta *types.ReworkMeta) error {
	parent := w.projectPath(ctx)
	project := w.item.ProjectID
	if project == "" {
		project = meta.ProjectID
	}

	var path string
	var createdWorkspace, stashed bool
	if meta.WorktreePath != "" {
		if _, err := os.Stat(meta.WorktreePath); err == nil {
			path = meta.WorktreePath
			if err := w.deps.Workspaces.EnsureBranch(path, meta.Branch); err != nil {
				return err
			}
		}
	}
	if path == "" {
		var err error
		stashed, err = w.deps.Workspaces.StashIfDirty(parent)
		if err != nil {
			return err
		}
		path, err = w.deps.Workspaces.Create(ctx, parent, meta.Branch, project)
		if err != nil {
			return err
		}
		createdWorkspace = true
	}
	defer func() {
		if createdWorkspace {
			if err := w.deps.Workspaces.Remove(parent, path); err != nil {
				debug.Logf("failed to remove workspace %s: %v", path, err)
			}
		}
		if stashed {
			if popped, err := w.deps.Workspaces.PopStash(parent); err != nil || !popped {
				w.emit(ctx, types.EventItemFailed, w.item.ID,
					fmt.Sprintf("Failed to restore stashed changes in %s: %v", parent, err))
			}
		}
	}()

	result, err := w.deps.Launcher.Launch(ctx, launcher.Options{
		WorkDir:    path,
		Prompt:     reworkPrompt(meta),
		SessionID:  w.sessionID,
		Timeout:    w.timeout,
		DisableMCP: true,
	})
	if err != nil {
		return err
	}

	success := result.ExitCode == 0
	if success {
		sha, err := w.deps.Workspaces.CommitAll(path,
			fmt.Sprintf("Address review feedback for PR #%d (cycle %d)", meta.PRNumber, meta.ReworkCycle))
		if err != nil {
			return err
		}
		if sha != "" {
			if err := w.deps.Workspaces.PushBranch(path, meta.Branch); err != nil {
				return err
			}
		}
	} else {
		w.emitFailure(ctx, fmt.Sprintf("Rework agent exited %d on PR #%d cycle %d",
			result.ExitCode, meta.PRNumber, meta.ReworkCycle))
	}

	// The re-review happens regardless: even a failed rework run may have
	// pushed partial changes, and the reviewer is the arbiter.
	w.createReReview(ctx, meta, project)

	if success {
		w.complete(ctx)
	}
	return nil
}

// createReReview queues the next review cycle for the PR.
func (w *Worker) createReReview(ctx context.Context, meta *types.ReworkMeta, project string) {
	id := types.ReviewItemID(project, meta.PRNumber, meta.ReworkCycle)
	if _, err := w.deps.Store.GetWorkItem(ctx, id); err == nil {
		debug.Logf("re-review item %s already exists", id)
		return
	}
	_, err := w.deps.Queue.Create(ctx, queue.CreateOpts{
		ID:       id,
		Title:    fmt.Sprintf("Re-review PR #%d (cycle %d)", meta.PRNumber, meta.ReworkCycle),
		Project:  project,
		Source:   types.SourceCodeReview,
		Priority: types.PriorityP1,
		Metadata: map[string]any{
			"pr_number":                   meta.PRNumber,
			"pr_url":                      meta.PRURL,
			"repo":                        meta.Repo,
			"branch":                      meta.Branch,
			"main_branch":                 meta.MainBranch,
			"implementation_work_item_id": meta.ImplementationItemID,
			"rework_cycle":                meta.ReworkCycle,
			"project_id":                  project,
		},
		Actor: w.sessionID,
	})
	if err != nil {
		debug.Logf("failed to create re-review item: %v", err)
	}
}

// runPRMerge merges an approved PR; a refusal cascades into a merge-fix
// item rather than failing the pipeline.
func (w *Worker) runPRMerge(ctx context.Context, meta *types.PRMergeMeta) error {
	parent := w.projectPath(ctx)
	host, err := w.deps.hostFor(parent)
	if err != nil {
		return err
	}
	merged, err := host.MergeMR(ctx, parent, meta.PRNumber)
	if err == nil && merged {
		w.emit(ctx, types.EventItemCompleted, w.item.ID,
			fmt.Sprintf("Merged PR #%d", meta.PRNumber))
		if err := w.deps.Workspaces.PullMain(parent, meta.MainBranch); err != nil {
			debug.Logf("pull after merge failed (non-fatal): %v", err)
		}
		w.complete(ctx)
		return nil
	}
	original := meta.ImplementationItemID
	if original == "" {
		original = w.item.ID
	}
	w.createMergeFix(ctx, &vcs.MR{Number: meta.PRNumber, URL: meta.PRURL}, original, meta.Branch, meta.MainBranch)
	w.complete(ctx)
	return nil
}
