package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/paiworks/ivy/internal/debug"
	"github.com/paiworks/ivy/internal/launcher"
	"github.com/paiworks/ivy/internal/queue"
	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/vcs"
)

// ReviewOutcome is the structured tail the review agent prints.
type ReviewOutcome struct {
	Result        string
	FindingsCount int
	Severity      string
	Summary       string
}

// Approved reports whether the review verdict was approval.
func (r ReviewOutcome) Approved() bool {
	return strings.EqualFold(r.Result, "approved") || strings.EqualFold(r.Result, "approve")
}

// ParseReviewTail extracts the tagged outcome lines from agent stdout.
// The agent may echo the prompt template before answering, so the LAST
// occurrence of each tag wins.
func ParseReviewTail(stdout string) ReviewOutcome {
	var out ReviewOutcome
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "REVIEW_RESULT:"):
			out.Result = strings.TrimSpace(strings.TrimPrefix(line, "REVIEW_RESULT:"))
		case strings.HasPrefix(line, "FINDINGS_COUNT:"):
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "FINDINGS_COUNT:"))); err == nil {
				out.FindingsCount = n
			}
		case strings.HasPrefix(line, "SEVERITY:"):
			out.Severity = strings.TrimSpace(strings.TrimPrefix(line, "SEVERITY:"))
		case strings.HasPrefix(line, "SUMMARY:"):
			out.Summary = strings.TrimSpace(strings.TrimPrefix(line, "SUMMARY:"))
		}
	}
	return out
}

// runReview reviews an open PR with an agent and routes the verdict:
// approval queues a merge item, changes-requested queues the next rework
// cycle.
func (w *Worker) runReview(ctx context.Context, meta *types.ReviewMeta) error {
	parent := w.projectPath(ctx)
	host, err := w.deps.hostFor(parent)
	if err != nil {
		return err
	}

	state, err := host.MRState(ctx, parent, meta.PRNumber)
	if err != nil {
		return err
	}
	if state == vcs.StateMerged || state == vcs.StateClosed {
		w.emit(ctx, types.EventItemCompleted, w.item.ID,
			fmt.Sprintf("Skipping review: PR #%d is %s", meta.PRNumber, state))
		w.complete(ctx)
		return nil
	}

	result, err := w.deps.Launcher.Launch(ctx, launcher.Options{
		WorkDir:    parent,
		Prompt:     reviewPrompt(meta),
		SessionID:  w.sessionID,
		Timeout:    w.timeout,
		DisableMCP: true,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		w.emitFailure(ctx, fmt.Sprintf("Review agent exited %d on PR #%d", result.ExitCode, meta.PRNumber))
		return nil
	}

	outcome := ParseReviewTail(result.Stdout)
	if outcome.Result == "" {
		w.emitFailure(ctx, fmt.Sprintf("Review agent produced no verdict for PR #%d", meta.PRNumber))
		return nil
	}

	if err := w.deps.Queue.UpdateMetadata(ctx, w.item.ID, map[string]any{
		"review_status":         outcome.Result,
		"review_findings_count": outcome.FindingsCount,
		"review_severity":       outcome.Severity,
		"reviewer_session_id":   w.sessionID,
	}); err != nil {
		debug.Logf("failed to record review outcome: %v", err)
	}
	w.complete(ctx)

	implTarget := meta.ImplementationItemID
	if implTarget == "" {
		implTarget = w.item.ID
	}
	if outcome.Approved() {
		w.emit(ctx, types.EventWorkApproved, implTarget,
			fmt.Sprintf("PR #%d approved: %s", meta.PRNumber, outcome.Summary))
		w.createMergeItem(ctx, meta)
		return nil
	}

	w.emit(ctx, types.EventWorkRejected, implTarget,
		fmt.Sprintf("PR #%d changes requested (%d findings, %s): %s",
			meta.PRNumber, outcome.FindingsCount, outcome.Severity, outcome.Summary))

	inline, err := host.FetchInlineComments(ctx, parent, meta.PRNumber)
	if err != nil {
		debug.Logf("failed to fetch inline comments (continuing): %v", err)
	}
	var inlineMaps []map[string]any
	for _, c := range inline {
		inlineMaps = append(inlineMaps, map[string]any{
			"path":       c.Path,
			"line":       c.Line,
			"body":       c.Body,
			"author":     c.Author,
			"created_at": c.CreatedAt,
		})
	}
	reworkItem, err := w.deps.Queue.CreateRework(ctx, queue.ReworkOpts{
		Project:        meta.ProjectID,
		PRNumber:       meta.PRNumber,
		PRURL:          meta.PRURL,
		Repo:           meta.Repo,
		Branch:         meta.Branch,
		MainBranch:     meta.MainBranch,
		ImplItemID:     meta.ImplementationItemID,
		ReviewFeedback: outcome.Summary,
		Cycle:          meta.ReworkCycle + 1,
		InlineComments: inlineMaps,
		Actor:          w.sessionID,
	})
	if err != nil {
		return err
	}
	if reworkItem == nil {
		debug.Logf("rework budget exhausted for PR #%d", meta.PRNumber)
	}
	return nil
}

// createMergeItem queues the post-review merge, idempotently by id.
func (w *Worker) createMergeItem(ctx context.Context, meta *types.ReviewMeta) {
	id := types.MergeItemID(meta.ProjectID, meta.PRNumber)
	if _, err := w.deps.Store.GetWorkItem(ctx, id); err == nil {
		debug.Logf("merge item %s already exists", id)
		return
	}
	_, err := w.deps.Queue.Create(ctx, queue.CreateOpts{
		ID:       id,
		Title:    fmt.Sprintf("Merge PR #%d", meta.PRNumber),
		Project:  meta.ProjectID,
		Source:   types.SourcePRMerge,
		Priority: types.PriorityP1,
		Metadata: map[string]any{
			"pr_merge":                    true,
			"pr_number":                   meta.PRNumber,
			"pr_url":                      meta.PRURL,
			"repo":                        meta.Repo,
			"branch":                      meta.Branch,
			"main_branch":                 meta.MainBranch,
			"implementation_work_item_id": meta.ImplementationItemID,
			"project_id":                  meta.ProjectID,
		},
		Actor: w.sessionID,
	})
	if err != nil {
		debug.Logf("failed to create merge item: %v", err)
	}
}
