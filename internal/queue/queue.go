// Package queue wraps work-item storage with event recording and the
// rework escalation policy.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paiworks/ivy/internal/debug"
	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
)

// Queue is the work-item facade used by the dispatcher, workers and CLI.
type Queue struct {
	store            storage.Storage
	defaultMaxCycles int
	hardCap          int
}

// New creates a queue. defaultMaxCycles and hardCap bound the rework
// escalation ladder (typically 2 and 3).
func New(store storage.Storage, defaultMaxCycles, hardCap int) *Queue {
	if defaultMaxCycles <= 0 {
		defaultMaxCycles = 2
	}
	if hardCap <= 0 {
		hardCap = 3
	}
	return &Queue{store: store, defaultMaxCycles: defaultMaxCycles, hardCap: hardCap}
}

// CreateOpts describes a new work item.
type CreateOpts struct {
	ID          string
	Title       string
	Description string
	Project     string
	Source      string
	SourceRef   string
	Priority    string
	Metadata    map[string]any
	// Actor attributes the creation event, empty for external producers.
	Actor string
}

// Create inserts a work item and records a work_item_created event.
func (q *Queue) Create(ctx context.Context, opts CreateOpts) (*types.WorkItem, error) {
	if opts.ID == "" || opts.Title == "" {
		return nil, fmt.Errorf("work item id and title required")
	}
	item := &types.WorkItem{
		ID:          opts.ID,
		ProjectID:   opts.Project,
		Title:       opts.Title,
		Description: opts.Description,
		Source:      opts.Source,
		SourceRef:   opts.SourceRef,
		Priority:    opts.Priority,
		Metadata:    opts.Metadata,
	}
	if err := q.store.CreateWorkItem(ctx, item); err != nil {
		return nil, err
	}
	_ = q.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventItemCreated,
		ActorID:    opts.Actor,
		TargetID:   item.ID,
		TargetType: "work_item",
		Summary:    fmt.Sprintf("Work item created: %s", item.Title),
	})
	return item, nil
}

// List returns items matching the filter.
func (q *Queue) List(ctx context.Context, filter storage.ItemFilter) ([]*types.WorkItem, error) {
	return q.store.ListWorkItems(ctx, filter)
}

// Get fetches one item.
func (q *Queue) Get(ctx context.Context, id string) (*types.WorkItem, error) {
	return q.store.GetWorkItem(ctx, id)
}

// Claim runs the atomic claim and records the event on success.
func (q *Queue) Claim(ctx context.Context, id, sessionID string) (bool, error) {
	ok, err := q.store.ClaimWorkItem(ctx, id, sessionID)
	if err != nil || !ok {
		return ok, err
	}
	_ = q.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventItemClaimed,
		ActorID:    sessionID,
		TargetID:   id,
		TargetType: "work_item",
		Summary:    fmt.Sprintf("Work item %s claimed", id),
	})
	return true, nil
}

// Complete transitions the item to completed; claimant only.
func (q *Queue) Complete(ctx context.Context, id, sessionID string) error {
	if err := q.store.CompleteWorkItem(ctx, id, sessionID); err != nil {
		return err
	}
	_ = q.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventItemCompleted,
		ActorID:    sessionID,
		TargetID:   id,
		TargetType: "work_item",
		Summary:    fmt.Sprintf("Work item %s completed", id),
	})
	return nil
}

// Release returns a claimed item to available; claimant only.
func (q *Queue) Release(ctx context.Context, id, sessionID string) error {
	if err := q.store.ReleaseWorkItem(ctx, id, sessionID); err != nil {
		return err
	}
	_ = q.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventItemReleased,
		ActorID:    sessionID,
		TargetID:   id,
		TargetType: "work_item",
		Summary:    fmt.Sprintf("Work item %s released", id),
	})
	return nil
}

// Fail marks the item failed and records the reason in an event.
func (q *Queue) Fail(ctx context.Context, id, sessionID, reason string) error {
	if err := q.store.FailWorkItem(ctx, id, sessionID); err != nil {
		return err
	}
	summary := fmt.Sprintf("Work item %s failed", id)
	if reason != "" {
		summary += ": " + reason
	}
	_ = q.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventWorkRejected,
		ActorID:    sessionID,
		TargetID:   id,
		TargetType: "work_item",
		Summary:    summary,
	})
	return nil
}

// UpdateMetadata merges a JSON patch into the item metadata.
func (q *Queue) UpdateMetadata(ctx context.Context, id string, patch map[string]any) error {
	return q.store.UpdateWorkItemMetadata(ctx, id, patch)
}

// ReworkOpts describes a review cycle iteration requesting changes on a PR.
type ReworkOpts struct {
	Project        string
	PRNumber       int
	PRURL          string
	Repo           string
	Branch         string
	MainBranch     string
	ImplItemID     string
	ReviewFeedback string
	Cycle          int
	WorktreePath   string
	InlineComments []map[string]any
	MaxCycles      int // item-level override, 0 for none
	Actor          string
}

// CreateRework creates the next rework item for a changes_requested review,
// enforcing the escalation ladder. Returns (nil, nil) when the cycle budget
// is exhausted or the hard cap is exceeded; returns the existing item when
// an open one for the same (pr_number, rework_cycle) already exists.
func (q *Queue) CreateRework(ctx context.Context, opts ReworkOpts) (*types.WorkItem, error) {
	effectiveMax, err := q.effectiveMaxCycles(ctx, opts.Project, opts.MaxCycles)
	if err != nil {
		return nil, err
	}
	if opts.Cycle > q.hardCap {
		debug.Logf("rework cycle %d for PR #%d exceeds hard cap %d; not creating",
			opts.Cycle, opts.PRNumber, q.hardCap)
		return nil, nil
	}
	if opts.Cycle > effectiveMax {
		return nil, q.escalate(ctx, opts, effectiveMax)
	}

	if existing, err := q.findOpenRework(ctx, opts.PRNumber, opts.Cycle); err != nil {
		return nil, err
	} else if existing != nil {
		debug.Logf("rework item for PR #%d cycle %d already open: %s",
			opts.PRNumber, opts.Cycle, existing.ID)
		return existing, nil
	}

	meta := map[string]any{
		"rework":                      true,
		"pr_number":                   opts.PRNumber,
		"pr_url":                      opts.PRURL,
		"repo":                        opts.Repo,
		"branch":                      opts.Branch,
		"main_branch":                 opts.MainBranch,
		"implementation_work_item_id": opts.ImplItemID,
		"review_feedback":             opts.ReviewFeedback,
		"rework_cycle":                opts.Cycle,
		"project_id":                  opts.Project,
	}
	if opts.WorktreePath != "" {
		meta["worktree_path"] = opts.WorktreePath
	}
	if len(opts.InlineComments) > 0 {
		meta["inline_comments"] = opts.InlineComments
	}
	if opts.MaxCycles > 0 {
		meta["max_rework_cycles"] = opts.MaxCycles
	}
	return q.Create(ctx, CreateOpts{
		ID:      types.ReworkItemID(opts.Project, opts.PRNumber, opts.Cycle),
		Title:   fmt.Sprintf("Rework PR #%d (cycle %d)", opts.PRNumber, opts.Cycle),
		Description: fmt.Sprintf("Address review feedback on %s and push to %s.",
			opts.PRURL, opts.Branch),
		Project:  opts.Project,
		Source:   types.SourceRework,
		Priority: types.PriorityP1,
		Metadata: meta,
		Actor:    opts.Actor,
	})
}

func (q *Queue) effectiveMaxCycles(ctx context.Context, projectID string, itemMax int) (int, error) {
	max := q.defaultMaxCycles
	if itemMax > 0 {
		max = itemMax
	}
	if projectID != "" {
		project, err := q.store.GetProject(ctx, projectID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("failed to load project: %w", err)
		}
		if project != nil {
			if pm := project.MaxReworkCycles(); pm > 0 {
				max = pm
			}
		}
	}
	if max > q.hardCap {
		max = q.hardCap
	}
	return max, nil
}

// escalate flags the original implementation item for human review and
// records the human_escalation event. No rework item is created.
func (q *Queue) escalate(ctx context.Context, opts ReworkOpts, effectiveMax int) error {
	reason := fmt.Sprintf("Rework cycle %d exceeds max %d for PR #%d; human review required",
		opts.Cycle, effectiveMax, opts.PRNumber)
	if opts.ImplItemID != "" {
		err := q.store.UpdateWorkItemMetadata(ctx, opts.ImplItemID, map[string]any{
			"human_review_required": true,
			"escalation_reason":     reason,
			"escalated_at":          time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to flag item for human review: %w", err)
		}
	}
	_ = q.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventHumanEscalation,
		ActorID:    opts.Actor,
		TargetID:   opts.ImplItemID,
		TargetType: "work_item",
		Summary:    reason,
	})
	return nil
}

// BranchInCycle reports whether any open (available or claimed) work item
// pins the branch as part of a review/rework/merge cycle. The workspace
// manager consults this before deleting branches.
func (q *Queue) BranchInCycle(ctx context.Context, branch string) (bool, error) {
	if branch == "" {
		return false, nil
	}
	items, err := q.store.ListWorkItems(ctx, storage.ItemFilter{})
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if types.InReviewCycle(item) && types.CycleBranch(item) == branch {
			return true, nil
		}
	}
	return false, nil
}

// findOpenRework looks for an available or claimed rework item with the
// same (pr_number, rework_cycle). Idempotency key for review loops.
func (q *Queue) findOpenRework(ctx context.Context, prNumber, cycle int) (*types.WorkItem, error) {
	items, err := q.store.ListWorkItems(ctx, storage.ItemFilter{Source: types.SourceRework})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		rm, ok := types.ParseRework(item.Metadata)
		if !ok {
			continue
		}
		if rm.PRNumber == prNumber && rm.ReworkCycle == cycle {
			return item, nil
		}
	}
	return nil, nil
}
