package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/storage/sqlite"
	"github.com/paiworks/ivy/internal/types"
)

func setupTest(t *testing.T) (*Queue, storage.Storage) {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "ivy.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, 2, 3), store
}

func TestCreateAndClaimLifecycle(t *testing.T) {
	q, store := setupTest(t)
	ctx := context.Background()

	item, err := q.Create(ctx, CreateOpts{
		ID:       "gh-demo-7",
		Title:    "Fix the flaky test",
		Source:   types.SourceGitHub,
		Priority: types.PriorityP1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := q.Claim(ctx, item.ID, "session-a")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = q.Claim(ctx, item.ID, "session-b")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("second claim should lose the race")
	}

	if err := q.Complete(ctx, item.ID, "session-a"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := store.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.ItemCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}

	for _, typ := range []string{types.EventItemCreated, types.EventItemClaimed, types.EventItemCompleted} {
		events, err := store.EventsByType(ctx, typ, storage.EventFilter{})
		if err != nil {
			t.Fatalf("events %s: %v", typ, err)
		}
		if len(events) != 1 {
			t.Fatalf("got %d %s events, want 1", len(events), typ)
		}
	}
}

func TestCreateReworkWithinBudget(t *testing.T) {
	q, _ := setupTest(t)
	ctx := context.Background()

	item, err := q.CreateRework(ctx, ReworkOpts{
		Project:  "demo",
		PRNumber: 42,
		Branch:   "feature-x",
		Cycle:    1,
	})
	if err != nil {
		t.Fatalf("create rework: %v", err)
	}
	if item == nil {
		t.Fatal("expected a rework item")
	}
	if item.ID != "rework-demo-pr-42-cycle-1" {
		t.Fatalf("id = %q", item.ID)
	}
	if item.Priority != types.PriorityP1 {
		t.Fatalf("priority = %q, want P1", item.Priority)
	}
}

func TestCreateReworkIdempotent(t *testing.T) {
	q, store := setupTest(t)
	ctx := context.Background()

	first, err := q.CreateRework(ctx, ReworkOpts{Project: "demo", PRNumber: 42, Cycle: 1})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := q.CreateRework(ctx, ReworkOpts{Project: "demo", PRNumber: 42, Cycle: 1})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second == nil || second.ID != first.ID {
		t.Fatalf("second = %+v, want same id as first (%s)", second, first.ID)
	}
	items, err := store.ListWorkItems(ctx, storage.ItemFilter{Source: types.SourceRework, All: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d rework items, want 1", len(items))
	}
}

func TestCreateReworkEscalatesPastEffectiveMax(t *testing.T) {
	q, store := setupTest(t)
	ctx := context.Background()

	impl := &types.WorkItem{ID: "gh-demo-7", Title: "Implement it", Source: types.SourceGitHub}
	if err := store.CreateWorkItem(ctx, impl); err != nil {
		t.Fatalf("create impl item: %v", err)
	}

	// Default max is 2, so cycle 3 escalates instead of creating.
	item, err := q.CreateRework(ctx, ReworkOpts{
		Project:    "demo",
		PRNumber:   42,
		Cycle:      3,
		ImplItemID: impl.ID,
	})
	if err != nil {
		t.Fatalf("create rework: %v", err)
	}
	if item != nil {
		t.Fatalf("expected no item, got %s", item.ID)
	}

	got, err := store.GetWorkItem(ctx, impl.ID)
	if err != nil {
		t.Fatalf("get impl: %v", err)
	}
	if flagged, _ := got.Metadata["human_review_required"].(bool); !flagged {
		t.Fatal("implementation item should be flagged for human review")
	}
	events, err := store.EventsByType(ctx, types.EventHumanEscalation, storage.EventFilter{})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d escalation events, want 1", len(events))
	}
}

func TestCreateReworkHardCapSilentlyDrops(t *testing.T) {
	q, store := setupTest(t)
	ctx := context.Background()

	// Project raises its own ceiling, but the hard cap still wins.
	if err := store.RegisterProject(ctx, &types.Project{
		ID:       "demo",
		Metadata: map[string]any{"max_rework_cycles": 5},
	}); err != nil {
		t.Fatalf("register project: %v", err)
	}

	item, err := q.CreateRework(ctx, ReworkOpts{Project: "demo", PRNumber: 42, Cycle: 4})
	if err != nil {
		t.Fatalf("create rework: %v", err)
	}
	if item != nil {
		t.Fatalf("expected no item past hard cap, got %s", item.ID)
	}
	// Past the hard cap there is no escalation either, just a refusal.
	events, err := store.EventsByType(ctx, types.EventHumanEscalation, storage.EventFilter{})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d escalation events, want 0", len(events))
	}
}
