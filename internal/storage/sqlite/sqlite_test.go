package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "ivy.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateItem(t *testing.T, s *Store, item *types.WorkItem) {
	t.Helper()
	if err := s.CreateWorkItem(context.Background(), item); err != nil {
		t.Fatalf("create item %s: %v", item.ID, err)
	}
}

func TestClaimWorkItemIsExclusive(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	mustCreateItem(t, s, &types.WorkItem{ID: "item-1", Title: "contested"})

	const claimants = 8
	var wg sync.WaitGroup
	wins := make([]bool, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := s.ClaimWorkItem(ctx, "item-1", string(rune('a'+n))+"-session")
			if err != nil {
				t.Errorf("claim %d: %v", n, err)
				return
			}
			wins[n] = ok
		}(i)
	}
	wg.Wait()

	won := 0
	for _, w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d claimants won, want exactly 1", won)
	}
}

func TestListWorkItemsOrdering(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	mustCreateItem(t, s, &types.WorkItem{ID: "older-p2", Title: "t", Priority: types.PriorityP2, CreatedAt: base})
	mustCreateItem(t, s, &types.WorkItem{ID: "newer-p1", Title: "t", Priority: types.PriorityP1, CreatedAt: base.Add(30 * time.Minute)})
	mustCreateItem(t, s, &types.WorkItem{ID: "older-p1", Title: "t", Priority: types.PriorityP1, CreatedAt: base.Add(10 * time.Minute)})

	items, err := s.ListWorkItems(ctx, storage.ItemFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, item := range items {
		got = append(got, item.ID)
	}
	want := []string{"older-p1", "newer-p1", "older-p2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestListWorkItemsHidesTerminalByDefault(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	mustCreateItem(t, s, &types.WorkItem{ID: "open", Title: "t"})
	mustCreateItem(t, s, &types.WorkItem{ID: "done", Title: "t"})
	if ok, _ := s.ClaimWorkItem(ctx, "done", "s1"); !ok {
		t.Fatal("claim failed")
	}
	if err := s.CompleteWorkItem(ctx, "done", "s1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	items, err := s.ListWorkItems(ctx, storage.ItemFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != "open" {
		t.Fatalf("default list = %v, want only open", items)
	}

	all, err := s.ListWorkItems(ctx, storage.ItemFilter{All: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all list has %d items, want 2", len(all))
	}
}

func TestTransitionsEnforceClaimant(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	mustCreateItem(t, s, &types.WorkItem{ID: "item-1", Title: "t"})
	if ok, _ := s.ClaimWorkItem(ctx, "item-1", "owner"); !ok {
		t.Fatal("claim failed")
	}

	err := s.CompleteWorkItem(ctx, "item-1", "intruder")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("complete by non-claimant: %v, want ErrNotFound", err)
	}

	if err := s.ReleaseWorkItem(ctx, "item-1", "owner"); err != nil {
		t.Fatalf("release: %v", err)
	}
	item, err := s.GetWorkItem(ctx, "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != types.ItemAvailable || item.ClaimedBy != "" {
		t.Fatalf("after release: status=%s claimed_by=%q", item.Status, item.ClaimedBy)
	}
}

func TestUpdateWorkItemMetadataMerge(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	mustCreateItem(t, s, &types.WorkItem{
		ID: "item-1", Title: "t",
		Metadata: map[string]any{"keep": "yes", "drop": "soon"},
	})

	err := s.UpdateWorkItemMetadata(ctx, "item-1", map[string]any{
		"drop":  nil,
		"added": float64(7),
	})
	if err != nil {
		t.Fatalf("update metadata: %v", err)
	}

	item, err := s.GetWorkItem(ctx, "item-1")
	if err != nil {
		t.Fatal(err)
	}
	if item.Metadata["keep"] != "yes" {
		t.Fatalf("keep = %v", item.Metadata["keep"])
	}
	if _, ok := item.Metadata["drop"]; ok {
		t.Fatal("drop key should be deleted")
	}
	if item.Metadata["added"] != float64(7) {
		t.Fatalf("added = %v", item.Metadata["added"])
	}
}

func TestEventSearchRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	events := []*types.Event{
		{EventType: "work_item_created", Summary: "Created gh-demo-7: fix the flaky nginx test"},
		{EventType: "work_item_claimed", Summary: "Claimed gh-demo-7"},
		{EventType: "human_escalation", Summary: "PR #42 exceeded rework budget"},
	}
	for _, e := range events {
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	hits, err := s.SearchEvents(ctx, "nginx", storage.EventFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].EventType != "work_item_created" {
		t.Fatalf("search nginx = %v", hits)
	}

	// Operator characters in user input must not break fts5 syntax.
	if _, err := s.SearchEvents(ctx, `AND (rework"`, storage.EventFilter{}); err != nil {
		t.Fatalf("search with operators: %v", err)
	}

	hits, err = s.SearchEvents(ctx, "rework budget", storage.EventFilter{})
	if err != nil {
		t.Fatalf("search two tokens: %v", err)
	}
	if len(hits) != 1 || hits[0].EventType != "human_escalation" {
		t.Fatalf("search rework budget = %v", hits)
	}
}

func TestPruneEventsKeepsSearchInSync(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	old := &types.Event{
		EventType: "work_item_created",
		Summary:   "ancient zebra event",
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
	}
	fresh := &types.Event{EventType: "work_item_created", Summary: "recent zebra event"}
	if err := s.AppendEvent(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendEvent(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneEventsBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}

	hits, err := s.SearchEvents(ctx, "zebra", storage.EventFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Summary != "recent zebra event" {
		t.Fatalf("search after prune = %v", hits)
	}
}

func TestDeregisterAgentReleasesItemsAtomically(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, &types.Agent{SessionID: "s1", AgentName: "worker"}); err != nil {
		t.Fatal(err)
	}
	mustCreateItem(t, s, &types.WorkItem{ID: "a", Title: "t"})
	mustCreateItem(t, s, &types.WorkItem{ID: "b", Title: "t"})
	for _, id := range []string{"a", "b"} {
		if ok, _ := s.ClaimWorkItem(ctx, id, "s1"); !ok {
			t.Fatalf("claim %s failed", id)
		}
	}

	released, err := s.DeregisterAgent(ctx, "s1")
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("released %v, want both items", released)
	}

	agent, err := s.GetAgent(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != types.AgentCompleted {
		t.Fatalf("agent status = %s, want completed", agent.Status)
	}
	for _, id := range []string{"a", "b"} {
		item, err := s.GetWorkItem(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if item.Status != types.ItemAvailable || item.ClaimedBy != "" {
			t.Fatalf("item %s: status=%s claimed_by=%q", id, item.Status, item.ClaimedBy)
		}
	}
}

func TestCountWorkersExcludesOrchestrator(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	sessions := []struct{ id, name string }{
		{"s1", "worker"},
		{"s2", "worker"},
		{"s3", "ivy-heartbeat"},
	}
	for _, sess := range sessions {
		if err := s.CreateAgent(ctx, &types.Agent{SessionID: sess.id, AgentName: sess.name}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CountWorkers(ctx, []string{types.AgentActive, types.AgentIdle}, "ivy-heartbeat")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}

func TestReopenPreservesData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ivy.db")

	s1, err := New(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.CreateWorkItem(ctx, &types.WorkItem{ID: "persisted", Title: "t"}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	// Schema application and migrations must be idempotent across opens.
	s2, err := New(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()
	item, err := s2.GetWorkItem(ctx, "persisted")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if item.Title != "t" {
		t.Fatalf("title = %q", item.Title)
	}
}

func TestReleaseOrphanedFeatures(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	features := []*types.Feature{
		{ID: "f-active", ProjectID: "p", Title: "t", Phase: types.PhaseSpecifying, Status: types.FeatureActive, CurrentSession: "dead"},
		{ID: "f-pending", ProjectID: "p", Title: "t", Phase: types.PhasePlanned, Status: types.FeaturePending},
	}
	for _, f := range features {
		if err := s.CreateFeature(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ReleaseOrphanedFeatures(ctx, "Released: server restarted")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d, want 1", n)
	}

	f, err := s.GetFeature(ctx, "f-active")
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != types.FeaturePending || f.CurrentSession != "" {
		t.Fatalf("feature (%s, %q), want pending with no session", f.Status, f.CurrentSession)
	}
	untouched, err := s.GetFeature(ctx, "f-pending")
	if err != nil {
		t.Fatal(err)
	}
	if untouched.LastError != "" {
		t.Fatalf("pending feature got error note %q", untouched.LastError)
	}
}
