package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/paiworks/ivy/internal/queue"
	"github.com/paiworks/ivy/internal/registry"
	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/storage/sqlite"
	"github.com/paiworks/ivy/internal/types"
)

const orchestratorName = "ivy-heartbeat"

type fixture struct {
	store storage.Storage
	queue *queue.Queue
	reg   *registry.Registry
}

func setupTest(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.New(context.Background(), filepath.Join(dir, "ivy.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return &fixture{
		store: store,
		queue: queue.New(store, 2, 3),
		reg:   registry.New(store, filepath.Join(dir, "logs"), 5*time.Minute),
	}
}

func (f *fixture) dispatcher(inline InlineRunner) *Dispatcher {
	return New(f.store, f.queue, f.reg, orchestratorName, "/bin/false", inline)
}

func addItems(t *testing.T, f *fixture, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.queue.Create(context.Background(), queue.CreateOpts{
			ID:    id,
			Title: "work " + id,
		})
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
}

func TestDispatchInline(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	addItems(t, f, "item-1")

	var ranItem, ranSession string
	inline := func(ctx context.Context, sessionID, itemID string, timeout time.Duration) error {
		ranSession, ranItem = sessionID, itemID
		return nil
	}

	result, err := f.dispatcher(inline).Run(ctx, Options{MaxConcurrent: 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Dispatched) != 1 || len(result.Skipped) != 0 || len(result.Errors) != 0 {
		t.Fatalf("result = %+v", result)
	}
	if ranItem != "item-1" || ranSession == "" {
		t.Fatalf("inline runner got (%q, %q)", ranSession, ranItem)
	}

	item, err := f.store.GetWorkItem(ctx, "item-1")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != types.ItemClaimed || item.ClaimedBy != ranSession {
		t.Fatalf("item = (%s, %q)", item.Status, item.ClaimedBy)
	}
}

func TestDispatchConcurrencyLimit(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	addItems(t, f, "item-1", "item-2", "item-3")

	if _, err := f.reg.Register(ctx, registry.RegisterOpts{Name: "worker-X"}); err != nil {
		t.Fatalf("register busy worker: %v", err)
	}

	inline := func(ctx context.Context, sessionID, itemID string, timeout time.Duration) error {
		t.Fatal("nothing should be dispatched at the limit")
		return nil
	}
	result, err := f.dispatcher(inline).Run(ctx, Options{MaxConcurrent: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Dispatched) != 0 {
		t.Fatalf("dispatched = %v, want none", result.Dispatched)
	}
	if len(result.Skipped) != 3 {
		t.Fatalf("skipped %d items, want 3", len(result.Skipped))
	}
	for _, s := range result.Skipped {
		if s.Reason != "concurrency limit reached (1/1)" {
			t.Fatalf("reason = %q", s.Reason)
		}
	}
	// No claim was attempted.
	items, err := f.store.ListWorkItems(ctx, storage.ItemFilter{Status: types.ItemAvailable})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("%d items still available, want 3", len(items))
	}
}

func TestDispatchOrchestratorDoesNotCount(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	addItems(t, f, "item-1")

	if _, err := f.reg.Register(ctx, registry.RegisterOpts{Name: orchestratorName}); err != nil {
		t.Fatalf("register orchestrator: %v", err)
	}

	ran := false
	inline := func(ctx context.Context, sessionID, itemID string, timeout time.Duration) error {
		ran = true
		return nil
	}
	result, err := f.dispatcher(inline).Run(ctx, Options{MaxConcurrent: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !ran || len(result.Dispatched) != 1 {
		t.Fatalf("orchestrator session blocked dispatch: %+v", result)
	}
}

func TestDispatchMaxItemsCap(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	addItems(t, f, "item-1", "item-2", "item-3")

	inline := func(ctx context.Context, sessionID, itemID string, timeout time.Duration) error {
		return nil
	}
	result, err := f.dispatcher(inline).Run(ctx, Options{MaxConcurrent: 10, MaxItems: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Dispatched) != 2 {
		t.Fatalf("dispatched %d, want 2", len(result.Dispatched))
	}
	if len(result.Skipped) != 1 || result.Skipped[0].Reason != "exceeds max items per run" {
		t.Fatalf("skipped = %+v", result.Skipped)
	}
}

func TestDispatchDryRun(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	addItems(t, f, "item-1", "item-2")

	inline := func(ctx context.Context, sessionID, itemID string, timeout time.Duration) error {
		t.Fatal("dry run must not execute workers")
		return nil
	}
	result, err := f.dispatcher(inline).Run(ctx, Options{MaxConcurrent: 1, DryRun: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.DryRun || len(result.Dispatched) != 2 {
		t.Fatalf("result = %+v", result)
	}
	items, err := f.store.ListWorkItems(ctx, storage.ItemFilter{Status: types.ItemAvailable})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("%d items still available, want 2", len(items))
	}
}

func TestDispatchSkipsAlreadyClaimed(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	addItems(t, f, "item-1")

	// Claim out from under the dispatcher between list and claim by
	// claiming before the pass runs against the stale listing.
	rival, err := f.reg.Register(ctx, registry.RegisterOpts{Name: orchestratorName})
	if err != nil {
		t.Fatalf("register rival: %v", err)
	}
	items, err := f.queue.List(ctx, storage.ItemFilter{Status: types.ItemAvailable})
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %v (%d items)", err, len(items))
	}
	if ok, err := f.queue.Claim(ctx, items[0].ID, rival.SessionID); err != nil || !ok {
		t.Fatalf("rival claim: ok=%v err=%v", ok, err)
	}

	inline := func(ctx context.Context, sessionID, itemID string, timeout time.Duration) error {
		t.Fatal("claimed item must not dispatch")
		return nil
	}
	result, err := f.dispatcher(inline).Run(ctx, Options{MaxConcurrent: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Dispatched) != 0 {
		t.Fatalf("dispatched = %+v", result.Dispatched)
	}
}
