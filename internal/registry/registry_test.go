package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/storage/sqlite"
	"github.com/paiworks/ivy/internal/types"
)

func setupTest(t *testing.T, ttl time.Duration) (*Registry, storage.Storage) {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.New(context.Background(), filepath.Join(dir, "ivy.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, filepath.Join(dir, "logs"), ttl), store
}

func TestRegisterAndHeartbeat(t *testing.T) {
	reg, store := setupTest(t, time.Minute)
	ctx := context.Background()

	agent, err := reg.Register(ctx, RegisterOpts{Name: "worker-1", Project: "demo", Work: "fix bug"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if agent.Status != types.AgentActive {
		t.Fatalf("status = %q, want active", agent.Status)
	}
	logPath, _ := agent.Metadata["logPath"].(string)
	if logPath != reg.SessionLogPath(agent.SessionID) {
		t.Fatalf("logPath = %q, want %q", logPath, reg.SessionLogPath(agent.SessionID))
	}

	if err := reg.Heartbeat(ctx, HeartbeatOpts{SessionID: agent.SessionID, Progress: "working"}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	hb, err := store.LatestHeartbeat(ctx, agent.SessionID)
	if err != nil {
		t.Fatalf("latest heartbeat: %v", err)
	}
	if hb.Progress != "working" {
		t.Fatalf("progress = %q, want working", hb.Progress)
	}

	events, err := store.EventsByType(ctx, types.EventHeartbeatReceived, storage.EventFilter{})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d heartbeat events, want 1", len(events))
	}
}

func TestDeregisterReleasesClaimedItems(t *testing.T) {
	reg, store := setupTest(t, time.Minute)
	ctx := context.Background()

	agent, err := reg.Register(ctx, RegisterOpts{Name: "worker-1"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	item := &types.WorkItem{ID: "item-1", Title: "do a thing", Source: types.SourceGitHub}
	if err := store.CreateWorkItem(ctx, item); err != nil {
		t.Fatalf("create item: %v", err)
	}
	ok, err := store.ClaimWorkItem(ctx, item.ID, agent.SessionID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if err := reg.Deregister(ctx, agent.SessionID); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	got, err := store.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != types.ItemAvailable || got.ClaimedBy != "" {
		t.Fatalf("item = (%s, %q), want (available, empty)", got.Status, got.ClaimedBy)
	}
	a, err := store.GetAgent(ctx, agent.SessionID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.Status != types.AgentCompleted {
		t.Fatalf("agent status = %q, want completed", a.Status)
	}
}

func TestSweepStaleRequiresBothSignals(t *testing.T) {
	reg, store := setupTest(t, time.Minute)
	ctx := context.Background()

	stale, err := reg.Register(ctx, RegisterOpts{Name: "dead-worker", PID: 99999})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	zombie, err := reg.Register(ctx, RegisterOpts{Name: "quiet-worker", PID: 88888})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	fresh, err := reg.Register(ctx, RegisterOpts{Name: "live-worker", PID: 77777})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Backdate two sessions past the TTL.
	old := time.Now().UTC().Add(-2 * time.Minute)
	for _, id := range []string{stale.SessionID, zombie.SessionID} {
		if err := store.UpdateAgent(ctx, id, map[string]any{"last_seen_at": old}); err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}

	// Only 88888 still has a live process.
	reg.SetLivenessProbe(func(pid int) bool { return pid == 88888 })

	result, err := reg.SweepStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(result.Swept) != 1 || result.Swept[0] != stale.SessionID {
		t.Fatalf("swept = %v, want only %s", result.Swept, stale.SessionID)
	}

	a, err := store.GetAgent(ctx, stale.SessionID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.Status != types.AgentStale {
		t.Fatalf("stale agent status = %q, want stale", a.Status)
	}
	for _, id := range []string{zombie.SessionID, fresh.SessionID} {
		a, err := store.GetAgent(ctx, id)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if a.Status != types.AgentActive {
			t.Fatalf("agent %s status = %q, want active", id, a.Status)
		}
	}
}
