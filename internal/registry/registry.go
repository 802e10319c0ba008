// Package registry manages agent sessions: registration, heartbeats,
// deregistration and the stale sweep that reclaims work from dead
// processes.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/paiworks/ivy/internal/debug"
	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
)

// Registry coordinates agent sessions through the store.
type Registry struct {
	store    storage.Storage
	logDir   string
	staleTTL time.Duration

	// pidAlive is swappable for tests; defaults to an OS signal-0 probe.
	pidAlive func(pid int) bool
}

// New creates a registry over the store. logDir receives per-session log
// files; staleTTL is the liveness window for the sweep.
func New(store storage.Storage, logDir string, staleTTL time.Duration) *Registry {
	return &Registry{
		store:    store,
		logDir:   logDir,
		staleTTL: staleTTL,
		pidAlive: pidAlive,
	}
}

// SetLivenessProbe replaces the pid probe (tests).
func (r *Registry) SetLivenessProbe(probe func(pid int) bool) {
	r.pidAlive = probe
}

// RegisterOpts names the new session.
type RegisterOpts struct {
	Name     string
	Project  string
	Work     string
	ParentID string
	// PID defaults to the current process.
	PID int
}

// Register creates a new agent session and returns it. The session log
// path is recorded in the agent metadata so the dispatcher can redirect
// worker stderr to it.
func (r *Registry) Register(ctx context.Context, opts RegisterOpts) (*types.Agent, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("agent name required")
	}
	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	sessionID := uuid.NewString()
	agent := &types.Agent{
		SessionID: sessionID,
		AgentName: opts.Name,
		Project:   opts.Project,
		Work:      opts.Work,
		ParentID:  opts.ParentID,
		PID:       pid,
		Status:    types.AgentActive,
		Metadata: map[string]any{
			"logPath": r.SessionLogPath(sessionID),
		},
	}
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}
	_ = r.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventAgentRegistered,
		ActorID:    sessionID,
		TargetID:   sessionID,
		TargetType: "agent",
		Summary:    fmt.Sprintf("Agent %s registered (pid %d)", opts.Name, pid),
	})
	return agent, nil
}

// SessionLogPath returns the log file path for a session.
func (r *Registry) SessionLogPath(sessionID string) string {
	return filepath.Join(r.logDir, sessionID+".log")
}

// HeartbeatOpts carries one liveness report.
type HeartbeatOpts struct {
	SessionID  string
	Progress   string
	WorkItemID string
}

// Heartbeat refreshes last_seen_at, appends a heartbeat row and records a
// heartbeat_received event (the historical type name; older stores enum-
// constrain the column and expect it).
func (r *Registry) Heartbeat(ctx context.Context, opts HeartbeatOpts) error {
	if opts.SessionID == "" {
		return fmt.Errorf("session id required")
	}
	now := time.Now().UTC()
	if err := r.store.UpdateAgent(ctx, opts.SessionID, map[string]any{"last_seen_at": now}); err != nil {
		return fmt.Errorf("failed to refresh agent: %w", err)
	}
	if err := r.store.AddHeartbeat(ctx, &types.Heartbeat{
		Timestamp:  now,
		SessionID:  opts.SessionID,
		Progress:   opts.Progress,
		WorkItemID: opts.WorkItemID,
	}); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	meta := "{}"
	if opts.WorkItemID != "" {
		b, err := json.Marshal(map[string]string{"work_item_id": opts.WorkItemID})
		if err == nil {
			meta = string(b)
		}
	}
	_ = r.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventHeartbeatReceived,
		ActorID:    opts.SessionID,
		TargetID:   opts.SessionID,
		TargetType: "agent",
		Summary:    heartbeatSummary(opts.Progress),
		Metadata:   meta,
	})
	return nil
}

func heartbeatSummary(progress string) string {
	if progress == "" {
		return "Heartbeat received"
	}
	return "Heartbeat: " + progress
}

// Deregister completes the session, releasing any work items it still
// holds, and records the session duration.
func (r *Registry) Deregister(ctx context.Context, sessionID string) error {
	agent, err := r.store.GetAgent(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load agent: %w", err)
	}
	released, err := r.store.DeregisterAgent(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to deregister agent: %w", err)
	}
	duration := time.Since(agent.CreatedAt).Round(time.Second)
	summary := fmt.Sprintf("Agent %s deregistered after %s", agent.AgentName, duration)
	if len(released) > 0 {
		summary += fmt.Sprintf(", released %d work item(s)", len(released))
	}
	_ = r.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventAgentDeregistered,
		ActorID:    sessionID,
		TargetID:   sessionID,
		TargetType: "agent",
		Summary:    summary,
	})
	for _, itemID := range released {
		_ = r.store.AppendEvent(ctx, &types.Event{
			EventType:  types.EventItemReleased,
			ActorID:    sessionID,
			TargetID:   itemID,
			TargetType: "work_item",
			Summary:    fmt.Sprintf("Work item %s released on deregister", itemID),
		})
	}
	return nil
}

// SweepResult reports one stale sweep pass.
type SweepResult struct {
	Swept         []string `json:"swept"`
	ItemsReleased []string `json:"items_released"`
}

// SweepStale marks sessions stale when both liveness signals fail: the
// last heartbeat is older than the TTL and the recorded pid is not a live
// process. The orchestrator's own agent name is swept like any other; it
// is only exempt from concurrency counting.
func (r *Registry) SweepStale(ctx context.Context) (*SweepResult, error) {
	agents, err := r.store.ListAgents(ctx, []string{types.AgentActive, types.AgentIdle})
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	cutoff := time.Now().UTC().Add(-r.staleTTL)
	result := &SweepResult{}
	for _, agent := range agents {
		if agent.LastSeenAt.After(cutoff) {
			continue
		}
		if agent.PID > 0 && r.pidAlive(agent.PID) {
			debug.Logf("agent %s idle past TTL but pid %d is alive; keeping", agent.SessionID, agent.PID)
			continue
		}
		released, err := r.store.MarkAgentStale(ctx, agent.SessionID)
		if err != nil {
			debug.Logf("failed to sweep agent %s: %v", agent.SessionID, err)
			continue
		}
		result.Swept = append(result.Swept, agent.SessionID)
		result.ItemsReleased = append(result.ItemsReleased, released...)
		summary := fmt.Sprintf("Agent %s swept as stale (last seen %s)",
			agent.AgentName, agent.LastSeenAt.Format(time.RFC3339))
		if len(released) > 0 {
			summary += fmt.Sprintf(", released %d work item(s)", len(released))
		}
		_ = r.store.AppendEvent(ctx, &types.Event{
			EventType:  types.EventAgentDeregistered,
			TargetID:   agent.SessionID,
			TargetType: "agent",
			Summary:    summary,
		})
	}
	return result, nil
}
