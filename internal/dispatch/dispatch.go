// Package dispatch selects available work items and hands each one to a
// worker process, inline or fire-and-forget.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paiworks/ivy/internal/debug"
	"github.com/paiworks/ivy/internal/queue"
	"github.com/paiworks/ivy/internal/registry"
	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
)

// InlineRunner executes the full worker lifecycle in-process. Injected to
// keep the dispatcher decoupled from the worker package.
type InlineRunner func(ctx context.Context, sessionID, itemID string, timeout time.Duration) error

// Options configures one dispatch pass.
type Options struct {
	MaxConcurrent int
	MaxItems      int
	Priority      string
	Project       string
	DryRun        bool
	Timeout       time.Duration
	FireAndForget bool
}

// Dispatched records one spawned worker.
type Dispatched struct {
	ItemID    string `json:"item_id"`
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	WorkDir   string `json:"work_dir"`
	PID       int    `json:"pid,omitempty"`
}

// Skipped records one item not dispatched and why.
type Skipped struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// Result is the outcome of one dispatch pass.
type Result struct {
	Timestamp  time.Time    `json:"timestamp"`
	Dispatched []Dispatched `json:"dispatched"`
	Skipped    []Skipped    `json:"skipped"`
	Errors     []string     `json:"errors"`
	DryRun     bool         `json:"dry_run"`
}

// Dispatcher claims available items and launches workers for them.
type Dispatcher struct {
	store            storage.Storage
	queue            *queue.Queue
	registry         *registry.Registry
	orchestratorName string
	workerBin        string
	inline           InlineRunner
}

// New creates a dispatcher. workerBin is the executable spawned for
// fire-and-forget workers (normally the running binary itself); inline
// runs the worker in-process otherwise.
func New(store storage.Storage, q *queue.Queue, reg *registry.Registry,
	orchestratorName, workerBin string, inline InlineRunner) *Dispatcher {
	return &Dispatcher{
		store:            store,
		queue:            q,
		registry:         reg,
		orchestratorName: orchestratorName,
		workerBin:        workerBin,
		inline:           inline,
	}
}

// Run performs one dispatch pass.
func (d *Dispatcher) Run(ctx context.Context, opts Options) (*Result, error) {
	result := &Result{Timestamp: time.Now().UTC(), DryRun: opts.DryRun}

	items, err := d.queue.List(ctx, storage.ItemFilter{
		Status:   types.ItemAvailable,
		Priority: opts.Priority,
		Project:  opts.Project,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list available items: %w", err)
	}
	if len(items) == 0 {
		return result, nil
	}

	if !opts.DryRun && opts.MaxConcurrent > 0 {
		count, err := d.store.CountWorkers(ctx,
			[]string{types.AgentActive, types.AgentIdle}, d.orchestratorName)
		if err != nil {
			return nil, fmt.Errorf("failed to count workers: %w", err)
		}
		if count >= opts.MaxConcurrent {
			reason := fmt.Sprintf("concurrency limit reached (%d/%d)", count, opts.MaxConcurrent)
			for _, item := range items {
				result.Skipped = append(result.Skipped, Skipped{ItemID: item.ID, Reason: reason})
			}
			return result, nil
		}
	}

	selected := items
	if opts.MaxItems > 0 && len(items) > opts.MaxItems {
		selected = items[:opts.MaxItems]
		for _, item := range items[opts.MaxItems:] {
			result.Skipped = append(result.Skipped, Skipped{
				ItemID: item.ID,
				Reason: "exceeds max items per run",
			})
		}
	}

	for _, item := range selected {
		if opts.DryRun {
			result.Dispatched = append(result.Dispatched, Dispatched{
				ItemID:  item.ID,
				Title:   item.Title,
				WorkDir: d.workDir(ctx, item),
			})
			continue
		}
		d.dispatchOne(ctx, item, opts, result)
	}
	return result, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, item *types.WorkItem, opts Options, result *Result) {
	workDir := d.workDir(ctx, item)
	agent, err := d.registry.Register(ctx, registry.RegisterOpts{
		Name:    "dispatch-" + item.ID,
		Project: item.ProjectID,
		Work:    item.Title,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: register failed: %v", item.ID, err))
		return
	}

	claimed, err := d.queue.Claim(ctx, item.ID, agent.SessionID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: claim failed: %v", item.ID, err))
		_ = d.registry.Deregister(ctx, agent.SessionID)
		return
	}
	if !claimed {
		result.Skipped = append(result.Skipped, Skipped{ItemID: item.ID, Reason: "already claimed"})
		_ = d.registry.Deregister(ctx, agent.SessionID)
		return
	}

	_ = d.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventDispatching,
		ActorID:    agent.SessionID,
		TargetID:   item.ID,
		TargetType: "work_item",
		Summary:    fmt.Sprintf("Dispatching %s: %s", item.ID, item.Title),
	})

	dispatched := Dispatched{
		ItemID:    item.ID,
		SessionID: agent.SessionID,
		Title:     item.Title,
		WorkDir:   workDir,
	}

	if opts.FireAndForget {
		pid, err := d.spawnDetached(agent, item, opts.Timeout)
		if err != nil {
			// Spawn failure is the creator's release path: put the item
			// back and retire the session.
			result.Errors = append(result.Errors, fmt.Sprintf("%s: spawn failed: %v", item.ID, err))
			if relErr := d.queue.Release(ctx, item.ID, agent.SessionID); relErr != nil {
				debug.Logf("failed to release %s after spawn failure: %v", item.ID, relErr)
			}
			_ = d.registry.Deregister(ctx, agent.SessionID)
			return
		}
		dispatched.PID = pid
		result.Dispatched = append(result.Dispatched, dispatched)
		return
	}

	if err := d.inline(ctx, agent.SessionID, item.ID, opts.Timeout); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: worker failed: %v", item.ID, err))
		return
	}
	result.Dispatched = append(result.Dispatched, dispatched)
}

// spawnDetached starts `<workerBin> worker ...` in its own session with
// stderr routed to the agent's log file, then releases the handle so the
// child outlives this process.
func (d *Dispatcher) spawnDetached(agent *types.Agent, item *types.WorkItem, timeout time.Duration) (int, error) {
	logPath := agent.LogPath()
	if logPath == "" {
		logPath = filepath.Join(os.TempDir(), agent.SessionID+".log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0750); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) // #nosec G302 G304
	if err != nil {
		return 0, fmt.Errorf("failed to open session log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{
		"worker",
		"--session-id", agent.SessionID,
		"--item-id", item.ID,
		"--timeout-ms", fmt.Sprintf("%d", timeout.Milliseconds()),
	}
	return spawn(d.workerBin, args, logFile)
}

// workDir resolves where the agent runs: the project checkout when known,
// else the home directory, else /tmp.
func (d *Dispatcher) workDir(ctx context.Context, item *types.WorkItem) string {
	if item.ProjectID != "" {
		project, err := d.store.GetProject(ctx, item.ProjectID)
		if err == nil && project.LocalPath != "" {
			return project.LocalPath
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}
