// Package worker executes the complete lifecycle of one claimed work
// item: workspace setup, agent launch, post-processing pipeline and
// guaranteed cleanup.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/paiworks/ivy/internal/debug"
	"github.com/paiworks/ivy/internal/launcher"
	"github.com/paiworks/ivy/internal/queue"
	"github.com/paiworks/ivy/internal/registry"
	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/vcs"
	"github.com/paiworks/ivy/internal/workspace"
)

// PhaseDelegate runs a SpecFlow phase work item. Bound to the specflow
// package at wiring time; an interface here avoids the import cycle.
type PhaseDelegate interface {
	RunPhaseItem(ctx context.Context, meta *types.SpecFlowMeta, sessionID string) error
}

// Notifier mirrors completion state back to an external tracker (Tana).
// All calls are best effort.
type Notifier interface {
	AddNote(ctx context.Context, nodeID, note string) error
	CheckNode(ctx context.Context, nodeID string) error
}

// Deps carries the collaborators one worker needs.
type Deps struct {
	Store      storage.Storage
	Queue      *queue.Queue
	Registry   *registry.Registry
	Workspaces *workspace.Manager
	Launcher   launcher.Launcher
	// HostFor resolves the VCS host for a repo checkout; defaults to
	// origin-URL detection.
	HostFor func(repoPath string) (vcs.Host, error)
	// SpecFlow handles phase items; nil fails them back to available.
	SpecFlow PhaseDelegate
	// Tana is optional; nil disables write-back.
	Tana Notifier
	// CommenterTimeout bounds the non-fatal issue-comment sub-agent.
	CommenterTimeout time.Duration
}

func (d *Deps) hostFor(repoPath string) (vcs.Host, error) {
	if d.HostFor != nil {
		return d.HostFor(repoPath)
	}
	return vcs.Detect(repoPath, 30*time.Second)
}

func (d *Deps) commenterTimeout() time.Duration {
	if d.CommenterTimeout > 0 {
		return d.CommenterTimeout
	}
	return 2 * time.Minute
}

// Worker drives one work item to completion.
type Worker struct {
	deps      Deps
	sessionID string
	timeout   time.Duration
	started   time.Time
	item      *types.WorkItem
	completed bool
}

// Run executes the full lifecycle of the item under the session. It is
// the entry point for both inline dispatch and the detached `ivy worker`
// process.
func Run(ctx context.Context, deps Deps, sessionID, itemID string, timeout time.Duration) error {
	w := &Worker{deps: deps, sessionID: sessionID, timeout: timeout, started: time.Now()}
	return w.run(ctx, itemID)
}

func (w *Worker) run(ctx context.Context, itemID string) error {
	// Adopt the agent row: a detached worker has a different pid than the
	// dispatcher that registered the session, and the stale sweep probes
	// the recorded pid.
	err := w.deps.Store.UpdateAgent(ctx, w.sessionID, map[string]any{
		"pid":          os.Getpid(),
		"last_seen_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to adopt agent session: %w", err)
	}

	item, err := w.deps.Store.GetWorkItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to load work item: %w", err)
	}
	if item.Status == types.ItemAvailable {
		// Direct invocation without a dispatcher: claim it ourselves.
		ok, err := w.deps.Queue.Claim(ctx, itemID, w.sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("work item %s was claimed by another session", itemID)
		}
		item, err = w.deps.Store.GetWorkItem(ctx, itemID)
		if err != nil {
			return err
		}
	}
	if item.ClaimedBy != w.sessionID {
		return fmt.Errorf("work item %s is claimed by %s, not this session", itemID, item.ClaimedBy)
	}
	w.item = item

	stopKeepalive := w.startKeepalive(ctx)
	defer func() {
		stopKeepalive()
		w.cleanup(ctx)
	}()

	return w.runPipeline(ctx)
}

// startKeepalive heartbeats every minute so the stale sweep leaves this
// session alone while the agent works.
func (w *Worker) startKeepalive(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := int(time.Since(w.started).Seconds())
				err := w.deps.Registry.Heartbeat(ctx, registry.HeartbeatOpts{
					SessionID:  w.sessionID,
					Progress:   fmt.Sprintf("Working on %q (%ds)", w.item.Title, elapsed),
					WorkItemID: w.item.ID,
				})
				if err != nil {
					debug.Logf("keepalive heartbeat failed: %v", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

// runPipeline selects the post-processing pipeline by metadata variant;
// first match wins.
func (w *Worker) runPipeline(ctx context.Context) error {
	item := w.item
	if meta, ok := types.ParseSpecFlow(item.Metadata); ok && item.Source == types.SourceSpecFlow {
		return w.runSpecFlow(ctx, meta)
	}
	if meta, ok := types.ParseMergeFix(item.Metadata); ok {
		return w.runMergeFix(ctx, meta)
	}
	if meta, ok := types.ParseGitHubIssue(item.Metadata); ok {
		return w.runIssueFix(ctx, meta)
	}
	if meta, ok := types.ParseReview(item); ok {
		return w.runReview(ctx, meta)
	}
	if meta, ok := types.ParseRework(item.Metadata); ok {
		return w.runRework(ctx, meta)
	}
	if meta, ok := types.ParsePRMerge(item.Metadata); ok {
		return w.runPRMerge(ctx, meta)
	}
	return w.runPlain(ctx)
}

// runSpecFlow delegates a feature-phase item to the orchestrator.
func (w *Worker) runSpecFlow(ctx context.Context, meta *types.SpecFlowMeta) error {
	if w.deps.SpecFlow == nil {
		return fmt.Errorf("no phase delegate configured for feature %s", meta.FeatureID)
	}
	if err := w.deps.SpecFlow.RunPhaseItem(ctx, meta, w.sessionID); err != nil {
		w.emitFailure(ctx, fmt.Sprintf("SpecFlow phase %s failed for %s: %v",
			meta.Phase, meta.FeatureID, err))
		return err
	}
	w.complete(ctx)
	return nil
}

// runPlain launches the agent with a generic prompt and maps the exit
// code straight onto the item outcome.
func (w *Worker) runPlain(ctx context.Context) error {
	workDir := w.projectPath(ctx)
	result, err := w.deps.Launcher.Launch(ctx, launcher.Options{
		WorkDir:    workDir,
		Prompt:     plainPrompt(w.item, w.sessionID),
		SessionID:  w.sessionID,
		Timeout:    w.timeout,
		DisableMCP: true,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		w.emitFailure(ctx, fmt.Sprintf("Agent exited %d on %s", result.ExitCode, w.item.ID))
		return nil
	}
	w.complete(ctx)
	return nil
}

// complete marks the item completed; the cleanup path sees completed=true
// and skips the release.
func (w *Worker) complete(ctx context.Context) {
	if err := w.deps.Queue.Complete(ctx, w.item.ID, w.sessionID); err != nil {
		debug.Logf("failed to complete %s: %v", w.item.ID, err)
		return
	}
	w.completed = true
}

func (w *Worker) emitFailure(ctx context.Context, summary string) {
	_ = w.deps.Store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventItemFailed,
		ActorID:    w.sessionID,
		TargetID:   w.item.ID,
		TargetType: "work_item",
		Summary:    summary,
	})
}

func (w *Worker) emit(ctx context.Context, eventType, targetID, summary string) {
	_ = w.deps.Store.AppendEvent(ctx, &types.Event{
		EventType:  eventType,
		ActorID:    w.sessionID,
		TargetID:   targetID,
		TargetType: "work_item",
		Summary:    summary,
	})
}

// cleanup is the unconditional tail of every worker: release the item if
// it was not completed, then retire the session. Failures are recorded
// and never override the pipeline outcome.
func (w *Worker) cleanup(ctx context.Context) {
	if !w.completed {
		if err := w.deps.Queue.Release(ctx, w.item.ID, w.sessionID); err != nil &&
			!errors.Is(err, storage.ErrNotFound) {
			debug.Logf("cleanup release of %s failed: %v", w.item.ID, err)
		}
	}
	if err := w.deps.Registry.Deregister(ctx, w.sessionID); err != nil {
		debug.Logf("cleanup deregister of %s failed: %v", w.sessionID, err)
	}
}

// projectPath resolves the parent repo path for the item's project; empty
// when the item is general.
func (w *Worker) projectPath(ctx context.Context) string {
	if w.item.ProjectID == "" {
		return homeOrTmp()
	}
	project, err := w.deps.Store.GetProject(ctx, w.item.ProjectID)
	if err != nil || project.LocalPath == "" {
		return homeOrTmp()
	}
	return project.LocalPath
}

func homeOrTmp() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}
