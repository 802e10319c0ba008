package specflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paiworks/ivy/internal/debug"
	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/workspace"
)

const maxDrainIterations = 10

// ExecuteContext is what a phase executor gets to work with.
type ExecuteContext struct {
	WorktreePath string
	ProjectPath  string
	SessionID    string
	Timeout      time.Duration
}

// ExecuteResult reports one phase run. PR and commit refs are copied onto
// the feature when present.
type ExecuteResult struct {
	Succeeded bool
	Error     string
	PRNumber  int
	PRURL     string
	CommitSHA string
}

// PhaseExecutor runs one working phase of a feature. Executors are
// external collaborators (agent launches, CLI invocations); the
// orchestrator only consumes the result.
type PhaseExecutor interface {
	Execute(ctx context.Context, f *types.Feature, ec ExecuteContext) (*ExecuteResult, error)
}

// Config tunes one orchestrator instance.
type Config struct {
	MaxConcurrent    int
	Timeouts         Timeouts
	QualityThreshold float64
	PhaseTimeout     time.Duration // passed to executors
}

// DefaultConfig matches the operational defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    3,
		Timeouts:         DefaultTimeouts(),
		QualityThreshold: 0.7,
		PhaseTimeout:     20 * time.Minute,
	}
}

// TickResult summarizes one orchestrator pass.
type TickResult struct {
	Timestamp        time.Time `json:"timestamp"`
	FeaturesChecked  int       `json:"features_checked"`
	FeaturesAdvanced int       `json:"features_advanced"`
	Released         int       `json:"released"`
	Errors           []string  `json:"errors,omitempty"`
}

// Orchestrator advances SpecFlow features through the phase machine.
type Orchestrator struct {
	store      storage.Storage
	workspaces *workspace.Manager
	executor   PhaseExecutor
	scorer     Scorer
	cfg        Config
	sessionID  string
	now        func() time.Time
}

// New builds an orchestrator. sessionID identifies the tick process in
// feature rows and events.
func New(store storage.Storage, ws *workspace.Manager, exec PhaseExecutor, scorer Scorer, cfg Config, sessionID string) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = 0.7
	}
	if cfg.Timeouts.Default == 0 && cfg.Timeouts.PerPhase == nil {
		cfg.Timeouts = DefaultTimeouts()
	}
	return &Orchestrator{
		store:      store,
		workspaces: ws,
		executor:   exec,
		scorer:     scorer,
		cfg:        cfg,
		sessionID:  sessionID,
		now:        time.Now,
	}
}

// ReleaseOrphaned resets active features left behind by a dead process.
// Call once at service start; a second call is a no-op.
func (o *Orchestrator) ReleaseOrphaned(ctx context.Context) (int, error) {
	n, err := o.store.ReleaseOrphanedFeatures(ctx, "Released: server restarted while phase was active")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		_ = o.store.AppendEvent(ctx, &types.Event{
			EventType:  types.EventFeatureReleased,
			ActorID:    o.sessionID,
			TargetType: "feature",
			Summary:    fmt.Sprintf("Released %d orphaned feature(s) on startup", n),
		})
	}
	return n, nil
}

// Tick runs one orchestration pass: release stale sessions, then drain
// each actionable feature through its zero-cost transitions.
func (o *Orchestrator) Tick(ctx context.Context) (*TickResult, error) {
	res := &TickResult{Timestamp: o.now().UTC()}

	features, err := o.actionable(ctx)
	if err != nil {
		return nil, err
	}

	// Release pass first so freed features are drainable below.
	for _, f := range features {
		action := DetermineAction(f, o.cfg.Timeouts, o.now())
		if action.Kind == ActionRelease {
			if err := o.release(ctx, f, action.Reason); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", f.ID, err))
			} else {
				res.Released++
			}
		}
	}

	features, err = o.actionable(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range features {
		res.FeaturesChecked++
		advanced, err := o.drain(ctx, f.ID)
		res.FeaturesAdvanced += advanced
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", f.ID, err))
			o.recover(ctx, f.ID, err)
		}
	}
	return res, nil
}

// RunPhaseItem drives one feature on behalf of a claimed work item. The
// worker's session, not the tick session, owns the feature while it runs.
func (o *Orchestrator) RunPhaseItem(ctx context.Context, meta *types.SpecFlowMeta, sessionID string) error {
	sub := *o
	sub.sessionID = sessionID
	if _, err := o.store.GetFeature(ctx, meta.FeatureID); err != nil {
		return fmt.Errorf("failed to load feature %s: %w", meta.FeatureID, err)
	}
	advanced, err := sub.drain(ctx, meta.FeatureID)
	if err != nil {
		sub.recover(ctx, meta.FeatureID, err)
		return err
	}
	debug.Logf("phase item for %s advanced %d step(s)", meta.FeatureID, advanced)
	return nil
}

func (o *Orchestrator) actionable(ctx context.Context) ([]*types.Feature, error) {
	return o.store.ListFeatures(ctx, storage.FeatureFilter{
		Workable: true,
		Limit:    o.cfg.MaxConcurrent,
	})
}

// drain repeatedly acts on one feature, re-reading it from the store
// between steps, until an action blocks further progress this tick.
// Returns the number of state-changing steps taken.
func (o *Orchestrator) drain(ctx context.Context, featureID string) (advanced int, err error) {
	for i := 0; i < maxDrainIterations; i++ {
		f, err := o.store.GetFeature(ctx, featureID)
		if err != nil {
			return advanced, err
		}
		action := DetermineAction(f, o.cfg.Timeouts, o.now())
		debug.Logf("feature %s (%s/%s): %s %s", f.ID, f.Phase, f.Status, action.Kind, action.Reason)

		switch action.Kind {
		case ActionWait:
			return advanced, nil

		case ActionFail:
			return advanced, o.fail(ctx, f, action.Reason)

		case ActionRelease:
			if err := o.release(ctx, f, action.Reason); err != nil {
				return advanced, err
			}
			advanced++

		case ActionAdvance:
			if err := o.advance(ctx, f, action.To); err != nil {
				return advanced, err
			}
			advanced++

		case ActionCheckGate:
			if err := o.checkGate(ctx, f, action.Gate); err != nil {
				return advanced, err
			}
			advanced++

		case ActionRunPhase:
			ok, err := o.runPhase(ctx, f)
			if err != nil {
				return advanced, err
			}
			if !ok {
				return advanced, nil
			}
			advanced++
			// Gate check happens on the next iteration without waiting
			// for another tick.

		default:
			return advanced, fmt.Errorf("unknown action %q", action.Kind)
		}
	}
	return advanced, nil
}

// recover resets a feature whose drain step blew up so a later tick can
// retry it.
func (o *Orchestrator) recover(ctx context.Context, featureID string, cause error) {
	f, err := o.store.GetFeature(ctx, featureID)
	if err != nil {
		return
	}
	updates := map[string]any{
		"failure_count":   f.FailureCount + 1,
		"last_error":      cause.Error(),
		"current_session": "",
	}
	if f.Status == types.FeatureActive {
		updates["status"] = types.FeaturePending
	}
	if err := o.store.UpdateFeature(ctx, featureID, updates); err != nil {
		debug.Logf("failed to recover feature %s: %v", featureID, err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, f *types.Feature, reason string) error {
	err := o.store.UpdateFeature(ctx, f.ID, map[string]any{
		"phase":           types.PhaseFailed,
		"status":          types.FeatureFailed,
		"current_session": "",
		"last_error":      reason,
	})
	if err != nil {
		return err
	}
	return o.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventPhaseCompleted,
		ActorID:    o.sessionID,
		TargetID:   f.ID,
		TargetType: "feature",
		Summary:    fmt.Sprintf("Feature %s failed: %s", f.ID, reason),
	})
}

func (o *Orchestrator) release(ctx context.Context, f *types.Feature, reason string) error {
	err := o.store.UpdateFeature(ctx, f.ID, map[string]any{
		"status":          types.FeaturePending,
		"current_session": "",
		"failure_count":   f.FailureCount + 1,
		"last_error":      fmt.Sprintf("Released: %s", reason),
	})
	if err != nil {
		return err
	}
	return o.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventFeatureReleased,
		ActorID:    o.sessionID,
		TargetID:   f.ID,
		TargetType: "feature",
		Summary:    fmt.Sprintf("Released feature %s in phase %s: %s", f.ID, f.Phase, reason),
	})
}

func (o *Orchestrator) advance(ctx context.Context, f *types.Feature, to string) error {
	err := o.store.UpdateFeature(ctx, f.ID, map[string]any{
		"phase":  to,
		"status": types.FeaturePending,
	})
	if err != nil {
		return err
	}
	return o.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventPhaseStarted,
		ActorID:    o.sessionID,
		TargetID:   f.ID,
		TargetType: "feature",
		Summary:    fmt.Sprintf("Feature %s advanced %s -> %s", f.ID, f.Phase, to),
	})
}

// runPhase prepares the workspace, marks the feature active and hands it
// to the executor. Returns false when the run failed and the feature was
// reset to pending.
func (o *Orchestrator) runPhase(ctx context.Context, f *types.Feature) (bool, error) {
	project, err := o.store.GetProject(ctx, f.ProjectID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve project %s: %w", f.ProjectID, err)
	}
	if project.LocalPath == "" {
		return false, fmt.Errorf("project %s has no local_path", f.ProjectID)
	}

	path, branch, err := o.setupWorkspace(ctx, f, project.LocalPath)
	if err != nil {
		return false, err
	}

	now := o.now().UTC()
	err = o.store.UpdateFeature(ctx, f.ID, map[string]any{
		"status":           types.FeatureActive,
		"current_session":  o.sessionID,
		"phase_started_at": now,
		"worktree_path":    path,
		"branch_name":      branch,
	})
	if err != nil {
		return false, err
	}
	_ = o.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventPhaseStarted,
		ActorID:    o.sessionID,
		TargetID:   f.ID,
		TargetType: "feature",
		Summary:    fmt.Sprintf("Feature %s started phase %s", f.ID, f.Phase),
	})

	result, err := o.executor.Execute(ctx, f, ExecuteContext{
		WorktreePath: path,
		ProjectPath:  project.LocalPath,
		SessionID:    o.sessionID,
		Timeout:      o.cfg.PhaseTimeout,
	})
	if err != nil {
		return false, err
	}

	if !result.Succeeded {
		err := o.store.UpdateFeature(ctx, f.ID, map[string]any{
			"status":          types.FeaturePending,
			"current_session": "",
			"failure_count":   f.FailureCount + 1,
			"last_error":      result.Error,
		})
		if err != nil {
			return false, err
		}
		_ = o.store.AppendEvent(ctx, &types.Event{
			EventType:  types.EventPhaseCompleted,
			ActorID:    o.sessionID,
			TargetID:   f.ID,
			TargetType: "feature",
			Summary:    fmt.Sprintf("Feature %s phase %s failed: %s", f.ID, f.Phase, result.Error),
		})
		return false, nil
	}

	updates := map[string]any{
		"status":          types.FeatureSucceeded,
		"current_session": "",
	}
	if result.PRNumber > 0 {
		updates["pr_number"] = result.PRNumber
	}
	if result.PRURL != "" {
		updates["pr_url"] = result.PRURL
	}
	if result.CommitSHA != "" {
		updates["commit_sha"] = result.CommitSHA
	}
	if err := o.store.UpdateFeature(ctx, f.ID, updates); err != nil {
		return false, err
	}
	_ = o.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventPhaseCompleted,
		ActorID:    o.sessionID,
		TargetID:   f.ID,
		TargetType: "feature",
		Summary:    fmt.Sprintf("Feature %s completed phase %s", f.ID, f.Phase),
	})
	return true, nil
}

// setupWorkspace prepares the feature's worktree and links the SpecFlow
// state directories into it.
func (o *Orchestrator) setupWorkspace(ctx context.Context, f *types.Feature, projectPath string) (string, string, error) {
	branch := f.BranchName
	if branch == "" {
		branch = "specflow-" + strings.ToLower(f.ID)
	}

	var path string
	var err error
	if f.WorktreePath != "" {
		path, err = o.workspaces.Ensure(ctx, projectPath, f.WorktreePath, branch)
	} else {
		path, err = o.workspaces.Create(ctx, projectPath, branch, f.ProjectID)
	}
	if err != nil {
		return "", "", err
	}

	// The .specflow state dir is shared with the external phase CLI; the
	// workspace must see the same files as the project root.
	if err := linkOrCopy(filepath.Join(projectPath, ".specflow"), filepath.Join(path, ".specflow")); err != nil {
		debug.Logf("failed to link .specflow into %s: %v", path, err)
	}
	if specDir := o.specDir(f, projectPath); specDir != "" {
		target := filepath.Join(path, ".specify", "specs", filepath.Base(specDir))
		if err := linkOrCopy(specDir, target); err != nil {
			debug.Logf("failed to link spec dir into %s: %v", path, err)
		}
	}
	return path, branch, nil
}

// specDir locates the feature's spec directory under .specify/specs. The
// feature id is normally the directory name prefix; when nothing matches,
// the external CLI's features.toml holds the canonical spec_path.
func (o *Orchestrator) specDir(f *types.Feature, projectPath string) string {
	specsRoot := filepath.Join(projectPath, ".specify", "specs")
	entries, err := os.ReadDir(specsRoot)
	if err == nil {
		prefix := strings.ToLower(f.ID)
		for _, e := range entries {
			if e.IsDir() && strings.HasPrefix(strings.ToLower(e.Name()), prefix) {
				return filepath.Join(specsRoot, e.Name())
			}
		}
	}
	if p := specPathFromManifest(filepath.Join(projectPath, ".specflow", "features.toml"), f.ID); p != "" {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(projectPath, p)
	}
	return ""
}

// linkOrCopy symlinks src to dst, copying recursively on filesystems or
// platforms where the symlink fails. Existing destinations are left as is.
func linkOrCopy(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Symlink(src, dst); err == nil {
		return nil
	}
	return copyTree(src, dst)
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
