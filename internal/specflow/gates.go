package specflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paiworks/ivy/internal/types"
)

// Files that never count as implementation for the code gate.
var codeGateExclusions = []string{
	".specify/",
	"CHANGELOG.md",
	"Plans/",
	"docs/",
	"README.md",
	".claude/",
	"verify.md",
	".specflow/",
}

// checkGate evaluates the gate guarding the feature's current working
// phase. Pass moves the feature to its resting phase; fail counts a
// failure and returns it to pending for another attempt.
func (o *Orchestrator) checkGate(ctx context.Context, f *types.Feature, gate string) error {
	passed, detail, err := o.evaluateGate(ctx, f, gate)
	if err != nil {
		return err
	}
	if passed {
		return o.gatePassed(ctx, f, gate, detail)
	}
	return o.gateFailed(ctx, f, gate, detail)
}

func (o *Orchestrator) evaluateGate(ctx context.Context, f *types.Feature, gate string) (bool, string, error) {
	switch gate {
	case GatePass:
		return true, "auto-pass", nil
	case GateArtifact:
		return o.artifactGate(ctx, f)
	case GateQuality:
		return o.qualityGate(ctx, f)
	case GateCode:
		return o.codeGate(f)
	default:
		return false, "", fmt.Errorf("unknown gate %q for phase %s", gate, f.Phase)
	}
}

// qualityGate scores the phase artifact against its rubric and persists
// the score on the feature.
func (o *Orchestrator) qualityGate(ctx context.Context, f *types.Feature) (bool, string, error) {
	var artifact, rubric, scoreColumn string
	switch f.Phase {
	case types.PhaseSpecifying:
		artifact = "spec.md"
		rubric = "A complete feature specification: concrete requirements, scoped behavior, edge cases, acceptance criteria."
		scoreColumn = "specify_score"
	case types.PhasePlanning:
		artifact = "plan.md"
		rubric = "An actionable implementation plan: ordered steps, touched components, test strategy, risks."
		scoreColumn = "plan_score"
	default:
		return false, "", fmt.Errorf("quality gate has no artifact for phase %s", f.Phase)
	}

	project, err := o.store.GetProject(ctx, f.ProjectID)
	if err != nil {
		return false, "", err
	}
	specDir := o.specDir(f, project.LocalPath)
	if specDir == "" {
		return false, fmt.Sprintf("no spec directory found for %s", f.ID), nil
	}
	content, err := os.ReadFile(filepath.Join(specDir, artifact))
	if err != nil {
		return false, fmt.Sprintf("%s missing: %v", artifact, err), nil
	}

	score, err := o.scorer.Score(ctx, rubric, string(content))
	if err != nil {
		return false, "", err
	}
	if err := o.store.UpdateFeature(ctx, f.ID, map[string]any{scoreColumn: score}); err != nil {
		return false, "", err
	}

	detail := fmt.Sprintf("%s scored %.2f (threshold %.2f)", artifact, score, o.cfg.QualityThreshold)
	return score >= o.cfg.QualityThreshold, detail, nil
}

// artifactGate requires tasks.md in the feature's spec directory.
func (o *Orchestrator) artifactGate(ctx context.Context, f *types.Feature) (bool, string, error) {
	project, err := o.store.GetProject(ctx, f.ProjectID)
	if err != nil {
		return false, "", err
	}
	specDir := o.specDir(f, project.LocalPath)
	if specDir == "" {
		return false, fmt.Sprintf("no spec directory found for %s", f.ID), nil
	}
	p := filepath.Join(specDir, "tasks.md")
	if _, err := os.Stat(p); err != nil {
		return false, "tasks.md not found", nil
	}
	return true, "tasks.md present", nil
}

// codeGate requires at least one changed file outside the exclusion list
// between the feature branch and the main branch. Tests count as code.
func (o *Orchestrator) codeGate(f *types.Feature) (bool, string, error) {
	if f.WorktreePath == "" {
		return false, "no worktree recorded", nil
	}
	mainBranch := f.MainBranch
	if mainBranch == "" {
		mainBranch = "main"
	}
	changed, err := o.workspaces.ChangedFiles(f.WorktreePath, mainBranch)
	if err != nil {
		return false, "", err
	}
	var code []string
	for _, file := range changed {
		if !excludedFromCodeGate(file) {
			code = append(code, file)
		}
	}
	if len(code) == 0 {
		return false, fmt.Sprintf("no implementation files changed (%d excluded)", len(changed)), nil
	}
	return true, fmt.Sprintf("%d implementation file(s) changed", len(code)), nil
}

func excludedFromCodeGate(file string) bool {
	file = filepath.ToSlash(file)
	for _, ex := range codeGateExclusions {
		if strings.HasSuffix(ex, "/") {
			if strings.HasPrefix(file, ex) {
				return true
			}
		} else if file == ex {
			return true
		}
	}
	return false
}

func (o *Orchestrator) gatePassed(ctx context.Context, f *types.Feature, gate, detail string) error {
	next := CompletedPhase[f.Phase]
	if next == "" {
		return fmt.Errorf("phase %s has no completed phase", f.Phase)
	}
	err := o.store.UpdateFeature(ctx, f.ID, map[string]any{
		"phase":      next,
		"status":     types.FeaturePending,
		"last_error": "",
	})
	if err != nil {
		return err
	}
	return o.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventGatePassed,
		ActorID:    o.sessionID,
		TargetID:   f.ID,
		TargetType: "feature",
		Summary:    fmt.Sprintf("Feature %s passed %s gate: %s", f.ID, gate, detail),
	})
}

func (o *Orchestrator) gateFailed(ctx context.Context, f *types.Feature, gate, detail string) error {
	err := o.store.UpdateFeature(ctx, f.ID, map[string]any{
		"status":        types.FeaturePending,
		"failure_count": f.FailureCount + 1,
		"last_error":    fmt.Sprintf("%s gate failed: %s", gate, detail),
	})
	if err != nil {
		return err
	}
	return o.store.AppendEvent(ctx, &types.Event{
		EventType:  types.EventGateFailed,
		ActorID:    o.sessionID,
		TargetID:   f.ID,
		TargetType: "feature",
		Summary:    fmt.Sprintf("Feature %s failed %s gate: %s", f.ID, gate, detail),
	})
}
