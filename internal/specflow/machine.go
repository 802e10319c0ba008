// Package specflow advances features through the phase state machine:
// queued, then specify/plan/task/implement/complete pairs of working and
// resting phases, ending in completed or failed.
package specflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/paiworks/ivy/internal/types"
)

// Gate kinds.
const (
	GateQuality  = "quality"
	GateArtifact = "artifact"
	GateCode     = "code"
	GatePass     = "pass"
)

// AdvanceMap moves a resting phase to the next working phase.
var AdvanceMap = map[string]string{
	types.PhaseQueued:      types.PhaseSpecifying,
	types.PhaseSpecified:   types.PhasePlanning,
	types.PhasePlanned:     types.PhaseTasking,
	types.PhaseTasked:      types.PhaseImplementing,
	types.PhaseImplemented: types.PhaseCompleting,
}

// GateMap names the gate that guards each working phase's completion.
var GateMap = map[string]string{
	types.PhaseSpecifying:   GateQuality,
	types.PhasePlanning:     GateQuality,
	types.PhaseTasking:      GateArtifact,
	types.PhaseImplementing: GateCode,
	types.PhaseCompleting:   GatePass,
}

// CompletedPhase maps each working phase to its resting successor.
var CompletedPhase = map[string]string{
	types.PhaseSpecifying:   types.PhaseSpecified,
	types.PhasePlanning:     types.PhasePlanned,
	types.PhaseTasking:      types.PhaseTasked,
	types.PhaseImplementing: types.PhaseImplemented,
	types.PhaseCompleting:   types.PhaseCompleted,
}

// Action kinds returned by DetermineAction.
const (
	ActionWait      = "wait"
	ActionFail      = "fail"
	ActionRelease   = "release"
	ActionAdvance   = "advance"
	ActionCheckGate = "check-gate"
	ActionRunPhase  = "run-phase"
)

// Action is the single next step for a feature.
type Action struct {
	Kind   string
	Reason string
	From   string // advance
	To     string // advance
	Gate   string // check-gate
}

// Timeouts holds the per-phase staleness windows for active sessions.
type Timeouts struct {
	Default  time.Duration
	PerPhase map[string]time.Duration
}

// For returns the timeout for a phase.
func (t Timeouts) For(phase string) time.Duration {
	if d, ok := t.PerPhase[phase]; ok {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return 20 * time.Minute
}

// DefaultTimeouts matches the operational defaults: implementation runs
// long, everything else should finish quickly.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default: 20 * time.Minute,
		PerPhase: map[string]time.Duration{
			types.PhaseImplementing: 180 * time.Minute,
		},
	}
}

// DetermineAction is the pure decision table for one feature. Evaluated
// top to bottom, first match wins.
func DetermineAction(f *types.Feature, timeouts Timeouts, now time.Time) Action {
	switch {
	case f.Terminal():
		return Action{Kind: ActionWait, Reason: "terminal state"}

	case f.Status == types.FeatureBlocked:
		return Action{Kind: ActionWait, Reason: "blocked"}

	case f.FailureCount >= f.MaxFailures:
		return Action{
			Kind:   ActionFail,
			Reason: fmt.Sprintf("max failures exceeded (%d/%d)", f.FailureCount, f.MaxFailures),
		}

	case f.CurrentSession != "" && f.Status == types.FeatureActive &&
		stale(f.PhaseStartedAt, timeouts.For(f.Phase), now):
		return Action{Kind: ActionRelease, Reason: "phase timeout exceeded"}

	case f.CurrentSession != "" && f.Status == types.FeatureActive:
		return Action{Kind: ActionWait, Reason: "session active"}

	case strings.HasSuffix(f.Phase, "ing") && f.Status == types.FeatureSucceeded:
		return Action{Kind: ActionCheckGate, Gate: GateMap[f.Phase]}

	case f.Status == types.FeaturePending && strings.HasSuffix(f.Phase, "ed") && AdvanceMap[f.Phase] != "":
		return Action{Kind: ActionAdvance, From: f.Phase, To: AdvanceMap[f.Phase]}

	case f.Status == types.FeaturePending:
		return Action{Kind: ActionRunPhase}

	default:
		return Action{Kind: ActionWait, Reason: "no action available"}
	}
}

// stale reports whether an active phase has run past its window. A
// missing start time is always stale: the session that set active died
// before recording it.
func stale(startedAt *time.Time, window time.Duration, now time.Time) bool {
	if startedAt == nil {
		return true
	}
	return now.Sub(*startedAt) > window
}
