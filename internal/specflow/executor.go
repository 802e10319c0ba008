package specflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/paiworks/ivy/internal/launcher"
	"github.com/paiworks/ivy/internal/types"
)

// AgentExecutor runs each working phase by launching the coding agent in
// the feature's worktree with a phase-specific prompt.
type AgentExecutor struct {
	Launcher launcher.Launcher
}

func (e *AgentExecutor) Execute(ctx context.Context, f *types.Feature, ec ExecuteContext) (*ExecuteResult, error) {
	result, err := e.Launcher.Launch(ctx, launcher.Options{
		WorkDir:    ec.WorktreePath,
		Prompt:     phasePrompt(f),
		SessionID:  ec.SessionID,
		Timeout:    ec.Timeout,
		DisableMCP: true,
	})
	if err != nil {
		return nil, err
	}
	if result.TimedOut {
		return &ExecuteResult{Error: fmt.Sprintf("phase %s timed out", f.Phase)}, nil
	}
	if result.ExitCode != 0 {
		return &ExecuteResult{Error: fmt.Sprintf("phase agent exited %d", result.ExitCode)}, nil
	}
	return &ExecuteResult{Succeeded: true}, nil
}

func phasePrompt(f *types.Feature) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SpecFlow feature %s: %s\n", f.ID, f.Title)
	if f.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", f.Description)
	}
	b.WriteString("\n")
	switch f.Phase {
	case types.PhaseSpecifying:
		b.WriteString(`Run the specify phase: produce spec.md in the feature's .specify/specs directory.
Cover concrete requirements, scoped behavior, edge cases and acceptance criteria.`)
	case types.PhasePlanning:
		b.WriteString(`Run the plan phase: produce plan.md next to spec.md.
List ordered implementation steps, the components touched, the test strategy and risks.`)
	case types.PhaseTasking:
		b.WriteString(`Run the tasks phase: break plan.md into tasks.md, one actionable task per line.`)
	case types.PhaseImplementing:
		b.WriteString(`Run the implement phase: execute tasks.md in order, committing as you go.
Write tests alongside the implementation; run the project's test suite before finishing.`)
	case types.PhaseCompleting:
		b.WriteString(`Run the completion phase: verify all tasks are done, the tests pass,
and push the branch so a pull request can be opened.`)
	default:
		fmt.Fprintf(&b, "Run the %s phase for this feature.", f.Phase)
	}
	b.WriteString("\n\nExit non-zero if the phase cannot be completed.")
	return b.String()
}
