package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/config"
	"github.com/paiworks/ivy/internal/debug"
	"github.com/paiworks/ivy/internal/dispatch"
	"github.com/paiworks/ivy/internal/registry"
	"github.com/paiworks/ivy/internal/specflow"
	"github.com/paiworks/ivy/internal/ui"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one orchestration pass",
	Long: `Run one orchestration pass: sweep stale agents, dispatch available
work, and advance SpecFlow features.

This is what 'ivy serve' runs on its interval; exposing it directly
supports cron-style scheduling.

Examples:
  ivy tick
  ivy tick --dry-run`,
	RunE: runTick,
}

// tickReport aggregates the three sub-passes for --json consumers.
type tickReport struct {
	Timestamp time.Time             `json:"timestamp"`
	Sweep     *registry.SweepResult `json:"sweep"`
	Dispatch  *dispatch.Result      `json:"dispatch"`
	SpecFlow  *specflow.TickResult  `json:"specflow"`
}

func init() {
	tickCmd.Flags().BoolVar(&dispatchDryRun, "dry-run", false, "report without claiming or spawning")
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, args []string) error {
	report, err := oneTick(cmd.Context(), true)
	if err != nil {
		return err
	}
	return printTickReport(report)
}

// oneTick runs sweep, dispatch and the feature orchestrator under a
// heartbeat session. releaseOrphans is true on the first pass of a
// process; the serve loop passes it only once.
func oneTick(ctx context.Context, releaseOrphans bool) (*tickReport, error) {
	report := &tickReport{Timestamp: time.Now().UTC()}
	reg := newRegistry()
	q := newQueue()

	agent, err := reg.Register(ctx, registry.RegisterOpts{
		Name: config.OrchestratorAgentName(),
		Work: "orchestration tick",
	})
	if err != nil {
		return nil, err
	}
	sessionID := agent.SessionID
	defer func() {
		if err := reg.Deregister(ctx, sessionID); err != nil {
			debug.Logf("failed to retire tick session: %v", err)
		}
	}()

	report.Sweep, err = reg.SweepStale(ctx)
	if err != nil {
		return nil, fmt.Errorf("stale sweep failed: %w", err)
	}

	d, err := newDispatcher(q)
	if err != nil {
		return nil, err
	}
	report.Dispatch, err = d.Run(ctx, dispatchOptions())
	if err != nil {
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}

	orch := newOrchestrator(q, sessionID)
	if releaseOrphans {
		if _, err := orch.ReleaseOrphaned(ctx); err != nil {
			return nil, fmt.Errorf("orphan release failed: %w", err)
		}
	}
	report.SpecFlow, err = orch.Tick(ctx)
	if err != nil {
		return nil, fmt.Errorf("feature tick failed: %w", err)
	}
	return report, nil
}

func printTickReport(report *tickReport) error {
	if jsonOutput() {
		return ui.PrintJSON(report)
	}
	if n := len(report.Sweep.Swept); n > 0 {
		fmt.Printf("Swept %d stale session(s)\n", n)
	}
	if err := printDispatchResult(report.Dispatch); err != nil {
		return err
	}
	sf := report.SpecFlow
	fmt.Printf("Features: %d checked, %d step(s) advanced, %d released\n",
		sf.FeaturesChecked, sf.FeaturesAdvanced, sf.Released)
	for _, e := range sf.Errors {
		fmt.Println(ui.ErrStyle.Render("feature error: " + e))
	}
	return nil
}
