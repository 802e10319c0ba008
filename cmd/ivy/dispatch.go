package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/config"
	"github.com/paiworks/ivy/internal/dispatch"
	"github.com/paiworks/ivy/internal/ui"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch available work items to workers",
	Long: `Dispatch available work items to workers.

Each dispatched item gets a registered session and a detached worker
process; the concurrency limit counts live worker sessions, never the
orchestrator's own heartbeat session.

Examples:
  ivy dispatch
  ivy dispatch --dry-run
  ivy dispatch --max-concurrent 3 --max-items 2 --priority P1
  ivy dispatch --inline          # run workers in-process (debugging)`,
	RunE: runDispatch,
}

var (
	dispatchMaxConcurrent int
	dispatchMaxItems      int
	dispatchPriority      string
	dispatchProject       string
	dispatchDryRun        bool
	dispatchInline        bool
	dispatchTimeoutMin    int
)

func init() {
	dispatchCmd.Flags().IntVar(&dispatchMaxConcurrent, "max-concurrent", 0, "worker concurrency limit")
	dispatchCmd.Flags().IntVar(&dispatchMaxItems, "max-items", 0, "items dispatched per run")
	dispatchCmd.Flags().StringVar(&dispatchPriority, "priority", "", "only dispatch this priority")
	dispatchCmd.Flags().StringVar(&dispatchProject, "project", "", "only dispatch this project")
	dispatchCmd.Flags().BoolVar(&dispatchDryRun, "dry-run", false, "report what would dispatch without claiming")
	dispatchCmd.Flags().BoolVar(&dispatchInline, "inline", false, "run workers in-process instead of detached")
	dispatchCmd.Flags().IntVar(&dispatchTimeoutMin, "timeout-min", 0, "worker timeout in minutes")
	rootCmd.AddCommand(dispatchCmd)
}

func dispatchOptions() dispatch.Options {
	maxConcurrent := dispatchMaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = config.GetInt("dispatch.max-concurrent")
	}
	maxItems := dispatchMaxItems
	if maxItems <= 0 {
		maxItems = config.GetInt("dispatch.max-items")
	}
	timeoutMin := dispatchTimeoutMin
	if timeoutMin <= 0 {
		timeoutMin = config.GetInt("dispatch.timeout-min")
	}
	return dispatch.Options{
		MaxConcurrent: maxConcurrent,
		MaxItems:      maxItems,
		Priority:      dispatchPriority,
		Project:       dispatchProject,
		DryRun:        dispatchDryRun,
		Timeout:       time.Duration(timeoutMin) * time.Minute,
		FireAndForget: !dispatchInline,
	}
}

func runDispatch(cmd *cobra.Command, args []string) error {
	q := newQueue()
	d, err := newDispatcher(q)
	if err != nil {
		return err
	}
	result, err := d.Run(cmd.Context(), dispatchOptions())
	if err != nil {
		return err
	}
	return printDispatchResult(result)
}

func printDispatchResult(result *dispatch.Result) error {
	if jsonOutput() {
		return ui.PrintJSON(result)
	}
	if result.DryRun {
		fmt.Println(ui.WarnStyle.Render("dry run") + " (nothing claimed)")
	}
	for _, d := range result.Dispatched {
		fmt.Printf("%s %s -> session %s\n", ui.SuccessStyle.Render("dispatched"), d.ItemID, d.SessionID)
	}
	for _, s := range result.Skipped {
		fmt.Printf("%s %s: %s\n", ui.MutedStyle.Render("skipped"), s.ItemID, s.Reason)
	}
	for _, e := range result.Errors {
		fmt.Println(ui.ErrStyle.Render("error: " + e))
	}
	if len(result.Dispatched)+len(result.Skipped)+len(result.Errors) == 0 {
		fmt.Println("Nothing to dispatch.")
	}
	return nil
}
