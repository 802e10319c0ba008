package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/ui"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Store maintenance tasks",
	Long: `Store maintenance tasks: reclaim space, rebuild the event search
index, and prune old events.

Examples:
  ivy maintenance vacuum
  ivy maintenance reindex
  ivy maintenance prune-events --older-than 90d`,
}

var pruneOlderThan string

var maintenanceVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact the store file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.Vacuum(cmd.Context()); err != nil {
			return err
		}
		if jsonOutput() {
			return ui.PrintJSON(map[string]string{"status": "vacuumed"})
		}
		fmt.Println(ui.SuccessStyle.Render("✓") + " store compacted")
		return nil
	},
}

var maintenanceReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the event full-text search index",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.RebuildSearchIndex(cmd.Context()); err != nil {
			return err
		}
		if jsonOutput() {
			return ui.PrintJSON(map[string]string{"status": "reindexed"})
		}
		fmt.Println(ui.SuccessStyle.Render("✓") + " search index rebuilt")
		return nil
	},
}

var maintenancePruneCmd = &cobra.Command{
	Use:   "prune-events",
	Short: "Delete events older than a cutoff",
	RunE:  runMaintenancePrune,
}

func init() {
	maintenancePruneCmd.Flags().StringVar(&pruneOlderThan, "older-than", "90d", "age cutoff, e.g. 30d, 720h")
	maintenanceCmd.AddCommand(maintenanceVacuumCmd, maintenanceReindexCmd, maintenancePruneCmd)
	rootCmd.AddCommand(maintenanceCmd)
}

func runMaintenancePrune(cmd *cobra.Command, args []string) error {
	window, err := parseWindow(pruneOlderThan)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-window)

	if !jsonOutput() {
		question := fmt.Sprintf("Delete all events before %s?", cutoff.Format("2006-01-02"))
		if !ui.PromptYesNo(question, false) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	n, err := store.PruneEventsBefore(cmd.Context(), cutoff)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(map[string]any{"pruned": n, "cutoff": cutoff})
	}
	fmt.Printf("%s pruned %d event(s)\n", ui.SuccessStyle.Render("✓"), n)
	return nil
}
