package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the store: agents, items, features, events",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(stats)
	}
	fmt.Println(ui.RenderStats(stats))
	fmt.Println(ui.MutedStyle.Render("Store: " + store.Path()))
	return nil
}
