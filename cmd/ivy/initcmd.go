package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the ivy store",
	Long: `Create the ivy store and run its migrations.

Safe to run repeatedly; an existing store is migrated in place.

Examples:
  ivy init
  ivy init --db /var/lib/ivy/ivy.db`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := openStore(cmd.Context()); err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(map[string]string{"db": store.Path(), "status": "ready"})
	}
	fmt.Println(ui.SuccessStyle.Render("✓") + " Store ready at " + store.Path())
	return nil
}
