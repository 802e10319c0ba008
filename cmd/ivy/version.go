package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/ui"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ivy version",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput() {
			return ui.PrintJSON(map[string]string{
				"version": Version,
				"go":      runtime.Version(),
				"os":      runtime.GOOS,
				"arch":    runtime.GOARCH,
			})
		}
		fmt.Printf("ivy %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
