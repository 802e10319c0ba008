package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/worker"
)

// workerCmd is the detached entry point the dispatcher spawns; it is not
// meant for interactive use.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the worker lifecycle for one claimed item",
	Hidden: true,
	RunE:   runWorker,
}

var (
	workerSessionID string
	workerItemID    string
	workerTimeoutMS int
)

func init() {
	workerCmd.Flags().StringVar(&workerSessionID, "session-id", "", "session id registered by the dispatcher")
	workerCmd.Flags().StringVar(&workerItemID, "item-id", "", "work item to execute")
	workerCmd.Flags().IntVar(&workerTimeoutMS, "timeout-ms", 0, "agent timeout in milliseconds")
	_ = workerCmd.MarkFlagRequired("session-id")
	_ = workerCmd.MarkFlagRequired("item-id")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	q := newQueue()
	deps := newWorkerDeps(q, workerSessionID)
	timeout := time.Duration(workerTimeoutMS) * time.Millisecond
	return worker.Run(cmd.Context(), deps, workerSessionID, workerItemID, timeout)
}
