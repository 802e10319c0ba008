package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/queue"
	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/ui"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Manage the work queue",
	Long: `Manage the work queue.

Items are claimed atomically: of two racing claimants exactly one wins.
IDs encode purpose (gh-<project>-<n>, review-<project>-pr-<n>, ...) so
producers can create idempotently.

Examples:
  ivy work create --id gh-demo-7 --title "Fix the flaky test" --project demo --priority P1
  ivy work list --status available
  ivy work claim gh-demo-7 <session>
  ivy work complete gh-demo-7 <session>`,
}

var (
	workID        string
	workTitle     string
	workDesc      string
	workProject   string
	workSource    string
	workSourceRef string
	workPriority  string
	workMetadata  string
	workStatus    string
	workFilterPri string
	workAll       bool
	workFailMsg   string
)

var workCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a work item",
	RunE:  runWorkCreate,
}

var workListCmd = &cobra.Command{
	Use:   "list",
	Short: "List work items",
	RunE:  runWorkList,
}

var workShowCmd = &cobra.Command{
	Use:   "show <item-id>",
	Short: "Show one work item",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkShow,
}

var workClaimCmd = &cobra.Command{
	Use:   "claim <item-id> <session-id>",
	Short: "Claim an available item for a session",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkClaim,
}

var workCompleteCmd = &cobra.Command{
	Use:   "complete <item-id> <session-id>",
	Short: "Mark a claimed item completed",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkComplete,
}

var workReleaseCmd = &cobra.Command{
	Use:   "release <item-id> <session-id>",
	Short: "Return a claimed item to the queue",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkRelease,
}

var workFailCmd = &cobra.Command{
	Use:   "fail <item-id> <session-id>",
	Short: "Mark a claimed item failed",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkFail,
}

func init() {
	workCreateCmd.Flags().StringVar(&workID, "id", "", "item id (required)")
	workCreateCmd.Flags().StringVar(&workTitle, "title", "", "item title (required)")
	workCreateCmd.Flags().StringVar(&workDesc, "description", "", "item description")
	workCreateCmd.Flags().StringVar(&workProject, "project", "", "owning project")
	workCreateCmd.Flags().StringVar(&workSource, "source", "", "origin (github, rework, specflow, ...)")
	workCreateCmd.Flags().StringVar(&workSourceRef, "source-ref", "", "origin reference (issue URL, node id)")
	workCreateCmd.Flags().StringVar(&workPriority, "priority", "P2", "priority (P1|P2|P3)")
	workCreateCmd.Flags().StringVar(&workMetadata, "metadata", "", "metadata JSON object")
	_ = workCreateCmd.MarkFlagRequired("id")
	_ = workCreateCmd.MarkFlagRequired("title")

	workListCmd.Flags().StringVar(&workStatus, "status", "", "filter by status")
	workListCmd.Flags().StringVar(&workFilterPri, "priority", "", "filter by priority (single or comma list)")
	workListCmd.Flags().StringVar(&workProject, "project", "", "filter by project")
	workListCmd.Flags().BoolVar(&workAll, "all", false, "include completed and failed items")

	workFailCmd.Flags().StringVar(&workFailMsg, "reason", "", "failure reason")

	workCmd.AddCommand(workCreateCmd, workListCmd, workShowCmd,
		workClaimCmd, workCompleteCmd, workReleaseCmd, workFailCmd)
	rootCmd.AddCommand(workCmd)
}

func runWorkCreate(cmd *cobra.Command, args []string) error {
	var metadata map[string]any
	if workMetadata != "" {
		if err := json.Unmarshal([]byte(workMetadata), &metadata); err != nil {
			return fmt.Errorf("invalid --metadata JSON: %w", err)
		}
	}
	item, err := newQueue().Create(cmd.Context(), queue.CreateOpts{
		ID:          workID,
		Title:       workTitle,
		Description: workDesc,
		Project:     workProject,
		Source:      workSource,
		SourceRef:   workSourceRef,
		Priority:    workPriority,
		Metadata:    metadata,
		Actor:       "cli",
	})
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(item)
	}
	fmt.Println(ui.SuccessStyle.Render("✓") + " created " + item.ID)
	return nil
}

func runWorkList(cmd *cobra.Command, args []string) error {
	items, err := newQueue().List(cmd.Context(), storage.ItemFilter{
		Status:   workStatus,
		Priority: workFilterPri,
		Project:  workProject,
		All:      workAll,
	})
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(items)
	}
	fmt.Println(ui.RenderWorkItems(items))
	return nil
}

func runWorkShow(cmd *cobra.Command, args []string) error {
	item, err := newQueue().Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(item)
	}
	fmt.Println(ui.RenderWorkItem(item))
	return nil
}

func runWorkClaim(cmd *cobra.Command, args []string) error {
	ok, err := newQueue().Claim(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(map[string]any{"item_id": args[0], "claimed": ok})
	}
	if !ok {
		fmt.Println(ui.WarnStyle.Render("not claimed") + " (already taken or not available)")
		return nil
	}
	fmt.Println(ui.SuccessStyle.Render("✓") + " claimed " + args[0])
	return nil
}

func runWorkComplete(cmd *cobra.Command, args []string) error {
	if err := newQueue().Complete(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(map[string]string{"item_id": args[0], "status": "completed"})
	}
	fmt.Println(ui.SuccessStyle.Render("✓") + " completed " + args[0])
	return nil
}

func runWorkRelease(cmd *cobra.Command, args []string) error {
	if err := newQueue().Release(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(map[string]string{"item_id": args[0], "status": "available"})
	}
	fmt.Println(ui.SuccessStyle.Render("✓") + " released " + args[0])
	return nil
}

func runWorkFail(cmd *cobra.Command, args []string) error {
	if err := newQueue().Fail(cmd.Context(), args[0], args[1], workFailMsg); err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(map[string]string{"item_id": args[0], "status": "failed"})
	}
	fmt.Println(ui.ErrStyle.Render("✗") + " failed " + args[0])
	return nil
}
