package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/config"
	"github.com/paiworks/ivy/internal/registry"
	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/ui"
)

var specflowCmd = &cobra.Command{
	Use:   "specflow",
	Short: "Manage SpecFlow features",
	Long: `Manage SpecFlow features.

A feature advances queued -> specifying -> specified -> planning -> planned
-> tasking -> tasked -> implementing -> implemented -> completing ->
completed, with a gate after every working phase. 'ivy tick' (or
'ivy specflow tick') drives the machine.

Examples:
  ivy specflow create 001-demo-widget --project demo --title "Demo widget"
  ivy specflow list
  ivy specflow show 001-demo-widget
  ivy specflow tick`,
}

var (
	featureProject  string
	featureTitle    string
	featureDesc     string
	featureBranch   string
	featureMain     string
	featureIssueRef string
	featurePhase    string
	featureStatus   string
)

var specflowCreateCmd = &cobra.Command{
	Use:   "create <feature-id>",
	Short: "Create a feature in (queued, pending)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpecflowCreate,
}

var specflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List features",
	RunE:  runSpecflowList,
}

var specflowShowCmd = &cobra.Command{
	Use:   "show <feature-id>",
	Short: "Show one feature",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpecflowShow,
}

var specflowTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one feature orchestration pass",
	RunE:  runSpecflowTick,
}

func init() {
	specflowCreateCmd.Flags().StringVar(&featureProject, "project", "", "owning project (required)")
	specflowCreateCmd.Flags().StringVar(&featureTitle, "title", "", "feature title (required)")
	specflowCreateCmd.Flags().StringVar(&featureDesc, "description", "", "feature description")
	specflowCreateCmd.Flags().StringVar(&featureBranch, "branch", "", "branch name (default specflow-<id>)")
	specflowCreateCmd.Flags().StringVar(&featureMain, "main-branch", "main", "integration branch")
	specflowCreateCmd.Flags().StringVar(&featureIssueRef, "issue", "", "source issue reference")
	_ = specflowCreateCmd.MarkFlagRequired("project")
	_ = specflowCreateCmd.MarkFlagRequired("title")

	specflowListCmd.Flags().StringVar(&featureProject, "project", "", "filter by project")
	specflowListCmd.Flags().StringVar(&featurePhase, "phase", "", "filter by phase")
	specflowListCmd.Flags().StringVar(&featureStatus, "status", "", "filter by status")

	specflowCmd.AddCommand(specflowCreateCmd, specflowListCmd, specflowShowCmd, specflowTickCmd)
	rootCmd.AddCommand(specflowCmd)
}

func runSpecflowCreate(cmd *cobra.Command, args []string) error {
	f := &types.Feature{
		ID:             args[0],
		ProjectID:      featureProject,
		Title:          featureTitle,
		Description:    featureDesc,
		BranchName:     featureBranch,
		MainBranch:     featureMain,
		SourceIssueRef: featureIssueRef,
	}
	if err := store.CreateFeature(cmd.Context(), f); err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(f)
	}
	fmt.Println(ui.SuccessStyle.Render("✓") + " created feature " + f.ID)
	return nil
}

func runSpecflowList(cmd *cobra.Command, args []string) error {
	features, err := store.ListFeatures(cmd.Context(), storage.FeatureFilter{
		Project: featureProject,
		Phase:   featurePhase,
		Status:  featureStatus,
	})
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(features)
	}
	fmt.Println(ui.RenderFeatures(features))
	return nil
}

func runSpecflowShow(cmd *cobra.Command, args []string) error {
	f, err := store.GetFeature(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(f)
	}
	fmt.Println(ui.HeaderStyle.Render(f.ID) + "  " + f.Title)
	fmt.Printf("Phase:    %s (%s)\n", f.Phase, f.Status)
	fmt.Printf("Project:  %s\n", f.ProjectID)
	if f.BranchName != "" {
		fmt.Printf("Branch:   %s (main: %s)\n", f.BranchName, f.MainBranch)
	}
	if f.WorktreePath != "" {
		fmt.Printf("Worktree: %s\n", f.WorktreePath)
	}
	fmt.Printf("Failures: %d/%d\n", f.FailureCount, f.MaxFailures)
	if f.SpecifyScore > 0 || f.PlanScore > 0 {
		fmt.Printf("Scores:   specify=%.2f plan=%.2f\n", f.SpecifyScore, f.PlanScore)
	}
	if f.PRNumber > 0 {
		fmt.Printf("PR:       #%d %s\n", f.PRNumber, f.PRURL)
	}
	if f.LastError != "" {
		fmt.Println(ui.ErrStyle.Render("Last error: " + f.LastError))
	}
	return nil
}

func runSpecflowTick(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg := newRegistry()
	agent, err := reg.Register(ctx, registry.RegisterOpts{
		Name: config.OrchestratorAgentName(),
		Work: "specflow tick",
	})
	if err != nil {
		return err
	}
	defer func() { _ = reg.Deregister(ctx, agent.SessionID) }()

	orch := newOrchestrator(newQueue(), agent.SessionID)
	if _, err := orch.ReleaseOrphaned(ctx); err != nil {
		return err
	}
	result, err := orch.Tick(ctx)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(result)
	}
	fmt.Printf("Features: %d checked, %d step(s) advanced, %d released\n",
		result.FeaturesChecked, result.FeaturesAdvanced, result.Released)
	for _, e := range result.Errors {
		fmt.Println(ui.ErrStyle.Render("feature error: " + e))
	}
	return nil
}
