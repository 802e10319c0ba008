package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/registry"
	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/ui"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agent sessions",
	Long: `Manage agent sessions in the registry.

Sessions are the unit of liveness: workers register on start, heartbeat
while working, and deregister on exit. The sweep reclaims sessions whose
heartbeat lapsed and whose process is gone.

Examples:
  ivy agent register --name fixer --project demo
  ivy agent heartbeat <session> --progress "running tests" --item gh-demo-7
  ivy agent deregister <session>
  ivy agent sweep
  ivy agent list --all`,
}

var (
	agentName     string
	agentProject  string
	agentWork     string
	agentParent   string
	agentProgress string
	agentItem     string
	agentListAll  bool
)

var agentRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent session",
	RunE:  runAgentRegister,
}

var agentHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <session-id>",
	Short: "Record a liveness heartbeat for a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentHeartbeat,
}

var agentDeregisterCmd = &cobra.Command{
	Use:   "deregister <session-id>",
	Short: "Retire a session and release its work items",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgentDeregister,
}

var agentSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark dead sessions stale and release their items",
	Long: `Mark dead sessions stale and release their items.

A session is swept only when both liveness signals fail: its last heartbeat
is older than the stale TTL and its recorded pid no longer maps to a
running process.`,
	RunE: runAgentSweep,
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agent sessions",
	RunE:  runAgentList,
}

func init() {
	agentRegisterCmd.Flags().StringVar(&agentName, "name", "", "agent name (required)")
	agentRegisterCmd.Flags().StringVar(&agentProject, "project", "", "project the agent works on")
	agentRegisterCmd.Flags().StringVar(&agentWork, "work", "", "short description of the work")
	agentRegisterCmd.Flags().StringVar(&agentParent, "parent", "", "parent session id")
	_ = agentRegisterCmd.MarkFlagRequired("name")

	agentHeartbeatCmd.Flags().StringVar(&agentProgress, "progress", "", "progress note")
	agentHeartbeatCmd.Flags().StringVar(&agentItem, "item", "", "work item the session is on")

	agentListCmd.Flags().BoolVar(&agentListAll, "all", false, "include completed and stale sessions")

	agentCmd.AddCommand(agentRegisterCmd, agentHeartbeatCmd, agentDeregisterCmd, agentSweepCmd, agentListCmd)
	rootCmd.AddCommand(agentCmd)
}

func runAgentRegister(cmd *cobra.Command, args []string) error {
	agent, err := newRegistry().Register(cmd.Context(), registry.RegisterOpts{
		Name:     agentName,
		Project:  agentProject,
		Work:     agentWork,
		ParentID: agentParent,
	})
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(agent)
	}
	fmt.Println(agent.SessionID)
	return nil
}

func runAgentHeartbeat(cmd *cobra.Command, args []string) error {
	err := newRegistry().Heartbeat(cmd.Context(), registry.HeartbeatOpts{
		SessionID:  args[0],
		Progress:   agentProgress,
		WorkItemID: agentItem,
	})
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(map[string]string{"session_id": args[0], "status": "ok"})
	}
	fmt.Println(ui.SuccessStyle.Render("✓") + " heartbeat recorded")
	return nil
}

func runAgentDeregister(cmd *cobra.Command, args []string) error {
	if err := newRegistry().Deregister(cmd.Context(), args[0]); err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(map[string]string{"session_id": args[0], "status": "deregistered"})
	}
	fmt.Println(ui.SuccessStyle.Render("✓") + " session retired")
	return nil
}

func runAgentSweep(cmd *cobra.Command, args []string) error {
	result, err := newRegistry().SweepStale(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(result)
	}
	if len(result.Swept) == 0 {
		fmt.Println("No stale sessions.")
		return nil
	}
	fmt.Printf("Swept %d session(s): %s\n", len(result.Swept), strings.Join(result.Swept, ", "))
	if len(result.ItemsReleased) > 0 {
		fmt.Printf("Released %d item(s): %s\n", len(result.ItemsReleased), strings.Join(result.ItemsReleased, ", "))
	}
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	statuses := []string{types.AgentActive, types.AgentIdle}
	if agentListAll {
		statuses = nil
	}
	agents, err := store.ListAgents(cmd.Context(), statuses)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return ui.PrintJSON(agents)
	}
	fmt.Println(ui.RenderAgents(agents))
	return nil
}
