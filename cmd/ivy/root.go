// Command ivy is the autonomous work orchestrator: a shared blackboard
// store, an agent registry, a work queue with dispatch, and the SpecFlow
// feature state machine, all behind one CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/config"
	"github.com/paiworks/ivy/internal/dispatch"
	"github.com/paiworks/ivy/internal/launcher"
	"github.com/paiworks/ivy/internal/queue"
	"github.com/paiworks/ivy/internal/registry"
	"github.com/paiworks/ivy/internal/specflow"
	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/storage/sqlite"
	"github.com/paiworks/ivy/internal/vcs"
	"github.com/paiworks/ivy/internal/worker"
	"github.com/paiworks/ivy/internal/workspace"
)

var (
	rootCtx = context.Background()

	store storage.Storage

	flagDB   string
	flagJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "ivy",
	Short: "Autonomous work orchestrator",
	Long: `ivy coordinates autonomous coding agents through a shared blackboard:
a work queue, an agent registry with liveness sweeping, git-worktree
workspaces, VCS integration and the SpecFlow feature state machine.

The store is a single SQLite file; every command operates on it directly.
Run 'ivy init' once, then 'ivy serve' (or cron 'ivy tick') to orchestrate.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		if flagDB != "" {
			config.Set("db", flagDB)
		}
		if flagJSON {
			config.Set("json", true)
		}
		switch cmd.Name() {
		case "init", "version", "help", "completion":
			return nil
		}
		return openStore(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.Close()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SetContext(rootCtx)
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "path to the ivy store (default ~/.pai/ivy.db)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit machine-readable JSON output")
}

// dbPath resolves the store location: --db flag > IVY_DB > default.
func dbPath() string {
	if p := config.GetString("db"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ivy.db")
	}
	return filepath.Join(home, ".pai", "ivy.db")
}

func openStore(ctx context.Context) error {
	path := dbPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	s, err := sqlite.New(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	store = s
	return nil
}

func jsonOutput() bool {
	return config.GetBool("json")
}

// Wiring helpers. Each command builds only what it needs; all of them
// share the construction conventions below.

func newQueue() *queue.Queue {
	return queue.New(store,
		config.GetInt("rework.default-max-cycles"),
		config.GetInt("rework.hard-cap"))
}

func newRegistry() *registry.Registry {
	return registry.New(store, config.LogDir(), config.StaleTTL())
}

func newWorkspaces(q *queue.Queue) *workspace.Manager {
	return workspace.NewManager(config.WorkspaceRoot(), q)
}

func newLauncher() launcher.Launcher {
	return launcher.NewExec(config.GetString("launcher-bin"))
}

func newOrchestrator(q *queue.Queue, sessionID string) *specflow.Orchestrator {
	cfg := specflow.Config{
		MaxConcurrent:    config.GetInt("specflow.max-concurrent"),
		QualityThreshold: config.GetFloat("specflow.quality-threshold"),
		PhaseTimeout:     time.Duration(config.GetInt("specflow.phase-timeout-min")) * time.Minute,
		Timeouts: specflow.Timeouts{
			Default: time.Duration(config.GetInt("specflow.phase-timeout-min")) * time.Minute,
			PerPhase: map[string]time.Duration{
				"implementing": time.Duration(config.GetInt("specflow.phase-timeout-min-implementing")) * time.Minute,
			},
		},
	}
	executor := &specflow.AgentExecutor{Launcher: newLauncher()}
	scorer := specflow.NewScorer(config.GetString("specflow.quality-model"))
	return specflow.New(store, newWorkspaces(q), executor, scorer, cfg, sessionID)
}

func newWorkerDeps(q *queue.Queue, sessionID string) worker.Deps {
	return worker.Deps{
		Store:      store,
		Queue:      q,
		Registry:   newRegistry(),
		Workspaces: newWorkspaces(q),
		Launcher:   newLauncher(),
		HostFor: func(repoPath string) (vcs.Host, error) {
			return vcs.Detect(repoPath, config.VCSAPITimeout())
		},
		SpecFlow: newOrchestrator(q, sessionID),
	}
}

func newDispatcher(q *queue.Queue) (*dispatch.Dispatcher, error) {
	workerBin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve worker binary: %w", err)
	}
	inline := func(ctx context.Context, sessionID, itemID string, timeout time.Duration) error {
		return worker.Run(ctx, newWorkerDeps(q, sessionID), sessionID, itemID, timeout)
	}
	return dispatch.New(store, q, newRegistry(),
		config.OrchestratorAgentName(), workerBin, inline), nil
}
