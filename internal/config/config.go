// Package config holds the viper configuration singleton for the
// orchestrator. Precedence: flags (bound by commands) > environment >
// config file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/paiworks/ivy/internal/debug"
)

var v *viper.Viper

// Initialize sets up the configuration singleton. Call once at startup.
//
// Config file precedence: project .ivy/config.yaml (walking up from CWD) >
// ~/.config/ivy/config.yaml > ~/.ivy/config.yaml. Environment variables use
// the IVY_ prefix with dots/hyphens mapped to underscores; the legacy
// spellings from earlier deployments (WORKSPACE_ROOT, STALE_TTL_SECONDS, …)
// are bound explicitly.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD to find a project .ivy/config.yaml.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".ivy", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory.
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "ivy", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. Home directory.
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".ivy", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("IVY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db", "")
	v.SetDefault("json", false)
	v.SetDefault("log-dir", "")
	v.SetDefault("workspace-root", "")
	v.SetDefault("stale-ttl", "5m")
	v.SetDefault("heartbeat-interval", "60s")
	v.SetDefault("vcs-api-timeout", "30s")
	v.SetDefault("launcher-bin", "claude")
	v.SetDefault("orchestrator-agent-name", "ivy-heartbeat")

	// Rework escalation ladder.
	v.SetDefault("rework.default-max-cycles", 2)
	v.SetDefault("rework.hard-cap", 3)

	// SpecFlow orchestration.
	v.SetDefault("specflow.max-concurrent", 1)
	v.SetDefault("specflow.phase-timeout-min", 20)
	v.SetDefault("specflow.phase-timeout-min-implementing", 180)
	v.SetDefault("specflow.max-failures", 3)
	v.SetDefault("specflow.quality-threshold", 0.7)
	v.SetDefault("specflow.quality-model", "claude-3-5-haiku-20241022")

	// Dispatcher.
	v.SetDefault("dispatch.max-concurrent", 1)
	v.SetDefault("dispatch.max-items", 1)
	v.SetDefault("dispatch.timeout-min", 30)

	// Serve loop.
	v.SetDefault("serve.tick-interval", "3m")

	// Legacy environment spellings, bound without the IVY_ prefix.
	_ = v.BindEnv("workspace-root", "WORKSPACE_ROOT")
	_ = v.BindEnv("stale-ttl-seconds", "STALE_TTL_SECONDS")
	_ = v.BindEnv("heartbeat-interval-seconds", "HEARTBEAT_INTERVAL_SECONDS")
	_ = v.BindEnv("vcs-api-timeout-ms", "VCS_API_TIMEOUT_MS")
	_ = v.BindEnv("rework.hard-cap", "MAX_REWORK_CYCLES_HARD")
	_ = v.BindEnv("rework.default-max-cycles", "DEFAULT_MAX_REWORK_CYCLES")
	_ = v.BindEnv("specflow.phase-timeout-min", "PHASE_TIMEOUT_MIN_DEFAULT")
	_ = v.BindEnv("specflow.phase-timeout-min-implementing", "PHASE_TIMEOUT_MIN_IMPLEMENTING")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		debug.Logf("loaded config from %s", v.ConfigFileUsed())
	} else {
		debug.Logf("no config.yaml found; using defaults and environment")
	}

	return nil
}

func ensure() *viper.Viper {
	if v == nil {
		_ = Initialize()
	}
	return v
}

// GetString returns a string config value.
func GetString(key string) string { return ensure().GetString(key) }

// GetBool returns a boolean config value.
func GetBool(key string) bool { return ensure().GetBool(key) }

// GetInt returns an integer config value.
func GetInt(key string) int { return ensure().GetInt(key) }

// GetFloat returns a float config value.
func GetFloat(key string) float64 { return ensure().GetFloat64(key) }

// Set overrides a config value (used by command flags and tests).
func Set(key string, value any) { ensure().Set(key, value) }

// StaleTTL returns the agent liveness window. STALE_TTL_SECONDS wins over
// the duration-typed stale-ttl key when set.
func StaleTTL() time.Duration {
	if secs := ensure().GetInt("stale-ttl-seconds"); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if d := ensure().GetDuration("stale-ttl"); d > 0 {
		return d
	}
	return 5 * time.Minute
}

// HeartbeatInterval returns the worker keep-alive cadence.
func HeartbeatInterval() time.Duration {
	if secs := ensure().GetInt("heartbeat-interval-seconds"); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if d := ensure().GetDuration("heartbeat-interval"); d > 0 {
		return d
	}
	return 60 * time.Second
}

// VCSAPITimeout returns the per-call budget for host API subprocesses.
func VCSAPITimeout() time.Duration {
	if ms := ensure().GetInt("vcs-api-timeout-ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if d := ensure().GetDuration("vcs-api-timeout"); d > 0 {
		return d
	}
	return 30 * time.Second
}

// WorkspaceRoot returns the root under which isolated checkouts live,
// defaulting to ~/.pai/worktrees.
func WorkspaceRoot() string {
	if root := ensure().GetString("workspace-root"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pai-worktrees")
	}
	return filepath.Join(home, ".pai", "worktrees")
}

// LogDir returns the directory for per-session log files, creating it if
// needed. Defaults to <workspace-root>/../logs (~/.pai/logs).
func LogDir() string {
	dir := ensure().GetString("log-dir")
	if dir == "" {
		dir = filepath.Join(filepath.Dir(WorkspaceRoot()), "logs")
	}
	_ = os.MkdirAll(dir, 0o750)
	return dir
}

// OrchestratorAgentName is the agent name the scheduler registers under.
// Agents with this name never count toward dispatcher concurrency.
func OrchestratorAgentName() string {
	return ensure().GetString("orchestrator-agent-name")
}
