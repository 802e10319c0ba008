package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/paiworks/ivy/internal/config"
	"github.com/paiworks/ivy/internal/debug"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator loop",
	Long: `Run the orchestrator loop: a tick on a fixed interval, plus an early
tick when the store file changes (a producer appended work).

A file lock next to the store enforces a single serving process; a second
'ivy serve' exits immediately.

Examples:
  ivy serve
  ivy serve --interval 1m`,
	RunE: runServe,
}

var serveInterval time.Duration

func init() {
	serveCmd.Flags().DurationVar(&serveInterval, "interval", 0, "tick interval (default from config, 3m)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	interval := serveInterval
	if interval <= 0 {
		if d, err := time.ParseDuration(config.GetString("serve.tick-interval")); err == nil && d > 0 {
			interval = d
		} else {
			interval = 3 * time.Minute
		}
	}

	// Single instance per store.
	lockPath := dbPath() + ".serve.lock"
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire serve lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another ivy serve already holds %s", lockPath)
	}
	defer func() { _ = lock.Unlock() }()

	// Rotated service log alongside the session logs.
	logger := log.New(&lumberjack.Logger{
		Filename:   filepath.Join(config.LogDir(), "ivy-serve.log"),
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}, "", log.LstdFlags)
	logger.Printf("serve starting: interval=%s store=%s pid=%d", interval, dbPath(), os.Getpid())

	// A store write by any producer triggers an early tick, debounced so a
	// burst of writes coalesces into one.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create store watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(filepath.Dir(dbPath())); err != nil {
		return fmt.Errorf("failed to watch store directory: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var debounce *time.Timer
	early := make(chan struct{}, 1)

	tick := func(releaseOrphans bool) {
		report, err := oneTick(cmd.Context(), releaseOrphans)
		if err != nil {
			logger.Printf("tick failed: %v", err)
			return
		}
		logger.Printf("tick: dispatched=%d skipped=%d features=%d/%d released=%d",
			len(report.Dispatch.Dispatched), len(report.Dispatch.Skipped),
			report.SpecFlow.FeaturesAdvanced, report.SpecFlow.FeaturesChecked,
			report.SpecFlow.Released)
	}

	// First tick releases features orphaned by the previous process.
	tick(true)

	for {
		select {
		case <-sig:
			logger.Printf("serve stopping")
			return nil

		case <-ticker.C:
			tick(false)

		case <-early:
			tick(false)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(dbPath()) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(2*time.Second, func() {
				select {
				case early <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			debug.Logf("store watcher error: %v", err)
		}
	}
}
