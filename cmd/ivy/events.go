package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/ui"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the event log",
	Long: `Query the append-only event log.

The log is full-text indexed over summaries and metadata; --search uses
FTS5 query syntax (bare words, quoted phrases, AND/OR/NOT).

Examples:
  ivy events
  ivy events --search "merge conflict"
  ivy events --type human_escalation
  ivy events --actor <session-id> --limit 50
  ivy events --since 24h`,
	RunE: runEvents,
}

var (
	eventsSearch string
	eventsType   string
	eventsActor  string
	eventsSince  string
	eventsLimit  int
)

func init() {
	eventsCmd.Flags().StringVar(&eventsSearch, "search", "", "full-text search query")
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "filter by event type")
	eventsCmd.Flags().StringVar(&eventsActor, "actor", "", "filter by actor session")
	eventsCmd.Flags().StringVar(&eventsSince, "since", "", "window, e.g. 1h, 24h, 7d")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "maximum events returned")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	filter := storage.EventFilter{Limit: eventsLimit}
	if eventsSince != "" {
		d, err := parseWindow(eventsSince)
		if err != nil {
			return err
		}
		filter.Since = time.Now().Add(-d)
	}

	var events []*types.Event
	var err error
	switch {
	case eventsSearch != "":
		events, err = store.SearchEvents(ctx, eventsSearch, filter)
	case eventsType != "":
		events, err = store.EventsByType(ctx, eventsType, filter)
	case eventsActor != "":
		events, err = store.EventsByActor(ctx, eventsActor, filter)
	case !filter.Since.IsZero():
		events, err = store.EventsSince(ctx, filter.Since, filter.Limit)
	default:
		events, err = store.RecentEvents(ctx, filter.Limit)
	}
	if err != nil {
		return err
	}

	if jsonOutput() {
		return ui.PrintJSON(events)
	}
	fmt.Print(ui.RenderEvents(events))
	return nil
}

// parseWindow accepts Go durations plus a day suffix (7d).
func parseWindow(s string) (time.Duration, error) {
	if n := len(s); n > 1 && s[n-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s[:n-1], "%d", &days); err == nil {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --since window %q: %w", s, err)
	}
	return d, nil
}
