package ui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/utils"
)

// PrintJSON writes v as indented JSON, the machine-readable escape hatch
// every list command offers behind --json.
func PrintJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// RenderWorkItems renders a work item list table.
func RenderWorkItems(items []*types.WorkItem) string {
	if len(items) == 0 {
		return MutedStyle.Render("No work items.")
	}
	t := NewTable("ID", "PRIORITY", "STATUS", "PROJECT", "TITLE")
	for _, item := range items {
		t.Row(
			item.ID,
			PriorityStyle(item.Priority).Render(item.Priority),
			StatusStyle(item.Status).Render(item.Status),
			item.ProjectID,
			utils.Truncate(item.Title, 60),
		)
	}
	return t.Render()
}

// RenderWorkItem renders one item with its metadata.
func RenderWorkItem(item *types.WorkItem) string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render(item.ID) + "\n")
	fmt.Fprintf(&b, "%s %s\n", StatusStyle(item.Status).Render(item.Status),
		PriorityStyle(item.Priority).Render(item.Priority))
	fmt.Fprintf(&b, "Title:    %s\n", item.Title)
	if item.ProjectID != "" {
		fmt.Fprintf(&b, "Project:  %s\n", item.ProjectID)
	}
	if item.Source != "" {
		fmt.Fprintf(&b, "Source:   %s", item.Source)
		if item.SourceRef != "" {
			fmt.Fprintf(&b, " (%s)", item.SourceRef)
		}
		b.WriteString("\n")
	}
	if item.ClaimedBy != "" {
		fmt.Fprintf(&b, "Claimed:  %s\n", item.ClaimedBy)
	}
	if item.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", item.Description)
	}
	if len(item.Metadata) > 0 {
		b.WriteString("\n" + MutedStyle.Render("Metadata: "+item.MetadataJSON()) + "\n")
	}
	return b.String()
}

// RenderAgents renders the agent session table.
func RenderAgents(agents []*types.Agent) string {
	if len(agents) == 0 {
		return MutedStyle.Render("No agent sessions.")
	}
	t := NewTable("SESSION", "AGENT", "STATUS", "PID", "LAST SEEN", "WORK")
	for _, a := range agents {
		t.Row(
			utils.Truncate(a.SessionID, 12),
			a.AgentName,
			StatusStyle(a.Status).Render(a.Status),
			fmt.Sprintf("%d", a.PID),
			Ago(a.LastSeenAt),
			utils.Truncate(a.Work, 40),
		)
	}
	return t.Render()
}

// RenderFeatures renders the SpecFlow feature table.
func RenderFeatures(features []*types.Feature) string {
	if len(features) == 0 {
		return MutedStyle.Render("No features.")
	}
	t := NewTable("FEATURE", "PHASE", "STATUS", "FAILS", "PR", "TITLE")
	for _, f := range features {
		pr := ""
		if f.PRNumber > 0 {
			pr = fmt.Sprintf("#%d", f.PRNumber)
		}
		t.Row(
			f.ID,
			f.Phase,
			StatusStyle(f.Status).Render(f.Status),
			fmt.Sprintf("%d/%d", f.FailureCount, f.MaxFailures),
			pr,
			utils.Truncate(f.Title, 40),
		)
	}
	return t.Render()
}

// RenderEvents renders the event log, newest first as stored.
func RenderEvents(events []*types.Event) string {
	if len(events) == 0 {
		return MutedStyle.Render("No events.")
	}
	// Timestamp (19) + type column (22) + separators leave the rest of the
	// line for the summary.
	summaryWidth := Width() - 45
	if summaryWidth < 20 {
		summaryWidth = 20
	}
	var b strings.Builder
	for _, e := range events {
		ts := MutedStyle.Render(e.Timestamp.Local().Format("2006-01-02 15:04:05"))
		typ := HeaderStyle.Render(fmt.Sprintf("%-22s", e.EventType))
		fmt.Fprintf(&b, "%s  %s  %s\n", ts, typ, utils.Truncate(e.Summary, summaryWidth))
	}
	return b.String()
}

// RenderStats renders the status summary block.
func RenderStats(st *storage.Stats) string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render("ivy status") + "\n\n")
	fmt.Fprintf(&b, "Projects:  %d\n", st.Projects)
	fmt.Fprintf(&b, "Agents:    %s active\n", SuccessStyle.Render(fmt.Sprintf("%d", st.ActiveAgents)))
	fmt.Fprintf(&b, "Items:     %d available, %d claimed, %d completed, %d failed\n",
		st.AvailableItems, st.ClaimedItems, st.CompletedItems, st.FailedItems)
	fmt.Fprintf(&b, "Features:  %d active, %d pending\n", st.ActiveFeatures, st.PendingFeatures)
	fmt.Fprintf(&b, "Events:    %d\n", st.Events)
	return b.String()
}

// Ago formats a timestamp as a relative age.
func Ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
