package ui

import "github.com/charmbracelet/lipgloss"

// Palette shared by every command's output.
var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7D79F6"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#66BB6A"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#FFB74D"}
	ColorErr    = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#EF5350"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}
)

var (
	HeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	SuccessStyle = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle    = lipgloss.NewStyle().Foreground(ColorWarn)
	ErrStyle     = lipgloss.NewStyle().Foreground(ColorErr)
	MutedStyle   = lipgloss.NewStyle().Foreground(ColorMuted)
)

// StatusStyle picks a style for a work item or agent status string.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "available", "active", "pending":
		return SuccessStyle
	case "claimed", "idle", "succeeded":
		return WarnStyle
	case "failed", "stale", "blocked":
		return ErrStyle
	default:
		return MutedStyle
	}
}

// PriorityStyle highlights P1 and mutes P3.
func PriorityStyle(priority string) lipgloss.Style {
	switch priority {
	case "P1":
		return ErrStyle
	case "P2":
		return WarnStyle
	default:
		return MutedStyle
	}
}
