// Package tui provides a Bubble Tea dashboard for `scriptqueue watch`.
//
// Unlike the command surfaces in cmd/scriptqueue, the dashboard is
// read-only: it renders the queue/script events the Engine already
// publishes and issues no commands of its own.
package tui

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	primaryColor   = lipgloss.Color("#7C3AED") // Purple
	successColor   = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#EF4444") // Red
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	highlightColor = lipgloss.Color("#3B82F6") // Blue
)

// Styles for dashboard components.
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	StatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlightColor).
			Padding(0, 2).
			Width(14).
			Align(lipgloss.Center)

	StatLabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Align(lipgloss.Center)

	StatValueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Align(lipgloss.Center)
)

// ProcessStateStyle colors a process_state string per its lifecycle
// phase, mirroring the teacher's StateStyle dispatch.
func ProcessStateStyle(state string) lipgloss.Style {
	switch state {
	case "DONE":
		return lipgloss.NewStyle().Foreground(successColor)
	case "RUNNING":
		return lipgloss.NewStyle().Foreground(warningColor)
	case "FAILED", "TERMINATED":
		return lipgloss.NewStyle().Foreground(errorColor)
	default:
		return ValueStyle
	}
}
