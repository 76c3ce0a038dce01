package tui

import "github.com/charmbracelet/lipgloss"

var (
	primary = lipgloss.Color("#7C3AED")
	success = lipgloss.Color("#10B981")
	muted   = lipgloss.Color("#6B7280")
	warning = lipgloss.Color("#F59E0B")
	failure = lipgloss.Color("#EF4444")
	white   = lipgloss.Color("#FFFFFF")

	appStyle = lipgloss.NewStyle().Padding(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primary).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(success).
			Bold(true).
			Width(13)

	focusedLabelStyle = labelStyle.Foreground(primary)

	stateStyles = map[string]lipgloss.Style{
		"clean":      lipgloss.NewStyle().Foreground(muted),
		"editing":    lipgloss.NewStyle().Foreground(warning),
		"persisting": lipgloss.NewStyle().Foreground(primary),
		"failed":     lipgloss.NewStyle().Foreground(failure).Bold(true),
	}

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#1F2937")).
			Foreground(white).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().Foreground(muted)

	errorStyle = lipgloss.NewStyle().Foreground(failure)
)

func stateStyle(state string) lipgloss.Style {
	if s, ok := stateStyles[state]; ok {
		return s
	}
	return lipgloss.NewStyle()
}
