// Package watch implements the workq server watch TUI.
package watch

import "github.com/charmbracelet/lipgloss"

var (
	green  = lipgloss.Color("#98C379")
	yellow = lipgloss.Color("#E5C07B")
	red    = lipgloss.Color("#E06C75")
	grey   = lipgloss.Color("#7F848E")
	blue   = lipgloss.Color("#61AFEF")
)

// Theme holds the styles for worker states and panel chrome.
type Theme struct {
	Idle    lipgloss.Style
	Busy    lipgloss.Style
	Lost    lipgloss.Style
	Waiting lipgloss.Style

	Frame   lipgloss.Style
	Title   lipgloss.Style
	Section lipgloss.Style
	Muted   lipgloss.Style
	Accent  lipgloss.Style

	Live  lipgloss.Style
	Stale lipgloss.Style
}

func NewDefaultTheme() Theme {
	fg := func(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

	return Theme{
		Idle:    fg(green),
		Busy:    fg(yellow),
		Lost:    fg(red),
		Waiting: fg(grey),

		Frame:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(blue),
		Title:   lipgloss.NewStyle().Bold(true).Padding(0, 1),
		Section: fg(blue).Bold(true),
		Muted:   fg(grey),
		Accent:  fg(yellow).Bold(true),

		Live:  fg(green).Bold(true),
		Stale: fg(grey),
	}
}
