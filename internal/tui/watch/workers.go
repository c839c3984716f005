package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/workq/internal/server"
)

const workerRows = 8

func newWorkerTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(workerColumns(80)),
		table.WithHeight(workerRows),
		table.WithFocused(true),
	)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true).
		Foreground(theme.Section.GetForeground())
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#874BFD"))
	t.SetStyles(styles)
	return t
}

func workerColumns(width int) []table.Column {
	ifaces := max(12, width-22-10-8-8)
	return []table.Column{
		{Title: "Worker", Width: 22},
		{Title: "State", Width: 10},
		{Title: "Pending", Width: 8},
		{Title: "Interfaces", Width: ifaces},
	}
}

func workerRowsOf(st server.Status) []table.Row {
	rows := make([]table.Row, 0, len(st.Clients))
	for _, c := range st.Clients {
		rows = append(rows, table.Row{
			c.Addr,
			c.State,
			fmt.Sprintf("%d", c.Pending),
			strings.Join(c.Interfaces, ", "),
		})
	}
	return rows
}

func renderWorkers(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4

	var body string
	if count == 0 {
		body = theme.Muted.Render("  No workers connected")
	} else {
		body = t.View()
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render(fmt.Sprintf("WORKERS (%d)", count)),
		body,
	)
	return theme.Frame.Width(innerWidth).Render(content)
}

func renderPools(st server.Status, theme Theme, width int) string {
	innerWidth := width - 4

	if len(st.Pools) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("TASKS"),
			theme.Muted.Render("  No interfaces enabled"),
		)
		return theme.Frame.Width(innerWidth).Render(content)
	}

	var lines []string
	for _, p := range st.Pools {
		workers := theme.Idle.Render(fmt.Sprintf("%d workers", len(p.Workers)))
		if len(p.Workers) == 0 {
			workers = theme.Waiting.Render("no workers")
		}
		waiting := ""
		if p.Waiting > 0 {
			waiting = theme.Busy.Render(fmt.Sprintf("  %d waiting", p.Waiting))
		}
		lines = append(lines, fmt.Sprintf("%-40s %s%s", p.Task, workers, waiting))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("TASKS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Frame.Width(innerWidth).Render(content)
}
