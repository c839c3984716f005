package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/workq/internal/events"
)

const eventStreamRows = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Muted.Render("  Waiting for events..."),
		)
		return theme.Frame.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= eventStreamRows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Frame.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Muted.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	data := eventData(e)
	switch {
	case e.Type == events.WorkCompleted && data["outcome"] == "succeeded":
		typeStyle = theme.Idle
	case e.Type == events.WorkCompleted, e.Type == events.WorkerDisconnected:
		typeStyle = theme.Lost
	case e.Type == events.WorkDispatched:
		typeStyle = theme.Busy
	case e.Type == events.TaskWaiting:
		typeStyle = theme.Accent
	default:
		typeStyle = theme.Muted
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describe(e, data))
}

func eventData(e events.Event) map[string]any {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)
	return data
}

func describe(e events.Event, data map[string]any) string {
	var parts []string

	if workID, ok := data["work_id"].(string); ok {
		if len(workID) > 8 {
			workID = workID[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", workID))
	}
	for _, key := range []string{"task", "interface", "client", "outcome", "reason", "error"} {
		if v, ok := data[key].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if n, ok := data["waiting"].(float64); ok {
		parts = append(parts, fmt.Sprintf("waiting=%d", int(n)))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
