package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks server health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Workers       int
	Waiting       int
	Connected     bool
	LastCheck     time.Time
}

// WorkCounts tallies work.completed events by outcome.
type WorkCounts struct {
	Dispatched int
	Succeeded  int
	Failed     int
	Abandoned  int
}

func renderHeader(health HealthState, counts WorkCounts, ticker Ticker, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.Idle.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.Lost.Render("CONNECTING")
	} else if health.Waiting > 0 {
		statusText = theme.Busy.Render("BACKLOG")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.Lost.Render("DEGRADED")
	}

	uptime := time.Duration(health.UptimeSeconds) * time.Second

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		ago := time.Since(spinner.LastEvent()).Round(time.Second)
		lastEventStr = fmt.Sprintf("%s ago", ago)
	}

	tickerStr := theme.Accent.Render(ticker.Current())
	clock := theme.Muted.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" WORKQ WATCH %s", tickerStr)

	pad := max(1, innerWidth-lipgloss.Width(titleText)-lipgloss.Width(clock)-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  Workers: %d  Waiting: %d",
		statusText,
		formatDuration(uptime),
		health.Workers,
		health.Waiting,
	)

	workLine := fmt.Sprintf(" Dispatched: %d  %s  %s  %s",
		counts.Dispatched,
		theme.Idle.Render(fmt.Sprintf("ok %d", counts.Succeeded)),
		theme.Lost.Render(fmt.Sprintf("failed %d", counts.Failed)),
		theme.Waiting.Render(fmt.Sprintf("abandoned %d", counts.Abandoned)),
	)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEventStr, spinner.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, workLine, activityLine)
	return theme.Frame.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
