package watch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/workq/internal/events"
	"github.com/mattjoyce/workq/internal/journal"
	"github.com/mattjoyce/workq/internal/server"
)

const (
	eventLogSize  = 50
	pollInterval  = 2 * time.Second
	retryInterval = 3 * time.Second
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	ctx    context.Context
	apiURL string

	width  int
	height int

	health   HealthState
	status   server.Status
	counts   WorkCounts
	eventLog []events.Event

	ticker  Ticker
	spinner Spinner
	workers table.Model
	theme   Theme

	hubEvents chan events.Event
	lastID    *atomic.Int64

	lastError string
}

// New creates a watch model for the API at apiURL. The event stream stops
// when ctx ends.
func New(ctx context.Context, apiURL string) Model {
	theme := NewDefaultTheme()
	return Model{
		ctx:       ctx,
		apiURL:    apiURL,
		eventLog:  make([]events.Event, 0, eventLogSize),
		hubEvents: make(chan events.Event, 100),
		lastID:    new(atomic.Int64),
		ticker:    NewTicker(),
		spinner:   NewSpinner(),
		workers:   newWorkerTable(theme),
		theme:     theme,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribe(),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		func() tea.Msg { return fetchStatus(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) subscribe() tea.Cmd {
	return subscribeToEvents(m.ctx, m.apiURL, m.lastID.Load, m.hubEvents)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.workers, cmd = m.workers.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.workers.SetColumns(workerColumns(msg.Width - 8))

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.lastID.Store(e.ID)

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.spinner.OnEvent(time.Now())
		m.counts.observe(e)

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Workers = msg.Workers
		m.health.Waiting = msg.Waiting
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, m.poll(fetchHealth)

	case statusMsg:
		m.status = server.Status(msg)
		m.workers.SetRows(workerRowsOf(m.status))
		return m, m.poll(fetchStatus)

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(retryInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.subscribe()

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, tea.Batch(m.poll(fetchHealth), m.poll(fetchStatus))
	}

	return m, nil
}

func (m Model) poll(fetch func(string) tea.Msg) tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetch(m.apiURL) })
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing workq watch..."
	}

	parts := []string{
		renderHeader(m.health, m.counts, m.ticker, m.spinner, m.theme, m.width),
		renderWorkers(m.workers, len(m.status.Clients), m.theme, m.width),
		renderPools(m.status, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Lost.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select worker"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (c *WorkCounts) observe(e events.Event) {
	switch e.Type {
	case events.WorkDispatched:
		c.Dispatched++
	case events.WorkCompleted:
		switch eventData(e)["outcome"] {
		case string(journal.StatusSucceeded):
			c.Succeeded++
		case string(journal.Lost):
			c.Failed++
		case string(journal.StatusAbandoned):
			c.Abandoned++
		}
	}
}

// Run starts the dashboard and blocks until the user quits.
func Run(ctx context.Context, apiURL string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_, err := tea.NewProgram(New(ctx, apiURL), tea.WithContext(ctx)).Run()
	return err
}
