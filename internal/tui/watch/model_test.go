package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/workq/internal/events"
	"github.com/mattjoyce/workq/internal/server"
)

func event(t *testing.T, id int64, typ string, data any) events.Event {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: time.Now(), Data: b}
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func TestEventsUpdateCounts(t *testing.T) {
	m := New(context.Background(), "http://127.0.0.1:0")

	m = update(t, m, eventMsg(event(t, 1, events.WorkDispatched, events.Work{WorkID: "abc", Task: "arith.add"})))
	m = update(t, m, eventMsg(event(t, 2, events.WorkCompleted, events.Work{WorkID: "abc", Outcome: "succeeded"})))
	m = update(t, m, eventMsg(event(t, 3, events.WorkCompleted, events.Work{WorkID: "def", Outcome: "abandoned"})))

	assert.Equal(t, WorkCounts{Dispatched: 1, Succeeded: 1, Abandoned: 1}, m.counts)
	assert.Equal(t, int64(3), m.lastID.Load())
	require.Len(t, m.eventLog, 3)
	assert.Equal(t, int64(3), m.eventLog[0].ID, "newest first")
	assert.True(t, m.health.Connected)
}

func TestEventLogBounded(t *testing.T) {
	m := New(context.Background(), "http://127.0.0.1:0")
	for i := range eventLogSize + 5 {
		m = update(t, m, eventMsg(event(t, int64(i+1), events.TaskWaiting, events.Waiting{Task: "arith.add", Waiting: i})))
	}
	assert.Len(t, m.eventLog, eventLogSize)
}

func TestStatusFillsWorkers(t *testing.T) {
	m := New(context.Background(), "http://127.0.0.1:0")
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m = update(t, m, statusMsg(server.Status{
		Clients: []server.ClientStatus{
			{Addr: "10.0.0.1:5000", State: "idle", Interfaces: []string{"arith"}},
			{Addr: "10.0.0.2:5000", State: "working", Pending: 1, Interfaces: []string{"arith"}},
		},
		Pools: []server.PoolStatus{{Task: "arith.add(positional, positional)", Workers: []string{"10.0.0.1:5000"}, Waiting: 2}},
	}))

	assert.Len(t, m.workers.Rows(), 2)

	view := m.View()
	assert.Contains(t, view, "WORKERS (2)")
	assert.Contains(t, view, "10.0.0.2:5000")
	assert.Contains(t, view, "2 waiting")
}

func TestDisconnectShowsError(t *testing.T) {
	m := New(context.Background(), "http://127.0.0.1:0")
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	m = update(t, m, sseDisconnectedMsg{})

	assert.False(t, m.health.Connected)
	assert.Contains(t, m.View(), "reconnecting")
}

func TestViewBeforeSize(t *testing.T) {
	m := New(context.Background(), "http://127.0.0.1:0")
	assert.Equal(t, "Initializing workq watch...", m.View())
}

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: worker.connected",
		`data: {"client":"10.0.0.1:5000"}`,
		"",
		"id: 8",
		"event: task.waiting",
		`data: {"task":"arith.add","waiting":1}`,
		"",
		"id: 9",
		"event: task.waiting",
		`data: {"task":"arith.add","waiting":2}`,
	}, "\n")

	ch := make(chan events.Event, 4)
	readSSE(context.Background(), bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, events.WorkerConnected, got[0].Type)
	assert.JSONEq(t, `{"client":"10.0.0.1:5000"}`, string(got[0].Data))
	assert.Equal(t, events.TaskWaiting, got[1].Type)
}

func TestDescribe(t *testing.T) {
	e := event(t, 1, events.WorkCompleted, events.Work{WorkID: "0123456789", Task: "arith.add", Outcome: "failed", Error: "boom"})
	assert.Equal(t, "[01234567] arith.add failed boom", describe(e, eventData(e)))

	w := event(t, 2, events.TaskWaiting, events.Waiting{Task: "arith.sum", Waiting: 3})
	assert.Equal(t, "arith.sum waiting=3", describe(w, eventData(w)))
}

func TestSpinnerDecay(t *testing.T) {
	var s Spinner
	now := time.Now()
	s.OnEvent(now)
	assert.Equal(t, 5, s.Dots())

	s.Decay(now.Add(5 * time.Second))
	assert.Equal(t, 3, s.Dots())

	s.Decay(now.Add(time.Minute))
	assert.Equal(t, 0, s.Dots())
}
