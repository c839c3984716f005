package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/workq/internal/codec"
	"github.com/mattjoyce/workq/internal/events"
	"github.com/mattjoyce/workq/internal/journal"
	"github.com/mattjoyce/workq/internal/protocol"
	"github.com/mattjoyce/workq/internal/server"
	"github.com/mattjoyce/workq/internal/task"
)

// fakeCaller stands in for the server's dispatch.
type fakeCaller struct {
	call func(ctx context.Context, t *task.Task, args []any, kwargs map[string]any) (any, error)
}

func (c *fakeCaller) StartTask(ctx context.Context, t *task.Task, args []any, kwargs map[string]any) (any, error) {
	return c.call(ctx, t, args, kwargs)
}

// fakeOrchestrator serves a fixed status and one enabled interface.
type fakeOrchestrator struct {
	status server.Status
	iface  *task.Interface
}

func (o *fakeOrchestrator) Status() server.Status { return o.status }

func (o *fakeOrchestrator) Task(signature string) (*task.Task, bool) {
	return o.iface.Lookup(signature)
}

func newOrchestrator(t *testing.T, call func(ctx context.Context, t *task.Task, args []any, kwargs map[string]any) (any, error)) (*fakeOrchestrator, *task.Task) {
	t.Helper()
	iface := task.NewInterface("arith")
	add := iface.MustTask("add", task.Positional, task.Positional)
	require.NoError(t, iface.Enable(&fakeCaller{call: call}))
	return &fakeOrchestrator{iface: iface}, add
}

func newTestServer(orch Orchestrator, j WorkJournal, ev EventSource) *Server {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(Config{MaxCallTimeout: time.Second}, orch, j, ev, logger)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	orch, _ := newOrchestrator(t, nil)
	orch.status = server.Status{
		Clients: []server.ClientStatus{{Addr: "10.0.0.1:5000"}, {Addr: "10.0.0.2:5000"}},
		Waiting: 3,
	}
	h := newTestServer(orch, nil, nil).Handler()

	rr := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Workers)
	assert.Equal(t, 3, resp.Waiting)
}

func TestStatus(t *testing.T) {
	orch, add := newOrchestrator(t, nil)
	orch.status = server.Status{
		Pools: []server.PoolStatus{{Task: add.String(), Signature: add.Signature(), Waiting: 1}},
	}
	h := newTestServer(orch, nil, nil).Handler()

	rr := do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	st := decode[server.Status](t, rr)
	require.Len(t, st.Pools, 1)
	assert.Equal(t, add.Signature(), st.Pools[0].Signature)
}

func TestCall(t *testing.T) {
	var gotArgs []any
	var gotKwargs map[string]any
	orch, add := newOrchestrator(t, func(_ context.Context, _ *task.Task, args []any, kwargs map[string]any) (any, error) {
		gotArgs, gotKwargs = args, kwargs
		return map[any]any{"sum": int64(5), "tags": codec.Set{"a"}}, nil
	})
	h := newTestServer(orch, nil, nil).Handler()

	rr := do(t, h, http.MethodPost, "/call/"+add.Signature(), `{"args":[2,3.5],"kwargs":{"round":true}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, []any{int64(2), 3.5}, gotArgs)
	assert.Equal(t, map[string]any{"round": true}, gotKwargs)

	resp := decode[CallResponse](t, rr)
	assert.Equal(t, add.String(), resp.Task)
	assert.JSONEq(t, `{"sum":5,"tags":["a"]}`, string(resp.Result))
}

func TestCallErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"remote failure", &protocol.RemoteError{Message: "division by zero"}, http.StatusUnprocessableEntity, "division by zero"},
		{"worker lost", server.ErrWorkerLost, http.StatusBadGateway, "worker disconnected"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timed out"},
		{"closed", server.ErrClosed, http.StatusServiceUnavailable, "shutting down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch, add := newOrchestrator(t, func(context.Context, *task.Task, []any, map[string]any) (any, error) {
				return nil, tt.err
			})
			h := newTestServer(orch, nil, nil).Handler()

			rr := do(t, h, http.MethodPost, "/call/"+add.Signature(), `{"args":[1,2]}`)
			assert.Equal(t, tt.status, rr.Code)
			assert.Contains(t, decode[ErrorResponse](t, rr).Error, tt.msg)
		})
	}
}

func TestCallTimeoutApplied(t *testing.T) {
	orch, add := newOrchestrator(t, func(ctx context.Context, _ *task.Task, _ []any, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newTestServer(orch, nil, nil).Handler()

	start := time.Now()
	rr := do(t, h, http.MethodPost, "/call/"+add.Signature(), `{"args":[1,2],"timeout":"20ms"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestCallBadRequests(t *testing.T) {
	orch, add := newOrchestrator(t, nil)
	h := newTestServer(orch, nil, nil).Handler()

	rr := do(t, h, http.MethodPost, "/call/deadbeef", `{}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodPost, "/call/"+add.Signature(), `{"args":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/call/"+add.Signature(), `{"timeout":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWorkEndpoints(t *testing.T) {
	ctx := context.Background()
	db, err := journal.OpenSQLite(ctx, filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	j := journal.New(db)

	require.NoError(t, j.Dispatched(ctx, journal.Entry{WorkID: "w-1", Task: "sig", TaskName: "arith.add", Client: "10.0.0.1:5000"}))
	require.NoError(t, j.Dispatched(ctx, journal.Entry{WorkID: "w-2", Task: "sig", TaskName: "arith.add", Client: "10.0.0.1:5000"}))
	require.NoError(t, j.Completed(ctx, "w-1", journal.StatusSucceeded, nil))

	orch, _ := newOrchestrator(t, nil)
	h := newTestServer(orch, j, nil).Handler()

	rr := do(t, h, http.MethodGet, "/work/w-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	work := decode[WorkResponse](t, rr)
	assert.Equal(t, "succeeded", work.Status)
	assert.NotNil(t, work.CompletedAt)

	rr = do(t, h, http.MethodGet, "/work/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodGet, "/work?limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[WorkListResponse](t, rr).Count)

	rr = do(t, h, http.MethodGet, "/work?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWorkWithoutJournal(t *testing.T) {
	orch, _ := newOrchestrator(t, nil)
	h := newTestServer(orch, nil, nil).Handler()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/work/w-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/events", "").Code)
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.WorkerConnected, events.Worker{Client: "10.0.0.1:5000"})
	hub.Publish(events.WorkerConnected, events.Worker{Client: "10.0.0.2:5000"})

	orch, _ := newOrchestrator(t, nil)
	ts := httptest.NewServer(newTestServer(orch, nil, hub).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?since=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if line := lines.Text(); strings.HasPrefix(line, "id: ") {
				return strings.TrimPrefix(line, "id: ")
			}
		}
		return ""
	}

	// event 1 is before since and not replayed
	assert.Equal(t, "2", next())

	hub.Publish(events.WorkerDisconnected, events.Worker{Client: "10.0.0.1:5000"})
	assert.Equal(t, "3", next())
}

func TestFromJSONKeepsNesting(t *testing.T) {
	var v any
	dec := json.NewDecoder(bytes.NewReader([]byte(`{"a":[1,{"b":2.5}]}`)))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&v))

	assert.Equal(t, map[string]any{"a": []any{int64(1), map[string]any{"b": 2.5}}}, fromJSON(v))
}
