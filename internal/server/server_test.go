package server

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/workq/internal/journal"
	"github.com/mattjoyce/workq/internal/log"
	"github.com/mattjoyce/workq/internal/protocol"
	"github.com/mattjoyce/workq/internal/server/mocks"
	"github.com/mattjoyce/workq/internal/stream"
	"github.com/mattjoyce/workq/internal/task"
)

func quietConfig() Config {
	return Config{Logger: log.New(io.Discard, "error", "json")}
}

func echoInterface(name string) (*task.Interface, *task.Task) {
	iface := task.NewInterface(name)
	return iface, iface.MustTask("echo", task.Positional)
}

func startServer(t *testing.T, cfg Config, ifaces ...*task.Interface) (*Server, string) {
	t.Helper()

	srv := New(cfg)
	for _, iface := range ifaces {
		require.NoError(t, srv.Enable(iface))
	}

	ln, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, ln.Addr().String()
}

// fakeWorker speaks the wire protocol directly.
type fakeWorker struct {
	t  *testing.T
	st *stream.Stream
}

func dialWorker(t *testing.T, addr string) *fakeWorker {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	st := stream.New(conn)
	t.Cleanup(func() { _ = st.Close() })
	return &fakeWorker{t: t, st: st}
}

func (w *fakeWorker) supports(iface *task.Interface) error {
	if err := protocol.Send(w.st, protocol.NewSupports(iface.Signature())); err != nil {
		return err
	}
	msg, err := protocol.Receive(w.st)
	if err != nil {
		return err
	}
	return protocol.ErrorGuard(msg)
}

// serve answers every DoWork with reply until the connection ends.
func (w *fakeWorker) serve(reply func(*protocol.DoWork) protocol.Message) {
	go func() {
		for {
			msg, err := protocol.Receive(w.st)
			if err != nil {
				return
			}
			if work, ok := msg.(*protocol.DoWork); ok {
				if err := protocol.Send(w.st, reply(work)); err != nil {
					return
				}
			}
		}
	}()
}

func echoReply(m *protocol.DoWork) protocol.Message {
	return protocol.WorkResult(m.WorkID, m.Args[0])
}

func TestConcurrentCallsAllReplied(t *testing.T) {
	iface, echo := echoInterface("arith")
	srv, addr := startServer(t, quietConfig(), iface)

	w := dialWorker(t, addr)
	require.NoError(t, w.supports(iface))
	w.serve(echoReply)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = srv.StartTask(ctx, echo, []any{i}, nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "call %d", i)
		assert.Equal(t, int64(i), results[i], "call %d", i)
	}

	require.Eventually(t, func() bool {
		st := srv.Status()
		return len(st.Clients) == 1 && st.Clients[0].State == "idle" && st.Clients[0].Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCallThroughTask(t *testing.T) {
	iface, echo := echoInterface("arith")
	_, addr := startServer(t, quietConfig(), iface)

	w := dialWorker(t, addr)
	require.NoError(t, w.supports(iface))
	w.serve(echoReply)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := echo.Call(ctx, []any{"hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", got)
}

func TestRemoteFailure(t *testing.T) {
	iface, echo := echoInterface("arith")
	srv, addr := startServer(t, quietConfig(), iface)

	w := dialWorker(t, addr)
	require.NoError(t, w.supports(iface))
	w.serve(func(m *protocol.DoWork) protocol.Message {
		return protocol.WorkFailed(m.WorkID, "division by zero")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := srv.StartTask(ctx, echo, []any{1}, nil)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "division by zero", remote.Message)
}

func TestUndecodableResultResolvesCaller(t *testing.T) {
	iface, echo := echoInterface("arith")
	srv, addr := startServer(t, quietConfig(), iface)

	w := dialWorker(t, addr)
	require.NoError(t, w.supports(iface))
	w.serve(func(m *protocol.DoWork) protocol.Message {
		return protocol.WorkResult(m.WorkID, uint64(math.MaxUint64))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := srv.StartTask(ctx, echo, []any{1}, nil)
	assert.Nil(t, got)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "undecodable result")

	require.Eventually(t, func() bool {
		st := srv.Status()
		return len(st.Clients) == 1 && st.Clients[0].State == "idle" && st.Clients[0].Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func poolSizeGauge(t *testing.T, inm *metrics.InmemSink) float32 {
	t.Helper()
	data := inm.Data()
	require.NotEmpty(t, data)
	for _, g := range data[len(data)-1].Gauges {
		if g.Name == "server.pool.size" {
			return g.Value
		}
	}
	t.Fatal("pool size gauge not set")
	return 0
}

func TestPoolSizeGaugeDropsToZero(t *testing.T) {
	inm := metrics.NewInmemSink(time.Minute, time.Minute)
	cfg := quietConfig()
	cfg.MetricSink = inm

	iface, _ := echoInterface("arith")
	srv, addr := startServer(t, cfg, iface)

	w := dialWorker(t, addr)
	require.NoError(t, w.supports(iface))

	srv.checkHealth()
	assert.Equal(t, float32(1), poolSizeGauge(t, inm))

	require.NoError(t, w.st.Close())
	require.Eventually(t, func() bool {
		return len(srv.Status().Clients) == 0
	}, 2*time.Second, 10*time.Millisecond)

	srv.checkHealth()
	assert.Equal(t, float32(0), poolSizeGauge(t, inm))
}

func TestDisconnectMidCall(t *testing.T) {
	iface, echo := echoInterface("arith")
	srv, addr := startServer(t, quietConfig(), iface)

	w := dialWorker(t, addr)
	require.NoError(t, w.supports(iface))
	go func() {
		msg, err := protocol.Receive(w.st)
		if err == nil && msg.Type() == protocol.TypeDoWork {
			_ = w.st.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := srv.StartTask(ctx, echo, []any{1}, nil)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrWorkerLost)
	assert.True(t, IsWorkerLost(err))

	require.Eventually(t, func() bool {
		st := srv.Status()
		return len(st.Clients) == 0 && len(st.Pools[0].Workers) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitQueueFIFO(t *testing.T) {
	iface, echo := echoInterface("arith")
	srv, addr := startServer(t, quietConfig(), iface)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	go func() {
		v, err := srv.StartTask(ctx, echo, []any{"first"}, nil)
		first <- outcome{v, err}
	}()
	require.Eventually(t, func() bool { return srv.Status().Waiting == 1 }, 2*time.Second, 5*time.Millisecond)

	go func() {
		v, err := srv.StartTask(ctx, echo, []any{"second"}, nil)
		second <- outcome{v, err}
	}()
	require.Eventually(t, func() bool { return srv.Status().Waiting == 2 }, 2*time.Second, 5*time.Millisecond)

	select {
	case <-first:
		t.Fatal("call resolved without a worker")
	case <-time.After(50 * time.Millisecond):
	}

	var mu sync.Mutex
	var order []any
	w := dialWorker(t, addr)
	require.NoError(t, w.supports(iface))
	w.serve(func(m *protocol.DoWork) protocol.Message {
		mu.Lock()
		order = append(order, m.Args[0])
		mu.Unlock()
		return echoReply(m)
	})

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, "first", a.v)
	assert.Equal(t, "second", b.v)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"first", "second"}, order)
	assert.Zero(t, srv.Status().Waiting)
}

func TestCancelledWaiterLeavesQueue(t *testing.T) {
	iface, echo := echoInterface("arith")
	srv, _ := startServer(t, quietConfig(), iface)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := srv.StartTask(ctx, echo, []any{1}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, srv.Status().Waiting)
}

func TestCancelledWorkDiscardsLateReply(t *testing.T) {
	iface, echo := echoInterface("arith")
	srv, addr := startServer(t, quietConfig(), iface)

	w := dialWorker(t, addr)
	require.NoError(t, w.supports(iface))

	received := make(chan *protocol.DoWork, 1)
	go func() {
		msg, err := protocol.Receive(w.st)
		if err == nil {
			received <- msg.(*protocol.DoWork)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := srv.StartTask(ctx, echo, []any{1}, nil)
		done <- err
	}()

	work := <-received
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	st := srv.Status()
	require.Len(t, st.Clients, 1)
	assert.Equal(t, "working", st.Clients[0].State)

	require.NoError(t, protocol.Send(w.st, protocol.WorkResult(work.WorkID, "late")))
	require.Eventually(t, func() bool {
		st := srv.Status()
		return st.Clients[0].State == "idle" && st.Clients[0].Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownInterfaceRejected(t *testing.T) {
	iface, _ := echoInterface("arith")
	_, addr := startServer(t, quietConfig(), iface)

	other, _ := echoInterface("other")
	w := dialWorker(t, addr)
	err := w.supports(other)

	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "unknown interface")

	// the connection stays usable
	require.NoError(t, w.supports(iface))
}

func TestPingEcho(t *testing.T) {
	iface, _ := echoInterface("arith")
	_, addr := startServer(t, quietConfig(), iface)

	w := dialWorker(t, addr)
	require.NoError(t, protocol.Send(w.st, &protocol.Ping{}))
	msg, err := protocol.Receive(w.st)
	require.NoError(t, err)
	assert.True(t, protocol.IsPing(msg))
}

func TestBadMessagesSkipped(t *testing.T) {
	iface, _ := echoInterface("arith")
	_, addr := startServer(t, quietConfig(), iface)

	w := dialWorker(t, addr)
	require.NoError(t, w.st.Send(map[string]any{"t": 99}))
	require.NoError(t, w.st.Send(map[string]any{"t": int(protocol.TypeSupports)}))
	require.NoError(t, w.supports(iface))
}

func TestStartTaskUnknownTask(t *testing.T) {
	srv := New(quietConfig())
	_, echo := echoInterface("arith")

	_, err := srv.StartTask(context.Background(), echo, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestEnableTwice(t *testing.T) {
	iface, _ := echoInterface("arith")
	require.NoError(t, New(quietConfig()).Enable(iface))
	assert.ErrorIs(t, New(quietConfig()).Enable(iface), task.ErrAlreadyEnabled)
}

func TestFindWorkerPrefersIdleThenRotates(t *testing.T) {
	srv := New(quietConfig())
	busy := &client{addr: "busy", state: stateWorking}
	idle := &client{addr: "idle", state: stateIdle}
	srv.pools["sig"] = []*client{busy, idle}

	assert.Same(t, idle, srv.findWorkerLocked("sig"))
	assert.Equal(t, []*client{busy, idle}, srv.pools["sig"], "idle pick does not rotate")

	idle.state = stateWorking
	assert.Same(t, busy, srv.findWorkerLocked("sig"))
	assert.Equal(t, []*client{idle, busy}, srv.pools["sig"])
	assert.Same(t, idle, srv.findWorkerLocked("sig"))

	assert.Nil(t, srv.findWorkerLocked("none"))
}

func TestJournalRecordsWork(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockJournal := mocks.NewMockJournal(ctrl)

	iface, echo := echoInterface("arith")
	cfg := quietConfig()
	cfg.Journal = mockJournal
	cfg.NewWorkID = func() string { return "work-1" }
	srv, addr := startServer(t, cfg, iface)

	w := dialWorker(t, addr)
	require.NoError(t, w.supports(iface))
	w.serve(echoReply)

	completed := make(chan struct{})
	mockJournal.EXPECT().Dispatched(gomock.Any(), journal.Entry{
		WorkID:   "work-1",
		Task:     echo.Signature(),
		TaskName: echo.String(),
		Client:   w.st.LocalAddr().String(),
	}).Return(nil)
	mockJournal.EXPECT().Completed(gomock.Any(), "work-1", journal.StatusSucceeded, gomock.Nil()).
		DoAndReturn(func(context.Context, string, journal.Status, *string) error {
			close(completed)
			return nil
		})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := srv.StartTask(ctx, echo, []any{7}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)

	select {
	case <-completed:
	case <-ctx.Done():
		t.Fatal("completion never journaled")
	}
}

func TestJournalRecordsAbandonedWork(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockJournal := mocks.NewMockJournal(ctrl)

	iface, echo := echoInterface("arith")
	cfg := quietConfig()
	cfg.Journal = mockJournal
	srv, addr := startServer(t, cfg, iface)

	w := dialWorker(t, addr)
	require.NoError(t, w.supports(iface))
	go func() {
		if _, err := protocol.Receive(w.st); err == nil {
			_ = w.st.Close()
		}
	}()

	abandoned := make(chan struct{})
	mockJournal.EXPECT().Dispatched(gomock.Any(), gomock.Any()).Return(nil)
	mockJournal.EXPECT().Completed(gomock.Any(), gomock.Any(), journal.StatusAbandoned, gomock.Not(gomock.Nil())).
		DoAndReturn(func(context.Context, string, journal.Status, *string) error {
			close(abandoned)
			return errors.New("disk full")
		})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := srv.StartTask(ctx, echo, []any{1}, nil)
	assert.ErrorIs(t, err, ErrWorkerLost)

	select {
	case <-abandoned:
	case <-ctx.Done():
		t.Fatal("abandonment never journaled")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	iface, echo := echoInterface("arith")
	srv := New(quietConfig())
	require.NoError(t, srv.Enable(iface))

	ln, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	w := dialWorker(t, ln.Addr().String())
	require.NoError(t, w.supports(iface))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	_, err = srv.StartTask(context.Background(), echo, nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
