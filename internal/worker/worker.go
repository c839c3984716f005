// Package worker connects to a server, advertises the interfaces this
// process implements and runs the work the server sends. The connection is
// re-established whenever it drops or stops answering keepalive pings.
package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/mattjoyce/workq/internal/log"
	"github.com/mattjoyce/workq/internal/protocol"
	"github.com/mattjoyce/workq/internal/splitter"
	"github.com/mattjoyce/workq/internal/stream"
	"github.com/mattjoyce/workq/internal/task"
	"github.com/mattjoyce/workq/internal/telemetry"
)

const (
	DefaultRetryDelay        = time.Second
	DefaultKeepaliveInterval = 4 * time.Second
	DefaultKeepaliveTimeout  = 4 * time.Second
	DefaultPingTimeout       = 3 * time.Second
)

type Config struct {
	// Addr of the server, host:port.
	Addr string

	// RetryDelay between connection attempts. Retries are unbounded.
	RetryDelay time.Duration
	// KeepaliveInterval between pings; KeepaliveTimeout bounds the wait
	// for the echo before the connection is considered dead.
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	DialTimeout       time.Duration

	// TLSConfig, when set, makes the worker dial TLS.
	TLSConfig *tls.Config

	Logger     *slog.Logger
	MetricSink metrics.MetricSink

	BufferSize int
	MaxFrame   int
}

type Worker struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink
}

func New(cfg Config) *Worker {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithComponent("worker")
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger,
		msink:  telemetry.Sink(cfg.MetricSink),
	}
}

// Join connects to the server and advertises ifaces. Every task must be
// implemented. Join blocks until the first connection is established and
// the server accepted every interface; a rejected interface is an error.
// The returned Handle runs until ctx ends or Close is called.
func (w *Worker) Join(ctx context.Context, ifaces ...*task.Interface) (*Handle, error) {
	if len(ifaces) == 0 {
		return nil, errors.New("worker: no interfaces to join")
	}

	tasks := make(map[string]*task.Task)
	for _, iface := range ifaces {
		if err := iface.ImplementedGuard(); err != nil {
			return nil, err
		}
		for _, t := range iface.Tasks() {
			tasks[t.Signature()] = t
		}
	}

	conn := newConnection(w.cfg, w.logger, w.msink, advertise(ifaces))
	if err := conn.establish(ctx, true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join %s: %w", w.cfg.Addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		w:      w,
		conn:   conn,
		tasks:  tasks,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.split = splitter.New(conn.Receive,
		splitter.WithLogger[inbound](w.logger),
		splitter.WithUnclaimed(func(in inbound) {
			w.logger.Debug("unclaimed message", "type", in.msg.Type().String())
		}),
	)
	h.run(runCtx)

	w.logger.Info("joined", "server", w.cfg.Addr, "interfaces", len(ifaces), "tasks", len(tasks))
	return h, nil
}

// advertise sends Supports for every interface and requires an ok
// Response for each. Work the server sends right after an acknowledgement
// is kept for the dispatcher.
func advertise(ifaces []*task.Interface) handshake {
	return func(st *stream.Stream) ([]protocol.Message, error) {
		var backlog []protocol.Message
		for _, iface := range ifaces {
			if err := protocol.Send(st, protocol.NewSupports(iface.Signature())); err != nil {
				return nil, err
			}

			for {
				msg, err := protocol.Receive(st)
				if err != nil {
					return nil, err
				}
				if msg.Type() != protocol.TypeResponse {
					backlog = append(backlog, msg)
					continue
				}
				if err := protocol.ErrorGuard(msg); err != nil {
					return nil, fmt.Errorf("interface %s: %w", iface.Name(), err)
				}
				break
			}
		}
		return backlog, nil
	}
}

// Handle controls a joined worker.
type Handle struct {
	w     *Worker
	conn  *connection
	tasks map[string]*task.Task
	split *splitter.Splitter[inbound]

	cancel context.CancelFunc
	done   chan struct{}
	err    error
	work   sync.WaitGroup
}

func (h *Handle) run(ctx context.Context) {
	dispatch := h.split.Tee()

	var wg sync.WaitGroup
	var once sync.Once
	fail := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
			return
		}
		once.Do(func() { h.err = err })
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		fail(h.split.Drive(ctx))
	}()
	go func() {
		defer wg.Done()
		fail(h.dispatch(ctx, dispatch))
	}()
	go func() {
		defer wg.Done()
		h.keepalive(ctx)
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = h.conn.Close()
	}()

	go func() {
		wg.Wait()
		h.work.Wait()
		close(h.done)
	}()
}

// Wait blocks until the worker stopped and returns the error that stopped
// it, if any.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Close stops the worker, cancels running work and waits for it to end.
func (h *Handle) Close() error {
	h.cancel()
	<-h.done
	return nil
}

// Ping round-trips a ping to the server.
func (h *Handle) Ping(ctx context.Context) bool {
	_, gen, err := h.conn.current(ctx)
	if err != nil {
		return false
	}
	return h.ping(ctx, gen, DefaultPingTimeout)
}

// LocalAddr of the current connection, or nil while reconnecting.
func (h *Handle) LocalAddr() net.Addr {
	return h.conn.LocalAddr()
}
