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

	"github.com/mattjoyce/workq/internal/protocol"
	"github.com/mattjoyce/workq/internal/stream"
	"github.com/mattjoyce/workq/internal/telemetry"
)

var (
	// ErrClosed is returned once the worker was closed.
	ErrClosed = errors.New("worker: closed")

	errStale = errors.New("worker: connection generation changed")
)

// handshake runs right after a connection is established. It returns
// messages that arrived during the handshake but belong to later readers.
type handshake func(st *stream.Stream) ([]protocol.Message, error)

// inbound is a message tagged with the connection generation it came from.
type inbound struct {
	msg protocol.Message
	gen uint64
}

// connection is a reconnecting link to the server. Every successful
// (re)connect starts a new generation; concurrent failures of the same
// generation trigger a single reconnect.
type connection struct {
	cfg       Config
	logger    *slog.Logger
	msink     metrics.MetricSink
	handshake handshake

	mu      sync.Mutex
	st      *stream.Stream
	gen     uint64
	ready   chan struct{}
	backlog []protocol.Message
	closed  bool
	done    chan struct{}
}

func newConnection(cfg Config, logger *slog.Logger, msink metrics.MetricSink, hs handshake) *connection {
	return &connection{
		cfg:       cfg,
		logger:    logger,
		msink:     msink,
		handshake: hs,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// establish dials with unbounded retries and runs the handshake. When
// strict, a handshake failure is returned instead of retried.
func (c *connection) establish(ctx context.Context, strict bool) error {
	for {
		st, err := c.dial(ctx)
		if err != nil {
			return err
		}

		backlog, err := c.handshake(st)
		if err != nil {
			_ = st.Close()
			if strict {
				return fmt.Errorf("handshake: %w", err)
			}
			c.logger.Error("handshake failed, retrying", "error", err, "retry_in", c.cfg.RetryDelay.String())
			if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
				return err
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = st.Close()
			return ErrClosed
		}
		c.st = st
		c.backlog = backlog
		close(c.ready)
		c.mu.Unlock()
		return nil
	}
}

func (c *connection) dial(ctx context.Context) (*stream.Stream, error) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}

	for {
		var (
			conn net.Conn
			err  error
		)
		if c.cfg.TLSConfig != nil {
			td := &tls.Dialer{NetDialer: dialer, Config: c.cfg.TLSConfig}
			conn, err = td.DialContext(ctx, "tcp", c.cfg.Addr)
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Addr)
		}
		if err == nil {
			c.logger.Info("connected", "server", c.cfg.Addr, "local", conn.LocalAddr().String())
			return stream.New(conn, c.streamOptions()...), nil
		}

		c.logger.Error("connect failed, retrying", "server", c.cfg.Addr, "error", err, "retry_in", c.cfg.RetryDelay.String())
		if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
			return nil, err
		}
	}
}

func (c *connection) streamOptions() []stream.Option {
	var opts []stream.Option
	if c.cfg.BufferSize > 0 {
		opts = append(opts, stream.WithBufferSize(c.cfg.BufferSize))
	}
	if c.cfg.MaxFrame > 0 {
		opts = append(opts, stream.WithMaxFrame(c.cfg.MaxFrame))
	}
	return opts
}

func (c *connection) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// current waits for an established stream.
func (c *connection) current(ctx context.Context) (*stream.Stream, uint64, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, 0, ErrClosed
		}
		st, gen, ready := c.st, c.gen, c.ready
		c.mu.Unlock()

		if st != nil {
			return st, gen, nil
		}

		select {
		case <-ready:
		case <-c.done:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// reconnect replaces the stream of generation gen. It is a no-op when gen
// was already replaced.
func (c *connection) reconnect(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	old := c.st
	c.st = nil
	c.backlog = nil
	c.ready = make(chan struct{})
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	c.msink.IncrCounterWithLabels(telemetry.MetricWorkerReconnectCount, 1,
		[]metrics.Label{telemetry.LabelServer.M(c.cfg.Addr)})
	c.logger.Warn("reconnecting", "server", c.cfg.Addr)

	return c.establish(ctx, false)
}

// drop closes the stream of generation gen so the reader reconnects.
func (c *connection) drop(gen uint64) {
	c.mu.Lock()
	var st *stream.Stream
	if c.gen == gen {
		st = c.st
	}
	c.mu.Unlock()

	if st != nil {
		_ = st.Close()
	}
}

// Receive returns the next message, reconnecting on connection errors.
// Malformed messages are logged and skipped.
func (c *connection) Receive(ctx context.Context) (inbound, error) {
	for {
		c.mu.Lock()
		if len(c.backlog) > 0 && c.st != nil {
			m := c.backlog[0]
			c.backlog = c.backlog[1:]
			gen := c.gen
			c.mu.Unlock()
			return inbound{msg: m, gen: gen}, nil
		}
		c.mu.Unlock()

		st, gen, err := c.current(ctx)
		if err != nil {
			return inbound{}, err
		}

		msg, err := protocol.Receive(st)
		if err == nil {
			return inbound{msg: msg, gen: gen}, nil
		}
		if errors.Is(err, protocol.ErrUnknownType) ||
			errors.Is(err, protocol.ErrMalformed) ||
			errors.Is(err, stream.ErrCorruptFrame) {
			c.logger.Warn("skipping bad message", "error", err)
			continue
		}
		if c.isClosed() {
			return inbound{}, ErrClosed
		}
		if ctx.Err() != nil {
			return inbound{}, ctx.Err()
		}

		c.logger.Warn("connection lost", "server", c.cfg.Addr, "error", err)
		if err := c.reconnect(ctx, gen); err != nil {
			return inbound{}, err
		}
	}
}

// SendOn sends m on generation gen. It returns errStale when that
// connection is gone; a failed write drops the connection.
func (c *connection) SendOn(ctx context.Context, gen uint64, m protocol.Message) error {
	st, cur, err := c.current(ctx)
	if err != nil {
		return err
	}
	if cur != gen {
		return errStale
	}

	if err := protocol.Send(st, m); err != nil {
		if !errors.Is(err, stream.ErrFrameTooLarge) {
			c.drop(gen)
		}
		return err
	}
	return nil
}

func (c *connection) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == nil {
		return nil
	}
	return c.st.LocalAddr()
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	st := c.st
	c.st = nil
	c.mu.Unlock()

	if st != nil {
		return st.Close()
	}
	return nil
}
