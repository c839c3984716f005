// Package server implements the orchestrator workers connect to. It learns
// which interfaces each worker supports, keeps a round-robin pool of workers
// per task signature, parks calls nobody can serve yet and routes results
// back to their callers.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"

	"github.com/mattjoyce/workq/internal/events"
	"github.com/mattjoyce/workq/internal/journal"
	"github.com/mattjoyce/workq/internal/log"
	"github.com/mattjoyce/workq/internal/stream"
	"github.com/mattjoyce/workq/internal/task"
	"github.com/mattjoyce/workq/internal/telemetry"
)

//go:generate mockgen -destination=mocks/journal.go -package=mocks github.com/mattjoyce/workq/internal/server Journal

const DefaultHealthCheckInterval = 5 * time.Second

var (
	// ErrWorkerLost resolves calls whose worker disconnected before replying.
	ErrWorkerLost = errors.New("server: worker disconnected before completing work")
	// ErrUnknownTask is returned for tasks of interfaces not enabled here.
	ErrUnknownTask = errors.New("server: task not enabled on this server")
	// ErrClosed is returned once the server stopped serving.
	ErrClosed = errors.New("server: closed")
)

// Journal records the life of dispatched work.
type Journal interface {
	Dispatched(ctx context.Context, e journal.Entry) error
	Completed(ctx context.Context, workID string, status journal.Status, lastError *string) error
}

type Config struct {
	// HealthCheckInterval between warnings about calls waiting for a
	// worker. Defaults to DefaultHealthCheckInterval.
	HealthCheckInterval time.Duration

	// TLSConfig, when set, makes Listen serve TLS.
	TLSConfig *tls.Config

	Logger *slog.Logger

	// MetricSink defaults to the global go-metrics sink.
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label

	// Journal is optional.
	Journal Journal
	// Events is optional.
	Events events.Publisher

	// BufferSize and MaxFrame configure every client stream.
	BufferSize int
	MaxFrame   int

	// NewWorkID defaults to uuid.NewString.
	NewWorkID func() string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink

	mu         sync.Mutex
	interfaces map[string]*task.Interface
	tasks      map[string]*task.Task
	pools      map[string][]*client
	waiting    map[string][]*waiter
	clients    map[*client]struct{}
	closed     bool
}

func New(cfg Config) *Server {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithComponent("server")
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.NewWorkID == nil {
		cfg.NewWorkID = uuid.NewString
	}

	return &Server{
		cfg:        cfg,
		logger:     cfg.Logger,
		msink:      telemetry.Sink(cfg.MetricSink),
		interfaces: make(map[string]*task.Interface),
		tasks:      make(map[string]*task.Task),
		pools:      make(map[string][]*client),
		waiting:    make(map[string][]*waiter),
		clients:    make(map[*client]struct{}),
	}
}

// Enable hosts iface on this server and makes the server its caller.
// Interfaces must be enabled before workers supporting them connect.
func (s *Server) Enable(iface *task.Interface) error {
	if err := iface.Enable(s); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.interfaces[iface.Signature()] = iface
	for _, t := range iface.Tasks() {
		s.tasks[t.Signature()] = t
	}

	s.logger.Info("interface enabled", "interface", iface.Name(), "signature", iface.Signature(), "tasks", len(iface.Tasks()))
	return nil
}

// Listen opens a TCP listener on addr, wrapped in TLS when configured.
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	return ln, nil
}

// LoadTLS builds a server TLS config from a PEM certificate/key pair.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Serve accepts workers on ln until ctx ends, then closes ln and
// disconnects every worker.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("serving", "addr", ln.Addr().String(), "tls", s.cfg.TLSConfig != nil)
	defer s.logger.Info("stopped serving", "addr", ln.Addr().String())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		defer wg.Done()
		s.healthCheck(ctx)
	}()

	var conns sync.WaitGroup
	defer func() {
		cancel()
		s.shutdown()
		conns.Wait()
		wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.stream.Close()
	}
}

func (s *Server) newStream(conn net.Conn) *stream.Stream {
	var opts []stream.Option
	if s.cfg.BufferSize > 0 {
		opts = append(opts, stream.WithBufferSize(s.cfg.BufferSize))
	}
	if s.cfg.MaxFrame > 0 {
		opts = append(opts, stream.WithMaxFrame(s.cfg.MaxFrame))
	}
	return stream.New(conn, opts...)
}

func (s *Server) labels(extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(s.cfg.MetricLabels)+len(extra))
	out = append(out, s.cfg.MetricLabels...)
	return append(out, extra...)
}

func (s *Server) journalDispatched(p *pendingWork) {
	if s.cfg.Journal == nil {
		return
	}
	err := s.cfg.Journal.Dispatched(context.Background(), journal.Entry{
		WorkID:   p.id,
		Task:     p.task.Signature(),
		TaskName: p.task.String(),
		Client:   p.client.addr,
	})
	if err != nil {
		s.logger.Warn("journal dispatched failed", "work_id", p.id, "error", err)
	}
}

func (s *Server) journalCompleted(p *pendingWork, status journal.Status, lastError error) {
	s.msink.IncrCounterWithLabels(telemetry.MetricServerWorkCompleted, 1,
		s.labels(telemetry.LabelTask.M(p.task.String()), telemetry.LabelOutcome.M(string(status))))
	s.msink.AddSampleWithLabels(telemetry.MetricServerWorkDuration,
		float32(time.Since(p.started).Milliseconds()), s.labels(telemetry.LabelTask.M(p.task.String())))

	ev := events.Work{WorkID: p.id, Task: p.task.String(), Client: p.client.addr, Outcome: string(status)}
	var text *string
	if lastError != nil {
		msg := lastError.Error()
		text = &msg
		ev.Error = msg
	}
	s.cfg.Events.Publish(events.WorkCompleted, ev)

	if s.cfg.Journal == nil {
		return
	}
	if err := s.cfg.Journal.Completed(context.Background(), p.id, status, text); err != nil {
		s.logger.Warn("journal completed failed", "work_id", p.id, "status", status, "error", err)
	}
}
