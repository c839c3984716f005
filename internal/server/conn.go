package server

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/mattjoyce/workq/internal/events"
	"github.com/mattjoyce/workq/internal/protocol"
	"github.com/mattjoyce/workq/internal/stream"
	"github.com/mattjoyce/workq/internal/telemetry"
)

// handle runs the read loop of one worker connection.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	c := newClient(s.newStream(conn), s.logger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.stream.Close()
		return
	}
	s.clients[c] = struct{}{}
	connected := len(s.clients)
	s.mu.Unlock()

	c.logger.Info("worker connected")
	s.msink.IncrCounterWithLabels(telemetry.MetricServerClientConnCount, 1, s.labels())
	s.msink.SetGaugeWithLabels(telemetry.MetricServerClientsConnected, float32(connected), s.labels())
	s.cfg.Events.Publish(events.WorkerConnected, events.Worker{Client: c.addr})

	reason := "eof"
	defer func() { s.disconnect(c, reason) }()

	for {
		msg, err := protocol.Receive(c.stream)
		if err != nil {
			if recoverable(err) {
				c.logger.Warn("skipping bad message", "error", err)
				s.msink.IncrCounterWithLabels(telemetry.MetricServerProtocolErrors, 1,
					s.labels(telemetry.LabelClient.M(c.addr)))
				continue
			}
			if errors.Is(err, io.EOF) {
				c.logger.Info("worker closed connection")
			} else {
				reason = "error"
				if ctx.Err() != nil {
					reason = "shutdown"
				}
				c.logger.Warn("worker connection lost", "error", err)
			}
			return
		}

		switch m := msg.(type) {
		case *protocol.Supports:
			s.handleSupports(c, m)
		case *protocol.WorkComplete:
			s.handleWorkComplete(c, m)
		case *protocol.Ping:
			if err := protocol.Send(c.stream, &protocol.Ping{}); err != nil {
				c.logger.Warn("ping echo failed", "error", err)
			}
		default:
			c.logger.Warn("unexpected message from worker", "type", m.Type().String())
			s.msink.IncrCounterWithLabels(telemetry.MetricServerProtocolErrors, 1,
				s.labels(telemetry.LabelClient.M(c.addr)))
		}
	}
}

func recoverable(err error) bool {
	return errors.Is(err, protocol.ErrUnknownType) ||
		errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, stream.ErrCorruptFrame)
}

type assignment struct {
	p      *pendingWork
	args   []any
	kwargs map[string]any
}

// handleSupports adds c to the pool of every task of the interface and
// hands it the calls waiting for those tasks, oldest first.
func (s *Server) handleSupports(c *client, m *protocol.Supports) {
	s.mu.Lock()
	iface, ok := s.interfaces[m.Interface]
	if !ok {
		s.mu.Unlock()

		c.logger.Warn("worker supports unknown interface", "interface", m.Interface)
		s.cfg.Events.Publish(events.WorkerSupports, events.Worker{Client: c.addr, Interface: m.Interface, Accepted: new(bool), Reason: "unknown interface"})
		if err := protocol.Send(c.stream, protocol.Error("unknown interface "+m.Interface)); err != nil {
			c.logger.Warn("send response failed", "error", err)
		}
		return
	}

	c.supports[m.Interface] = iface
	var ready []assignment
	for _, t := range iface.Tasks() {
		sig := t.Signature()
		if !contains(s.pools[sig], c) {
			s.pools[sig] = append(s.pools[sig], c)
		}
		for _, w := range s.waiting[sig] {
			p := s.assignLocked(c, w.task)
			w.assigned <- p
			ready = append(ready, assignment{p: p, args: w.args, kwargs: w.kwargs})
		}
		delete(s.waiting, sig)
	}
	s.mu.Unlock()

	c.logger.Info("worker supports interface", "interface", iface.Name(), "signature", m.Interface, "waiting", len(ready))
	accepted := true
	s.cfg.Events.Publish(events.WorkerSupports, events.Worker{Client: c.addr, Interface: iface.Name(), Accepted: &accepted})

	if err := protocol.Send(c.stream, protocol.OK()); err != nil {
		c.logger.Warn("send response failed", "error", err)
	}
	// waiting calls go out after the acknowledgement, in queue order
	for _, a := range ready {
		s.sendWork(a.p, a.args, a.kwargs)
	}
}

func (s *Server) handleWorkComplete(c *client, m *protocol.WorkComplete) {
	s.mu.Lock()
	p, ok := c.untrack(m.WorkID)
	s.mu.Unlock()

	if !ok {
		c.logger.Warn("completion for unknown work", "work_id", m.WorkID)
		return
	}
	s.complete(p, m)
}

// disconnect forgets c. Work c still owed resolves with ErrWorkerLost.
func (s *Server) disconnect(c *client, reason string) {
	s.mu.Lock()
	delete(s.clients, c)
	for sig, pool := range s.pools {
		pool = remove(pool, c)
		if len(pool) == 0 {
			delete(s.pools, sig)
		} else {
			s.pools[sig] = pool
		}
	}
	owed := c.pending
	c.pending = make(map[string]*pendingWork)
	c.state = stateIdle
	connected := len(s.clients)
	s.mu.Unlock()

	_ = c.stream.Close()

	for _, p := range owed {
		c.logger.Warn("abandoning work of disconnected worker", "work_id", p.id, "task", p.task.String())
		s.abandon(p, ErrWorkerLost)
	}

	c.logger.Info("worker disconnected", "reason", reason, "abandoned", len(owed))
	s.msink.IncrCounterWithLabels(telemetry.MetricServerDisconnectCount, 1,
		s.labels(telemetry.LabelError.M(reason)))
	s.msink.SetGaugeWithLabels(telemetry.MetricServerClientsConnected, float32(connected), s.labels())
	s.cfg.Events.Publish(events.WorkerDisconnected, events.Worker{Client: c.addr, Reason: reason})
}

func contains(pool []*client, c *client) bool {
	for _, other := range pool {
		if other == c {
			return true
		}
	}
	return false
}

func remove(pool []*client, c *client) []*client {
	for i, other := range pool {
		if other == c {
			out := make([]*client, 0, len(pool)-1)
			out = append(out, pool[:i]...)
			return append(out, pool[i+1:]...)
		}
	}
	return pool
}
