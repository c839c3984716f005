package server

import (
	"log/slog"
	"time"

	"github.com/mattjoyce/workq/internal/stream"
	"github.com/mattjoyce/workq/internal/task"
)

type clientState int

const (
	stateIdle clientState = iota
	stateWorking
)

func (s clientState) String() string {
	if s == stateWorking {
		return "working"
	}
	return "idle"
}

// client is the server side proxy of one connected worker. Everything but
// the stream and logger is guarded by Server.mu.
type client struct {
	addr        string
	stream      *stream.Stream
	logger      *slog.Logger
	connectedAt time.Time

	state    clientState
	pending  map[string]*pendingWork
	supports map[string]*task.Interface
}

func newClient(st *stream.Stream, logger *slog.Logger) *client {
	addr := st.RemoteAddr().String()
	return &client{
		addr:        addr,
		stream:      st,
		logger:      logger.With("client", addr),
		connectedAt: time.Now(),
		pending:     make(map[string]*pendingWork),
		supports:    make(map[string]*task.Interface),
	}
}

// track registers p as owed by c and marks c working. Caller holds Server.mu.
func (c *client) track(p *pendingWork) {
	c.pending[p.id] = p
	c.state = stateWorking
}

// untrack removes and returns the pending work for id. c goes back to idle
// once nothing else is owed. Caller holds Server.mu.
func (c *client) untrack(id string) (*pendingWork, bool) {
	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	if len(c.pending) == 0 {
		c.state = stateIdle
	}
	return p, true
}
