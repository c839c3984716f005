package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/workq/internal/events"
	"github.com/mattjoyce/workq/internal/journal"
	"github.com/mattjoyce/workq/internal/protocol"
	"github.com/mattjoyce/workq/internal/task"
	"github.com/mattjoyce/workq/internal/telemetry"
)

// StartTask runs t on a worker and waits for its result. With no capable
// worker connected the call waits until one supports t or ctx ends. A
// failure reported by the worker is returned as *protocol.RemoteError.
func (s *Server) StartTask(ctx context.Context, t *task.Task, args []any, kwargs map[string]any) (any, error) {
	sig := t.Signature()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := s.tasks[sig]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, t)
	}

	if c := s.findWorkerLocked(sig); c != nil {
		p := s.assignLocked(c, t)
		s.mu.Unlock()

		s.sendWork(p, args, kwargs)
		return s.await(ctx, p)
	}

	w := newWaiter(t, args, kwargs)
	s.waiting[sig] = append(s.waiting[sig], w)
	queued := len(s.waiting[sig])
	s.mu.Unlock()

	s.logger.Debug("no worker for task, waiting", "task", t.String(), "waiting", queued)
	s.cfg.Events.Publish(events.TaskWaiting, events.Waiting{Task: t.String(), Waiting: queued})

	var p *pendingWork
	select {
	case p = <-w.assigned:
	case <-ctx.Done():
		s.mu.Lock()
		removed := s.removeWaiterLocked(sig, w)
		s.mu.Unlock()
		if removed {
			return nil, ctx.Err()
		}
		// a worker picked the call up concurrently; it is already assigned
		p = <-w.assigned
	}
	return s.await(ctx, p)
}

// findWorkerLocked prefers the first idle worker of the pool. Otherwise it
// rotates the pool and returns its former head, so busy workers still share
// the load. Returns nil for an empty pool.
func (s *Server) findWorkerLocked(sig string) *client {
	pool := s.pools[sig]
	if len(pool) == 0 {
		return nil
	}

	for _, c := range pool {
		if c.state == stateIdle {
			return c
		}
	}

	head := pool[0]
	rotated := make([]*client, 0, len(pool))
	rotated = append(rotated, pool[1:]...)
	s.pools[sig] = append(rotated, head)
	return head
}

func (s *Server) assignLocked(c *client, t *task.Task) *pendingWork {
	p := newPendingWork(s.cfg.NewWorkID(), t, c)
	c.track(p)
	return p
}

func (s *Server) removeWaiterLocked(sig string, w *waiter) bool {
	queue := s.waiting[sig]
	for i, other := range queue {
		if other == w {
			queue = append(queue[:i:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(s.waiting, sig)
			} else {
				s.waiting[sig] = queue
			}
			return true
		}
	}
	return false
}

// sendWork writes the DoWork for p. A failed write abandons p and drops the
// connection.
func (s *Server) sendWork(p *pendingWork, args []any, kwargs map[string]any) {
	c := p.client
	msg := protocol.NewDoWork(p.id, p.task.Signature(), args, kwargs)

	s.journalDispatched(p)
	s.msink.IncrCounterWithLabels(telemetry.MetricServerWorkDispatched, 1,
		s.labels(telemetry.LabelTask.M(p.task.String()), telemetry.LabelClient.M(c.addr)))
	s.cfg.Events.Publish(events.WorkDispatched, events.Work{WorkID: p.id, Task: p.task.String(), Client: c.addr})
	c.logger.Debug("dispatching work", "work_id", p.id, "task", p.task.String())

	if err := protocol.Send(c.stream, msg); err != nil {
		c.logger.Warn("send work failed", "work_id", p.id, "error", err)

		s.mu.Lock()
		_, owned := c.untrack(p.id)
		s.mu.Unlock()

		if owned {
			s.abandon(p, fmt.Errorf("%w: %w", ErrWorkerLost, err))
		}
		_ = c.stream.Close()
	}
}

// await waits for p. Cancellation keeps p owned by its client so a late
// reply is recognised and discarded.
func (s *Server) await(ctx context.Context, p *pendingWork) (any, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
	}

	if !p.cancel(ctx.Err()) {
		// the outcome arrived first
		return p.result, p.err
	}
	p.client.logger.Debug("work cancelled by caller", "work_id", p.id, "task", p.task.String())
	s.journalCompleted(p, journal.StatusCancelled, ctx.Err())
	return nil, ctx.Err()
}

func (s *Server) abandon(p *pendingWork, err error) {
	if p.resolve(nil, err) {
		s.journalCompleted(p, journal.StatusAbandoned, err)
	}
}

// complete resolves p from a WorkComplete message.
func (s *Server) complete(p *pendingWork, msg *protocol.WorkComplete) {
	if p.cancelled.Load() {
		p.client.logger.Debug("discarding result of cancelled work", "work_id", p.id)
		return
	}

	if msg.Failed() {
		err := &protocol.RemoteError{Message: *msg.Failure}
		if p.resolve(nil, err) {
			s.journalCompleted(p, journal.StatusFailed, err)
		}
		return
	}
	if p.resolve(msg.Result, nil) {
		s.journalCompleted(p, journal.StatusSucceeded, nil)
	}
}

// IsWorkerLost reports whether err means the worker went away mid call.
func IsWorkerLost(err error) bool {
	return errors.Is(err, ErrWorkerLost)
}
