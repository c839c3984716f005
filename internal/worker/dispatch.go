package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/mattjoyce/workq/internal/log"
	"github.com/mattjoyce/workq/internal/protocol"
	"github.com/mattjoyce/workq/internal/splitter"
	"github.com/mattjoyce/workq/internal/task"
	"github.com/mattjoyce/workq/internal/telemetry"
)

// dispatch consumes DoWork messages and runs each in its own goroutine.
// Pings are left to the keepalive tee.
func (h *Handle) dispatch(ctx context.Context, tee *splitter.Tee[inbound]) error {
	defer tee.Close()

	for {
		in, err := tee.Next(ctx)
		if err != nil {
			return err
		}

		switch msg := in.msg.(type) {
		case *protocol.DoWork:
			tee.Accept()
			h.work.Add(1)
			go func() {
				defer h.work.Done()
				h.run1(ctx, in.gen, msg)
			}()
		case *protocol.Ping:
			tee.PushBack(in)
		default:
			tee.Accept()
			h.w.logger.Warn("unexpected message from server", "type", msg.Type().String())
		}
	}
}

// run1 executes one DoWork and replies on the connection it came from.
func (h *Handle) run1(ctx context.Context, gen uint64, msg *protocol.DoWork) {
	logger := log.WithWork(msg.WorkID)
	start := time.Now()

	var reply protocol.Message
	t, ok := h.tasks[msg.Task]
	if !ok {
		logger.Warn("work for unknown task", "task", msg.Task)
		reply = protocol.WorkFailed(msg.WorkID, "unknown task "+msg.Task)
	} else {
		logger = logger.With("task", t.String())
		logger.Debug("work started")

		result, err := invoke(ctx, t, msg.Args, msg.Kwargs)
		if err != nil {
			logger.Warn("work failed", "error", err)
			reply = protocol.WorkFailed(msg.WorkID, err.Error())
		} else {
			reply = protocol.WorkResult(msg.WorkID, result)
			if _, err := protocol.Wrap(reply); err != nil {
				logger.Warn("work result not encodable", "error", err)
				reply = protocol.WorkFailed(msg.WorkID, err.Error())
			}
		}
	}

	outcome := "succeeded"
	if wc := reply.(*protocol.WorkComplete); wc.Failed() {
		outcome = "failed"
	}
	h.w.msink.IncrCounterWithLabels(telemetry.MetricWorkerWorkCount, 1, []metrics.Label{
		telemetry.LabelTask.M(taskName(t, msg.Task)),
		telemetry.LabelOutcome.M(outcome),
	})

	err := h.conn.SendOn(ctx, gen, reply)
	switch {
	case err == nil:
		logger.Debug("work completed", "outcome", outcome, "duration", time.Since(start).String())
	case errors.Is(err, errStale):
		logger.Info("dropping result of a previous connection")
	default:
		logger.Warn("send result failed", "error", err)
	}
}

// invoke calls the handler, turning a panic into an error.
func invoke(ctx context.Context, t *task.Task, args []any, kwargs map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in task handler", "task", t.String(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	h := t.Handler()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", task.ErrNotImplemented, t)
	}
	return h.Handle(ctx, args, kwargs)
}

func taskName(t *task.Task, sig string) string {
	if t == nil {
		return sig
	}
	return t.String()
}
