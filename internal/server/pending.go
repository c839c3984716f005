package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/workq/internal/task"
)

// pendingWork is the server side of one DoWork: a single-resolution slot
// filled by the matching WorkComplete, by cancellation or by the worker
// going away.
type pendingWork struct {
	id      string
	task    *task.Task
	client  *client
	started time.Time

	once      sync.Once
	done      chan struct{}
	result    any
	err       error
	cancelled atomic.Bool
}

func newPendingWork(id string, t *task.Task, c *client) *pendingWork {
	return &pendingWork{
		id:      id,
		task:    t,
		client:  c,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// resolve stores the outcome. Only the first call has an effect; it reports
// whether this call won.
func (p *pendingWork) resolve(result any, err error) bool {
	won := false
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
		won = true
	})
	return won
}

// cancel marks the work "discard on arrival" and resolves it with err
// unless an outcome is already there.
func (p *pendingWork) cancel(err error) bool {
	p.cancelled.Store(true)
	return p.resolve(nil, err)
}

// waiter is a call parked on a wait queue until a worker supports its task.
type waiter struct {
	task     *task.Task
	args     []any
	kwargs   map[string]any
	since    time.Time
	assigned chan *pendingWork
}

func newWaiter(t *task.Task, args []any, kwargs map[string]any) *waiter {
	return &waiter{
		task:     t,
		args:     args,
		kwargs:   kwargs,
		since:    time.Now(),
		assigned: make(chan *pendingWork, 1),
	}
}
