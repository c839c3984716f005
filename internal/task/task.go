// Package task declares remotely callable operations grouped in interfaces,
// and derives the structural signatures used to route them.
//
// The same declarations are shared by the server, which binds them to itself
// with Enable and calls them, and by workers, which bind handlers with
// Implement.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateTask  = errors.New("task: a task with the same signature already exists in this interface")
	ErrShapeMismatch  = errors.New("task: implementation shape does not match declaration")
	ErrInvalidShape   = errors.New("task: invalid parameter kind")
	ErrAlreadyEnabled = errors.New("task: interface already enabled")
	ErrEnabled        = errors.New("task: interface is enabled and can no longer change")
	ErrNotEnabled     = errors.New("task: interface not enabled")
	ErrNotImplemented = errors.New("task: not implemented")
)

// Handler runs a task on the worker side.
type Handler interface {
	Handle(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, args, kwargs)
}

// Caller starts tasks on remote workers. The server implements it.
type Caller interface {
	StartTask(ctx context.Context, t *Task, args []any, kwargs map[string]any) (any, error)
}

// Task is one remotely invocable operation.
type Task struct {
	name      string
	shape     Shape
	memberOf  *Interface
	signature string

	mu      sync.RWMutex
	handler Handler
}

func (t *Task) Name() string          { return t.name }
func (t *Task) Shape() Shape          { return append(Shape(nil), t.shape...) }
func (t *Task) Interface() *Interface { return t.memberOf }
func (t *Task) Signature() string     { return t.signature }

// String returns a readable name such as "arith.add(positional, positional)".
func (t *Task) String() string {
	return fmt.Sprintf("%s.%s(%s)", t.memberOf.name, t.name, t.shape)
}

// Implement binds the worker side handler. shape is the parameter shape of
// the implementation; it must match the declaration exactly.
func (t *Task) Implement(h Handler, shape ...Kind) error {
	if h == nil {
		return fmt.Errorf("task %s: nil handler", t)
	}
	if !t.shape.Equal(shape) {
		return fmt.Errorf("%w: %s expects (%s), got (%s)", ErrShapeMismatch, t, t.shape, Shape(shape))
	}

	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
	return nil
}

// MustImplement is like Implement but panics on error.
func (t *Task) MustImplement(h Handler, shape ...Kind) {
	if err := t.Implement(h, shape...); err != nil {
		panic(err)
	}
}

// Handler returns the bound handler, or nil.
func (t *Task) Handler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

// Implemented reports whether a handler is bound.
func (t *Task) Implemented() bool { return t.Handler() != nil }

// Call runs the task on a remote worker through the enabled interface's
// caller and waits for its result.
func (t *Task) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	caller := t.memberOf.Caller()
	if caller == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotEnabled, t)
	}
	return caller.StartTask(ctx, t, args, kwargs)
}

// Interface is a named group of tasks.
type Interface struct {
	name string

	mu     sync.RWMutex
	order  []*Task
	tasks  map[string]*Task
	byName map[string]*Task
	caller Caller
}

// NewInterface returns an empty interface.
func NewInterface(name string) *Interface {
	return &Interface{
		name:   name,
		tasks:  make(map[string]*Task),
		byName: make(map[string]*Task),
	}
}

func (i *Interface) Name() string { return i.name }

// Task declares a new task with the given parameter shape.
func (i *Interface) Task(name string, shape ...Kind) (*Task, error) {
	s := Shape(append([]Kind(nil), shape...))
	if !s.valid() {
		return nil, fmt.Errorf("%w: %s.%s", ErrInvalidShape, i.name, name)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.caller != nil {
		return nil, fmt.Errorf("%w: %s", ErrEnabled, i.name)
	}

	t := &Task{
		name:      name,
		shape:     s,
		memberOf:  i,
		signature: Signature(i.name, name, s),
	}
	if _, exists := i.tasks[t.signature]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t)
	}

	i.tasks[t.signature] = t
	i.byName[name] = t
	i.order = append(i.order, t)
	return t, nil
}

// MustTask is like Task but panics on error.
func (i *Interface) MustTask(name string, shape ...Kind) *Task {
	t, err := i.Task(name, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns a task by signature.
func (i *Interface) Lookup(signature string) (*Task, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.tasks[signature]
	return t, ok
}

// ByName returns the most recently declared task with that name.
func (i *Interface) ByName(name string) (*Task, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t, ok := i.byName[name]
	return t, ok
}

// Tasks returns the tasks in declaration order.
func (i *Interface) Tasks() []*Task {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]*Task(nil), i.order...)
}

// Signature digests every task declaration in order, so adding a task
// changes it.
func (i *Interface) Signature() string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var buf []byte
	for _, t := range i.order {
		buf = canonical(buf, i.name, t.name, t.shape)
	}
	return digest(buf)
}

// ImplementedGuard fails if a task has no handler.
func (i *Interface) ImplementedGuard() error {
	for _, t := range i.Tasks() {
		if !t.Implemented() {
			return fmt.Errorf("%w: %s", ErrNotImplemented, t)
		}
	}
	return nil
}

// Enable binds the interface to a caller, once.
func (i *Interface) Enable(c Caller) error {
	if c == nil {
		return fmt.Errorf("task: enable %s with nil caller", i.name)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.caller != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyEnabled, i.name)
	}
	i.caller = c
	return nil
}

// Caller returns the bound caller, or nil.
func (i *Interface) Caller() Caller {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.caller
}
