// Package demo holds the arith interface served by the workq CLI.
package demo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/workq/internal/task"
)

// InterfaceName is the name arith is advertised under.
const InterfaceName = "arith"

var ErrNotNumber = errors.New("demo: argument is not a number")

// Arith is one process's copy of the interface declaration.
type Arith struct {
	Interface *task.Interface

	Add   *task.Task
	Sum   *task.Task
	Echo  *task.Task
	Sleep *task.Task
}

// Declare builds the declaration. Server and worker each call it; the
// signatures match because the declarations do.
func Declare() *Arith {
	iface := task.NewInterface(InterfaceName)
	return &Arith{
		Interface: iface,
		Add:       iface.MustTask("add", task.Positional, task.Positional),
		Sum:       iface.MustTask("sum", task.VarPositional),
		Echo:      iface.MustTask("echo", task.VarPositional, task.VarKeyword),
		Sleep:     iface.MustTask("sleep", task.Positional),
	}
}

// Implement declares arith and binds the worker side handlers.
func Implement() *Arith {
	a := Declare()
	a.Add.MustImplement(task.HandlerFunc(add), task.Positional, task.Positional)
	a.Sum.MustImplement(task.HandlerFunc(sum), task.VarPositional)
	a.Echo.MustImplement(task.HandlerFunc(echo), task.VarPositional, task.VarKeyword)
	a.Sleep.MustImplement(task.HandlerFunc(sleep), task.Positional)
	return a
}

func add(_ context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("add takes 2 arguments, got %d", len(args))
	}
	return sumOf(args)
}

func sum(_ context.Context, args []any, _ map[string]any) (any, error) {
	return sumOf(args)
}

func echo(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	out := map[any]any{"args": args}
	if len(kwargs) > 0 {
		kw := make(map[any]any, len(kwargs))
		for k, v := range kwargs {
			kw[k] = v
		}
		out["kwargs"] = kw
	}
	return out, nil
}

// sleep waits the given number of seconds and returns it. It holds a worker
// busy, which makes wait queues visible in the dashboard.
func sleep(ctx context.Context, args []any, _ map[string]any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sleep takes 1 argument, got %d", len(args))
	}
	secs, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	if secs < 0 {
		return nil, fmt.Errorf("sleep: negative duration %v", secs)
	}

	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return args[0], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sumOf keeps integer results integral until a float shows up.
func sumOf(args []any) (any, error) {
	var (
		ints    int64
		floats  float64
		isFloat bool
	)
	for i, a := range args {
		switch v := a.(type) {
		case int64:
			ints += v
		case int:
			ints += int64(v)
		case uint64:
			ints += int64(v)
		case float64:
			floats += v
			isFloat = true
		default:
			return nil, fmt.Errorf("%w: argument %d is %T", ErrNotNumber, i, a)
		}
	}
	if isFloat {
		return floats + float64(ints), nil
	}
	return ints, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrNotNumber, v)
}
