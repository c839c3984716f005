// Package splitter fans one ordered stream of values out to several
// consumers. Each value is offered to the consumers (tees) in registration
// order until one accepts it; a tee that is not interested pushes it back
// and the same value moves on to the next tee.
//
// The upstream source is only pulled while at least one tee is listening,
// so nothing is buffered and nothing is dropped while nobody listens.
package splitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mattjoyce/workq/internal/log"
)

// ErrClosed is returned by Tee.Next after the tee was closed.
var ErrClosed = errors.New("splitter: tee closed")

// Source produces the upstream values. It should block until a value is
// available or ctx ends.
type Source[M any] func(ctx context.Context) (M, error)

// Option configures a Splitter.
type Option[M any] func(*Splitter[M])

// WithUnclaimed sets the handler receiving values that every tee pushed
// back. The default logs them.
func WithUnclaimed[M any](fn func(M)) Option[M] {
	return func(s *Splitter[M]) { s.unclaimed = fn }
}

// WithLogger sets the logger.
func WithLogger[M any](l *slog.Logger) Option[M] {
	return func(s *Splitter[M]) { s.logger = l }
}

type verdict[M any] struct {
	accepted bool
	value    M
}

type offer[M any] struct {
	value   M
	verdict chan verdict[M]
}

// Splitter distributes values from one Source to registered tees.
type Splitter[M any] struct {
	src       Source[M]
	unclaimed func(M)
	logger    *slog.Logger

	mu        sync.Mutex
	tees      []*Tee[M]
	listening int
	wake      chan struct{}
	done      chan struct{}
	err       error
}

// New returns a splitter over src. Call Drive to start moving values.
func New[M any](src Source[M], opts ...Option[M]) *Splitter[M] {
	s := &Splitter[M]{
		src:  src,
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithComponent("splitter")
	}
	if s.unclaimed == nil {
		s.unclaimed = func(v M) {
			s.logger.Warn("no tee consumed value", "value", v)
		}
	}
	return s
}

// Tee registers a new consumer. It is appended after all existing tees.
func (s *Splitter[M]) Tee() *Tee[M] {
	t := &Tee[M]{
		s:      s,
		offers: make(chan *offer[M]),
		closed: make(chan struct{}),
	}

	s.mu.Lock()
	s.tees = append(s.tees, t)
	s.mu.Unlock()
	return t
}

// Drive pulls values from the source and offers them to the tees until the
// source fails or ctx ends. Source errors end every tee with that error.
func (s *Splitter[M]) Drive(ctx context.Context) error {
	for {
		if err := s.waitListener(ctx); err != nil {
			return err
		}

		v, err := s.src(ctx)
		if err != nil {
			s.finish(err)
			return err
		}

		if err := s.dispatch(ctx, v); err != nil {
			return err
		}
	}
}

func (s *Splitter[M]) dispatch(ctx context.Context, v M) error {
	s.mu.Lock()
	tees := append([]*Tee[M](nil), s.tees...)
	s.mu.Unlock()

	for _, t := range tees {
		o := &offer[M]{value: v, verdict: make(chan verdict[M], 1)}

		select {
		case t.offers <- o:
		case <-t.closed:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case res := <-o.verdict:
			if res.accepted {
				return nil
			}
			v = res.value
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.unclaimed(v)
	return nil
}

func (s *Splitter[M]) waitListener(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.listening > 0 {
			s.mu.Unlock()
			return nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Splitter[M]) listen(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listening += delta
	if delta > 0 {
		close(s.wake)
		s.wake = make(chan struct{})
	}
}

func (s *Splitter[M]) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
		close(s.done)
	}
}

func (s *Splitter[M]) remove(t *Tee[M]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.tees {
		if other == t {
			s.tees = append(s.tees[:i], s.tees[i+1:]...)
			return
		}
	}
}

// Tee is one consumer of a Splitter. A tee is meant to be used by a single
// goroutine.
type Tee[M any] struct {
	s      *Splitter[M]
	offers chan *offer[M]
	closed chan struct{}
	once   sync.Once
	held   *offer[M]
}

// Next accepts the previously received value, if still undecided, and waits
// for the next one.
func (t *Tee[M]) Next(ctx context.Context) (M, error) {
	var zero M

	t.Accept()

	select {
	case <-t.closed:
		return zero, ErrClosed
	default:
	}

	t.s.listen(1)
	defer t.s.listen(-1)

	select {
	case o := <-t.offers:
		t.held = o
		return o.value, nil
	case <-t.closed:
		return zero, ErrClosed
	case <-t.s.done:
		return zero, t.s.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Accept consumes the value returned by the last Next.
func (t *Tee[M]) Accept() {
	if t.held == nil {
		return
	}
	t.held.verdict <- verdict[M]{accepted: true}
	t.held = nil
}

// PushBack declines the value returned by the last Next and hands v to the
// next tee in line. v is usually that same value.
func (t *Tee[M]) PushBack(v M) {
	if t.held == nil {
		return
	}
	t.held.verdict <- verdict[M]{value: v}
	t.held = nil
}

// Take returns the first value matching pred, pushing back the others.
func (t *Tee[M]) Take(ctx context.Context, pred func(M) bool) (M, error) {
	for {
		v, err := t.Next(ctx)
		if err != nil {
			return v, err
		}
		if pred(v) {
			t.Accept()
			return v, nil
		}
		t.PushBack(v)
	}
}

// Close unregisters the tee. An undecided value is pushed back.
func (t *Tee[M]) Close() {
	t.once.Do(func() {
		if t.held != nil {
			t.PushBack(t.held.value)
		}
		t.s.remove(t)
		close(t.closed)
	})
}
