// Package ringbuf implements a fixed-capacity circular byte buffer used to
// push back bytes that were read ahead of a record boundary.
package ringbuf

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	ErrTooLarge = errors.New("ringbuf: write larger than capacity")
	ErrEOF      = errors.New("ringbuf: write after eof")
)

// Buffer is safe for concurrent use. Writers block until enough space has
// been released by readers.
type Buffer struct {
	mu       sync.Mutex
	backing  []byte
	readHead int
	size     int
	eof      bool

	// readSignal is closed and replaced after every read, waking the writers
	// waiting at that moment and nobody else.
	readSignal chan struct{}
}

// New returns a buffer holding at most capacity bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Buffer{
		backing:    make([]byte, capacity),
		readSignal: make(chan struct{}),
	}
}

// Cap returns the capacity.
func (b *Buffer) Cap() int { return len(b.backing) }

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Free returns how many bytes can be written without blocking.
func (b *Buffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeLocked()
}

func (b *Buffer) freeLocked() int {
	if b.eof {
		return 0
	}
	return len(b.backing) - b.size
}

// Empty reports whether there is nothing to read.
func (b *Buffer) Empty() bool { return b.Len() == 0 }

// Write copies data into the buffer, blocking until there is room for all of
// it. It fails immediately if data can never fit.
func (b *Buffer) Write(ctx context.Context, data []byte) error {
	if len(data) > len(b.backing) {
		return ErrTooLarge
	}

	b.mu.Lock()
	for {
		if b.eof {
			b.mu.Unlock()
			return ErrEOF
		}
		if b.freeLocked() >= len(data) {
			break
		}
		signal := b.readSignal
		b.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	capacity := len(b.backing)
	writeHead := (b.readHead + b.size) % capacity
	n := copy(b.backing[writeHead:], data)
	if n < len(data) {
		copy(b.backing, data[n:])
	}
	b.size += len(data)
	return nil
}

// Read copies up to len(p) unread bytes into p. It never blocks: with nothing
// buffered it returns 0, or io.EOF once AtEOF is true.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		if b.eof {
			return 0, io.EOF
		}
		return 0, nil
	}

	n := min(len(p), b.size)
	if n == 0 {
		return 0, nil
	}

	capacity := len(b.backing)
	tail := b.readHead + n
	if tail > capacity {
		first := copy(p, b.backing[b.readHead:])
		copy(p[first:n], b.backing[:n-first])
		b.readHead = n - first
	} else {
		copy(p, b.backing[b.readHead:tail])
		b.readHead = tail % capacity
	}
	b.size -= n

	close(b.readSignal)
	b.readSignal = make(chan struct{})
	return n, nil
}

// Next reads up to n bytes into a new slice.
func (b *Buffer) Next(n int) ([]byte, error) {
	p := make([]byte, n)
	read, err := b.Read(p)
	return p[:read], err
}

// FeedEOF marks that no more data will be written. Blocked writers fail with
// ErrEOF.
func (b *Buffer) FeedEOF() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eof = true
	close(b.readSignal)
	b.readSignal = make(chan struct{})
}

// AtEOF reports whether EOF has been fed and every byte has been read.
func (b *Buffer) AtEOF() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eof && b.size == 0
}
