// Package stream wraps a connected socket with line, exact-length and framed
// message reads and writes.
//
// Reads and writes are serialized by separate locks so that concurrent
// consumers never interleave partial frames on the same direction.
package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mattjoyce/workq/internal/codec"
	"github.com/mattjoyce/workq/internal/ringbuf"
)

const (
	DefaultBufferSize = 4096
	DefaultMaxFrame   = 16 << 20

	frameHeaderSize = 4
	newline         = '\n'
)

var (
	ErrFrameTooLarge = errors.New("stream: frame too large")
	ErrCorruptFrame  = errors.New("stream: corrupt frame")
)

// Stream is safe for concurrent use by one reader group and one writer group.
type Stream struct {
	conn     net.Conn
	buf      *ringbuf.Buffer
	bufSize  int
	maxFrame int

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// Option configures a Stream.
type Option func(*Stream)

// WithBufferSize sets the readahead buffer capacity and readline chunk size.
func WithBufferSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// WithMaxFrame caps the payload size accepted and produced by Send/Decode.
func WithMaxFrame(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.maxFrame = n
		}
	}
}

// New wraps conn. The Stream owns conn from now on.
func New(conn net.Conn, opts ...Option) *Stream {
	s := &Stream{
		conn:     conn,
		bufSize:  DefaultBufferSize,
		maxFrame: DefaultMaxFrame,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.buf = ringbuf.New(s.bufSize)
	return s
}

func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *Stream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }

// Close closes the underlying connection, unblocking pending reads.
func (s *Stream) Close() error {
	s.buf.FeedEOF()
	return s.conn.Close()
}

// readNoLock returns at most n bytes, preferring pushed back bytes over the
// socket.
func (s *Stream) readNoLock(n int) ([]byte, error) {
	if !s.buf.Empty() {
		return s.buf.Next(n)
	}

	data := make([]byte, n)
	read, err := s.conn.Read(data)
	if read > 0 {
		return data[:read], nil
	}
	if err == nil {
		return data[:0], nil
	}
	return nil, err
}

// ReadExactly returns exactly n bytes. It fails with io.EOF when the peer
// closed before any byte arrived and io.ErrUnexpectedEOF when it closed
// midway.
func (s *Stream) ReadExactly(n int) ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.readExactlyLocked(n)
}

func (s *Stream) readExactlyLocked(n int) ([]byte, error) {
	result := make([]byte, n)
	read := 0
	for read < n {
		data, err := s.readNoLock(n - read)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if read == 0 {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		read += copy(result[read:], data)
	}
	return result, nil
}

// ReadLine returns the next line including its trailing newline. Bytes read
// past the newline are kept for the next read. At end of stream the partial
// line is returned together with io.EOF.
func (s *Stream) ReadLine() ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	var result []byte
	for {
		data, err := s.readNoLock(s.bufSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return result, io.EOF
			}
			return result, err
		}

		i := bytes.IndexByte(data, newline)
		if i < 0 {
			result = append(result, data...)
			continue
		}

		result = append(result, data[:i+1]...)
		if rest := data[i+1:]; len(rest) > 0 {
			if err := s.buf.Write(context.Background(), rest); err != nil {
				return result, fmt.Errorf("stream: push back: %w", err)
			}
		}
		return result, nil
	}
}

// Write writes p in full under the write lock.
func (s *Stream) Write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(p)
}

func (s *Stream) writeLocked(p []byte) error {
	for len(p) > 0 {
		n, err := s.conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Send encodes v and writes it as one frame.
func (s *Stream) Send(v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > s.maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(frame)
}

// Decode reads one frame and decodes it into v. A frame whose payload does
// not decode is consumed entirely and reported as ErrCorruptFrame, so the
// caller may keep reading. ErrFrameTooLarge leaves the stream unusable.
func (s *Stream) Decode(v any) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	header, err := s.readExactlyLocked(frameHeaderSize)
	if err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(header)
	if uint64(size) > uint64(s.maxFrame) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload, err := s.readExactlyLocked(int(size))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	if err := codec.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}
	return nil
}
