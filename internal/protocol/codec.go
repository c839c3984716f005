package protocol

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/workq/internal/codec"
)

var (
	// ErrProtocol reports a message of the wrong type for the exchange.
	ErrProtocol = errors.New("protocol: unexpected message")
	// ErrUnknownType reports a type tag outside the known set.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrMalformed reports a message missing required fields.
	ErrMalformed = errors.New("protocol: malformed message")
)

// RemoteError carries the text of a failure reported by the peer.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// Envelope is the wire form of a Message. Keys are kept short and stable.
type Envelope struct {
	Type      Type             `cbor:"t"`
	WorkID    string           `cbor:"w,omitempty"`
	Result    codec.RawMessage `cbor:"r,omitempty"`
	Failure   *string          `cbor:"x,omitempty"`
	Kwargs    map[string]any   `cbor:"d,omitempty"`
	Args      []any            `cbor:"a,omitempty"`
	Task      string           `cbor:"T,omitempty"`
	Interface string           `cbor:"i,omitempty"`
	Error     *bool            `cbor:"e,omitempty"`
	Text      string           `cbor:"m,omitempty"`
}

// Wrap converts m to its wire form.
func Wrap(m Message) (*Envelope, error) {
	env := &Envelope{Type: m.Type()}

	switch msg := m.(type) {
	case *Supports:
		env.Interface = msg.Interface
	case *Response:
		flag := msg.Error
		env.Error = &flag
		env.Text = msg.Message
	case *DoWork:
		env.WorkID = msg.WorkID
		env.Task = msg.Task
		env.Args = msg.Args
		env.Kwargs = msg.Kwargs
	case *WorkComplete:
		env.WorkID = msg.WorkID
		if msg.Failure != nil {
			env.Failure = msg.Failure
		} else {
			raw, err := codec.Marshal(msg.Result)
			if err != nil {
				return nil, fmt.Errorf("protocol: encode result: %w", err)
			}
			env.Result = raw
		}
	case *Ping:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	return env, nil
}

// Message validates the envelope and returns the typed message.
func (e *Envelope) Message() (Message, error) {
	switch e.Type {
	case TypeSupports:
		if e.Interface == "" {
			return nil, fmt.Errorf("%w: supports without interface", ErrMalformed)
		}
		return &Supports{Interface: e.Interface}, nil

	case TypeResponse:
		if e.Error == nil {
			return nil, fmt.Errorf("%w: response without error flag", ErrMalformed)
		}
		return &Response{Error: *e.Error, Message: e.Text}, nil

	case TypeDoWork:
		if e.WorkID == "" || e.Task == "" {
			return nil, fmt.Errorf("%w: do_work without work id or task", ErrMalformed)
		}
		return NewDoWork(e.WorkID, e.Task, e.Args, e.Kwargs), nil

	case TypeWorkComplete:
		if e.WorkID == "" {
			return nil, fmt.Errorf("%w: work_complete without work id", ErrMalformed)
		}
		hasResult := len(e.Result) > 0
		if hasResult == (e.Failure != nil) {
			return nil, fmt.Errorf("%w: work_complete needs exactly one of result or error", ErrMalformed)
		}
		if e.Failure != nil {
			return WorkFailed(e.WorkID, *e.Failure), nil
		}
		// The work id is known, so a result this side cannot decode still
		// resolves the work.
		var result any
		if err := codec.Unmarshal(e.Result, &result); err != nil {
			return WorkFailed(e.WorkID, "undecodable result: "+err.Error()), nil
		}
		return WorkResult(e.WorkID, result), nil

	case TypePing:
		return &Ping{}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(e.Type))
	}
}

// Sender writes one encoded value per call.
type Sender interface {
	Send(v any) error
}

// Decoder reads one encoded value per call.
type Decoder interface {
	Decode(v any) error
}

// Send wraps m and sends it.
func Send(s Sender, m Message) error {
	env, err := Wrap(m)
	if err != nil {
		return err
	}
	return s.Send(env)
}

// Receive decodes the next message. Errors wrapping ErrUnknownType or
// ErrMalformed mean the message was consumed and reading may continue.
func Receive(d Decoder) (Message, error) {
	var env Envelope
	if err := d.Decode(&env); err != nil {
		return nil, err
	}
	return env.Message()
}

// ErrorGuard fails unless m is a successful Response.
func ErrorGuard(m Message) error {
	resp, ok := m.(*Response)
	if !ok {
		return fmt.Errorf("%w: expected response, got %s", ErrProtocol, typeOf(m))
	}
	if resp.Error {
		return &RemoteError{Message: resp.Message}
	}
	return nil
}

// ExpectGuard fails unless m has type t.
func ExpectGuard(t Type, m Message) error {
	if got := typeOf(m); got != t.String() {
		return fmt.Errorf("%w: expected %s, got %s", ErrProtocol, t, got)
	}
	return nil
}

func typeOf(m Message) string {
	if m == nil {
		return "nil"
	}
	return m.Type().String()
}
