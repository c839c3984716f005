package protocol

import "fmt"

// Type tags a wire message.
type Type int

const (
	TypeSupports     Type = 0
	TypeResponse     Type = 1
	TypeDoWork       Type = 2
	TypeWorkComplete Type = 3
	TypePing         Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeSupports:
		return "supports"
	case TypeResponse:
		return "response"
	case TypeDoWork:
		return "do_work"
	case TypeWorkComplete:
		return "work_complete"
	case TypePing:
		return "ping"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Message is one of *Supports, *Response, *DoWork, *WorkComplete or *Ping.
type Message interface {
	Type() Type
}

// Supports declares that the sender implements an interface (worker → server).
type Supports struct {
	Interface string
}

// Response acknowledges a Supports request (server → worker).
type Response struct {
	Error   bool
	Message string
}

// DoWork asks a worker to run a task (server → worker).
type DoWork struct {
	WorkID string
	Task   string
	Args   []any
	Kwargs map[string]any
}

// WorkComplete carries exactly one of Result or Failure (worker → server).
// A nil Failure means success, whatever Result holds.
type WorkComplete struct {
	WorkID  string
	Result  any
	Failure *string
}

// Ping is echoed by whoever receives it.
type Ping struct{}

func (*Supports) Type() Type     { return TypeSupports }
func (*Response) Type() Type     { return TypeResponse }
func (*DoWork) Type() Type       { return TypeDoWork }
func (*WorkComplete) Type() Type { return TypeWorkComplete }
func (*Ping) Type() Type         { return TypePing }

// Failed reports whether the work ended with an error.
func (w *WorkComplete) Failed() bool { return w.Failure != nil }

// OK builds a successful Response.
func OK() *Response { return &Response{} }

// Error builds a failed Response carrying msg.
func Error(msg string) *Response { return &Response{Error: true, Message: msg} }

// NewSupports builds a Supports message for an interface signature.
func NewSupports(signature string) *Supports { return &Supports{Interface: signature} }

// NewDoWork builds a DoWork message. Nil args and kwargs are sent empty.
func NewDoWork(workID, task string, args []any, kwargs map[string]any) *DoWork {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return &DoWork{WorkID: workID, Task: task, Args: args, Kwargs: kwargs}
}

// WorkResult builds a successful WorkComplete.
func WorkResult(workID string, result any) *WorkComplete {
	return &WorkComplete{WorkID: workID, Result: result}
}

// WorkFailed builds a failed WorkComplete carrying the failure text.
func WorkFailed(workID, failure string) *WorkComplete {
	return &WorkComplete{WorkID: workID, Failure: &failure}
}

// IsPing reports whether m is a Ping.
func IsPing(m Message) bool {
	_, ok := m.(*Ping)
	return ok
}
