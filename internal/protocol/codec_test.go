package protocol

import (
	"errors"
	"math"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/workq/internal/codec"
	"github.com/mattjoyce/workq/internal/stream"
)

// loopback is a Sender/Decoder that keeps encoded values in memory.
type loopback struct {
	frames [][]byte
}

func (l *loopback) Send(v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	l.frames = append(l.frames, data)
	return nil
}

func (l *loopback) Decode(v any) error {
	if len(l.frames) == 0 {
		return errors.New("empty")
	}
	data := l.frames[0]
	l.frames = l.frames[1:]
	return codec.Unmarshal(data, v)
}

func TestMessagesRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"supports", NewSupports("abc123")},
		{"ok", OK()},
		{"error", Error("Server does not use this interface")},
		{"do work", NewDoWork("w-1", "sig", []any{int64(1), "two"}, map[string]any{"k": true})},
		{"do work empty", NewDoWork("w-2", "sig", nil, nil)},
		{"result", WorkResult("w-1", map[any]any{"sum": int64(3)})},
		{"nil result", WorkResult("w-1", nil)},
		{"false result", WorkResult("w-1", false)},
		{"failure", WorkFailed("w-1", "boom")},
		{"ping", &Ping{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lb := &loopback{}
			require.NoError(t, Send(lb, tt.msg))

			got, err := Receive(lb)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestCompactKeys(t *testing.T) {
	env, err := Wrap(NewDoWork("w", "T1", []any{"x"}, map[string]any{"y": "z"}))
	require.NoError(t, err)

	data, err := codec.Marshal(env)
	require.NoError(t, err)

	var raw map[any]any
	require.NoError(t, codec.Unmarshal(data, &raw))
	assert.Equal(t, int64(TypeDoWork), raw["t"])
	assert.Equal(t, "w", raw["w"])
	assert.Equal(t, "T1", raw["T"])
	assert.Equal(t, []any{"x"}, raw["a"])
	assert.Equal(t, map[any]any{"y": "z"}, raw["d"])
	assert.NotContains(t, raw, "r")
	assert.NotContains(t, raw, "x")
}

func TestWorkCompleteCarriesExactlyOne(t *testing.T) {
	failure := "bad"
	both := &Envelope{Type: TypeWorkComplete, WorkID: "w", Result: []byte{0xf6}, Failure: &failure}
	_, err := both.Message()
	assert.ErrorIs(t, err, ErrMalformed)

	neither := &Envelope{Type: TypeWorkComplete, WorkID: "w"}
	_, err = neither.Message()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUndecodableResultFailsWork(t *testing.T) {
	raw, err := codec.Marshal(uint64(math.MaxUint64))
	require.NoError(t, err)

	env := &Envelope{Type: TypeWorkComplete, WorkID: "w-9", Result: raw}
	msg, err := env.Message()
	require.NoError(t, err)

	wc, ok := msg.(*WorkComplete)
	require.True(t, ok)
	assert.Equal(t, "w-9", wc.WorkID)
	require.True(t, wc.Failed())
	assert.Contains(t, *wc.Failure, "undecodable result")
}

func TestResponseTextKey(t *testing.T) {
	env, err := Wrap(Error("no such interface"))
	require.NoError(t, err)
	assert.Equal(t, "no such interface", env.Text)

	data, err := codec.Marshal(env)
	require.NoError(t, err)
	var raw map[any]any
	require.NoError(t, codec.Unmarshal(data, &raw))
	assert.Equal(t, "no such interface", raw["m"])
}

func TestUnknownType(t *testing.T) {
	env := &Envelope{Type: Type(42)}
	_, err := env.Message()
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestMissingFields(t *testing.T) {
	for _, env := range []*Envelope{
		{Type: TypeSupports},
		{Type: TypeResponse},
		{Type: TypeDoWork, WorkID: "w"},
		{Type: TypeWorkComplete, Result: []byte{0xf6}},
	} {
		_, err := env.Message()
		assert.ErrorIs(t, err, ErrMalformed, "type %s", env.Type)
	}
}

func TestErrorGuard(t *testing.T) {
	assert.NoError(t, ErrorGuard(OK()))

	err := ErrorGuard(Error("nope"))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "nope", remote.Message)

	assert.ErrorIs(t, ErrorGuard(&Ping{}), ErrProtocol)
	assert.ErrorIs(t, ErrorGuard(nil), ErrProtocol)
}

func TestExpectGuard(t *testing.T) {
	assert.NoError(t, ExpectGuard(TypePing, &Ping{}))
	assert.ErrorIs(t, ExpectGuard(TypeResponse, &Ping{}), ErrProtocol)
}

func TestOverStream(t *testing.T) {
	a, b := net.Pipe()
	r, w := stream.New(a), stream.New(b)
	defer r.Close()
	defer w.Close()

	msgs := []Message{&Ping{}, NewDoWork("a", "s", nil, nil), &Ping{}, WorkFailed("b", "x")}
	go func() {
		for _, m := range msgs {
			_ = Send(w, m)
		}
	}()

	for _, want := range msgs {
		got, err := Receive(r)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
