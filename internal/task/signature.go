package task

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// Kind describes how one declared parameter accepts arguments.
type Kind uint8

const (
	// Positional parameters take one positional argument.
	Positional Kind = iota + 1
	// Keyword parameters take one named argument.
	Keyword
	// VarPositional collects any remaining positional arguments.
	VarPositional
	// VarKeyword collects any remaining named arguments.
	VarKeyword
)

func (k Kind) String() string {
	switch k {
	case Positional:
		return "positional"
	case Keyword:
		return "keyword"
	case VarPositional:
		return "*args"
	case VarKeyword:
		return "**kwargs"
	default:
		return "invalid"
	}
}

// Shape is the ordered list of parameter kinds of a task.
type Shape []Kind

// Equal reports whether both shapes have the same kinds in the same order.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, k := range s {
		parts[i] = k.String()
	}
	return strings.Join(parts, ", ")
}

func (s Shape) valid() bool {
	for _, k := range s {
		if k < Positional || k > VarKeyword {
			return false
		}
	}
	return true
}

// canonical appends the stable byte encoding of a task to dst:
//
//	uvarint(len(iface)) iface uvarint(len(name)) name kind...
func canonical(dst []byte, iface, name string, shape Shape) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(iface)))
	dst = append(dst, iface...)
	dst = binary.AppendUvarint(dst, uint64(len(name)))
	dst = append(dst, name...)
	for _, k := range shape {
		dst = append(dst, byte(k))
	}
	return dst
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Signature returns the hex BLAKE3-256 digest identifying a task with the
// given interface name, task name and shape. It is stable across processes.
func Signature(iface, name string, shape Shape) string {
	return digest(canonical(nil, iface, name, shape))
}
