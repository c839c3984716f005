// Package codec turns nested values into bytes and back.
//
// Values are encoded as deterministic CBOR (RFC 8949). Decoding into an empty
// interface produces a fixed set of Go types so that a value survives a round
// trip unchanged:
//
//	nil, bool, int64, float64, string, []byte, []any, map[any]any, Set
//
// Shared or cyclic references are not supported.
package codec

import (
	"fmt"
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

// TagSet is the IANA registered CBOR tag for mathematical finite sets.
const TagSet = 258

// Set is an unordered collection of distinct values. Element order is kept
// on the wire but carries no meaning.
type Set []any

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	tags := cbor.NewTagSet()
	if err := tags.Add(
		cbor.TagOptions{EncTag: cbor.EncTagRequired, DecTag: cbor.DecTagRequired},
		reflect.TypeOf(Set(nil)),
		TagSet,
	); err != nil {
		panic(fmt.Sprintf("codec: register set tag: %v", err))
	}

	var err error
	encMode, err = cbor.CanonicalEncOptions().EncModeWithTags(tags)
	if err != nil {
		panic(fmt.Sprintf("codec: build encoder: %v", err))
	}

	decMode, err = cbor.DecOptions{
		IntDec:           cbor.IntDecConvertSigned,
		MaxNestedLevels:  64,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MapKeyByteString: cbor.MapKeyByteStringForbidden,
		// The wire envelope uses "t" and "T" as distinct keys.
		FieldNameMatching: cbor.FieldNameMatchingCaseSensitive,
	}.DecModeWithTags(tags)
	if err != nil {
		panic(fmt.Sprintf("codec: build decoder: %v", err))
	}
}

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes data into v, which must be a non-nil pointer.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// RawMessage is an encoded value whose decoding is deferred.
type RawMessage = cbor.RawMessage

// Contains reports whether the set holds a value equal to v.
func (s Set) Contains(v any) bool {
	for _, e := range s {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}
