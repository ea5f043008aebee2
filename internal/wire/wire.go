// Package wire defines the replication messages exchanged between nodes
// and the encoding of replicated point batches.
//
// Messages are protobuf encoded by hand with protowire, so no generated
// code is needed. Field numbers are part of the cross-node contract and
// must not change.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/tsdb/internal/errors"
)

// Message is implemented by every replication message.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

// Response is implemented by every response message.
type Response interface {
	Message
	Code() int32
	Text() string
}

// =============================================================================
// Field decoding
// =============================================================================

// field is one decoded tag with its raw value bytes.
type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
}

func corrupt(n int) error {
	return fmt.Errorf("%w: %w", errors.ErrCorrupt, protowire.ParseError(n))
}

func wrongType(f *field) error {
	return fmt.Errorf("field %d has wire type %d: %w", f.num, f.typ, errors.ErrCorrupt)
}

// decode calls fn for every field of b in order.
func decode(b []byte, fn func(f *field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return corrupt(n)
		}
		b = b[n:]

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return corrupt(m)
		}
		if err := fn(&field{num: num, typ: typ, raw: b[:m]}); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func (f *field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, wrongType(f)
	}
	v, n := protowire.ConsumeBytes(f.raw)
	if n < 0 {
		return nil, corrupt(n)
	}
	return v, nil
}

func (f *field) string() (string, error) {
	v, err := f.bytes()
	return string(v), err
}

func (f *field) varint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, wrongType(f)
	}
	v, n := protowire.ConsumeVarint(f.raw)
	if n < 0 {
		return 0, corrupt(n)
	}
	return v, nil
}

func (f *field) int64() (int64, error) {
	v, err := f.varint()
	return int64(v), err
}

func (f *field) int32() (int32, error) {
	v, err := f.varint()
	return int32(v), err
}

func (f *field) bool() (bool, error) {
	v, err := f.varint()
	return v != 0, err
}

func (f *field) sint64() (int64, error) {
	v, err := f.varint()
	return protowire.DecodeZigZag(v), err
}

func (f *field) fixed64() (uint64, error) {
	if f.typ != protowire.Fixed64Type {
		return 0, wrongType(f)
	}
	v, n := protowire.ConsumeFixed64(f.raw)
	if n < 0 {
		return 0, corrupt(n)
	}
	return v, nil
}

// =============================================================================
// Field encoding
// =============================================================================

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}
