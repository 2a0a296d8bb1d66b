package protocol

import (
	"fmt"
	"math"
)

// Kind is the closed set of encodable value kinds.
type Kind uint8

const (
	KindInt32 Kind = iota + 1
	KindUint32
	KindUint16
	KindFloat64
	KindByte
	KindString
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindUint16:
		return "uint16"
	case KindFloat64:
		return "float64"
	case KindByte:
		return "byte"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one field of an outbound message. Values are only built by the
// constructors below, so the kind is always fixed at the call site.
type Value struct {
	kind Kind
	num  uint64
	str  string
	raw  []byte
}

// Int32 creates an int32 value.
func Int32(v int32) Value { return Value{kind: KindInt32, num: uint64(uint32(v))} }

// Uint32 creates a uint32 value.
func Uint32(v uint32) Value { return Value{kind: KindUint32, num: uint64(v)} }

// Uint16 creates a uint16 value.
func Uint16(v uint16) Value { return Value{kind: KindUint16, num: uint64(v)} }

// Float64 creates a float64 value.
func Float64(v float64) Value { return Value{kind: KindFloat64, num: math.Float64bits(v)} }

// Byte creates a single byte value.
func Byte(v byte) Value { return Value{kind: KindByte, num: uint64(v)} }

// String creates a length-prefixed string value.
func String(v string) Value { return Value{kind: KindString, str: v} }

// Bytes creates a length-prefixed byte sequence value.
func Bytes(v []byte) Value { return Value{kind: KindBytes, raw: v} }

// Kind returns the value kind.
func (v Value) Kind() Kind { return v.kind }

// Put appends values in order. The zero Value is skipped.
func (b *Buffer) Put(values ...Value) {
	for _, v := range values {
		switch v.kind {
		case KindInt32:
			b.PutInt32(int32(uint32(v.num)))
		case KindUint32:
			b.PutUint32(uint32(v.num))
		case KindUint16:
			b.PutUint16(uint16(v.num))
		case KindFloat64:
			b.PutFloat64(math.Float64frombits(v.num))
		case KindByte:
			b.PutByte(byte(v.num))
		case KindString:
			b.PutString(v.str)
		case KindBytes:
			b.PutBytes(v.raw)
		}
	}
}
