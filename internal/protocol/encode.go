package protocol

import "math"

// grow makes room for size more bytes at the cursor and returns the
// write offset.
func (b *Buffer) grow(size int) int {
	need := b.pos + size
	if need > len(b.data) {
		capacity := len(b.data)
		if capacity == 0 {
			capacity = DefaultCapacity
		}
		for capacity < need {
			capacity *= 2
		}
		next := make([]byte, capacity)
		copy(next, b.data[:b.length])
		b.data = next
	}
	at := b.pos
	b.pos = need
	if b.pos > b.length {
		b.length = b.pos
	}
	return at
}

// PutInt32 appends v as 4 little-endian bytes.
func (b *Buffer) PutInt32(v int32) {
	at := b.grow(4)
	ByteOrder.PutUint32(b.data[at:], uint32(v))
}

// PutUint32 appends v as 4 little-endian bytes.
func (b *Buffer) PutUint32(v uint32) {
	at := b.grow(4)
	ByteOrder.PutUint32(b.data[at:], v)
}

// PutUint16 appends v as 2 little-endian bytes.
func (b *Buffer) PutUint16(v uint16) {
	at := b.grow(2)
	ByteOrder.PutUint16(b.data[at:], v)
}

// PutFloat64 appends the IEEE 754 bits of v as 8 little-endian bytes.
func (b *Buffer) PutFloat64(v float64) {
	at := b.grow(8)
	ByteOrder.PutUint64(b.data[at:], math.Float64bits(v))
}

// PutByte appends a single byte.
func (b *Buffer) PutByte(v byte) {
	at := b.grow(1)
	b.data[at] = v
}

// PutString writes an int32 byte count followed by the raw bytes of s.
// Only 7-bit ASCII is part of the contract.
func (b *Buffer) PutString(s string) {
	b.PutInt32(int32(len(s)))
	at := b.grow(len(s))
	copy(b.data[at:], s)
}

// PutBytes writes an int32 length followed by v.
func (b *Buffer) PutBytes(v []byte) {
	b.PutInt32(int32(len(v)))
	at := b.grow(len(v))
	copy(b.data[at:], v)
}

// PutCommand writes the leading command tag.
func (b *Buffer) PutCommand(c Command) {
	b.PutInt32(int32(c))
}

// NewMessage returns a buffer holding cmd followed by values.
func NewMessage(cmd Command, values ...Value) *Buffer {
	buf := NewBuffer()
	buf.PutCommand(cmd)
	buf.Put(values...)
	return buf
}

// CheckDatagram reports whether buf fits in a single datagram.
func CheckDatagram(buf *Buffer) error {
	if buf.Len() > MaxDatagramSize {
		return ErrPayloadTooLarge
	}
	return nil
}
