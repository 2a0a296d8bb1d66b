package protocol

import "encoding/binary"

// ByteOrder is the fixed byte order of every multi-byte wire value.
var ByteOrder = binary.LittleEndian

const (
	// DefaultCapacity is the initial capacity of a fresh Buffer.
	DefaultCapacity = 64

	// MaxDatagramSize is the largest UDP payload over IPv4.
	MaxDatagramSize = 65507

	// CommandSize is the width of the leading command tag.
	CommandSize = 4
)

// Command is the leading int32 tag of every datagram.
type Command int32

// CommandConnect is reserved for the handshake. Every other value is
// application defined.
const CommandConnect Command = 1

// Reserved reports whether c is owned by the session layer.
func (c Command) Reserved() bool {
	return c == CommandConnect
}

// Buffer is a growable byte sequence with a single write/read cursor.
//
// A Buffer from NewBuffer starts empty with DefaultCapacity bytes of
// backing storage. A Buffer from WrapBuffer reads an existing datagram;
// its write API still works and reallocates when it grows past the end.
type Buffer struct {
	data   []byte
	pos    int
	length int
}

// NewBuffer returns an empty buffer ready for writing.
func NewBuffer() *Buffer {
	return &Buffer{data: make([]byte, DefaultCapacity)}
}

// WrapBuffer returns a buffer positioned at the start of b. The buffer
// aliases b until a write forces it to grow.
func WrapBuffer(b []byte) *Buffer {
	return &Buffer{data: b, length: len(b)}
}

// Bytes returns the valid bytes of the buffer. The slice aliases the
// backing storage.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.length]
}

// Len is the number of valid bytes.
func (b *Buffer) Len() int { return b.length }

// Cap is the size of the backing storage.
func (b *Buffer) Cap() int { return len(b.data) }

// Position is the current cursor.
func (b *Buffer) Position() int { return b.pos }

// Remaining is the number of valid bytes after the cursor.
func (b *Buffer) Remaining() int { return b.length - b.pos }

// Rewind moves the cursor back to the start without touching the data.
func (b *Buffer) Rewind() { b.pos = 0 }

// Clone returns a read buffer over a copy of the valid bytes.
func (b *Buffer) Clone() *Buffer {
	out := make([]byte, b.length)
	copy(out, b.data[:b.length])
	return WrapBuffer(out)
}
