package protocol

import (
	"fmt"
	"math"
)

// take bounds-checks size bytes at the cursor. On success the cursor
// advances; on failure it stays put.
func (b *Buffer) take(size int) ([]byte, error) {
	if size < 0 || size > b.length-b.pos {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, size, b.pos, b.length-b.pos)
	}
	at := b.pos
	b.pos += size
	return b.data[at:b.pos], nil
}

// GetInt32 reads the next 4 bytes as int32.
func (b *Buffer) GetInt32() (int32, error) {
	raw, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return int32(ByteOrder.Uint32(raw)), nil
}

// GetUint32 reads the next 4 bytes as uint32.
func (b *Buffer) GetUint32() (uint32, error) {
	raw, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return ByteOrder.Uint32(raw), nil
}

// GetUint16 reads the next 2 bytes as uint16.
func (b *Buffer) GetUint16() (uint16, error) {
	raw, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return ByteOrder.Uint16(raw), nil
}

// GetFloat64 reads the next 8 bytes as float64.
func (b *Buffer) GetFloat64() (float64, error) {
	raw, err := b.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(ByteOrder.Uint64(raw)), nil
}

// GetByte reads the next byte.
func (b *Buffer) GetByte() (byte, error) {
	raw, err := b.take(1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

// GetString reads an int32 byte count followed by that many bytes.
func (b *Buffer) GetString() (string, error) {
	raw, err := b.getPrefixed()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// GetBytes returns a copy of the next length-prefixed byte sequence.
func (b *Buffer) GetBytes() ([]byte, error) {
	raw, err := b.getPrefixed()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// GetCommand reads the leading command tag.
func (b *Buffer) GetCommand() (Command, error) {
	v, err := b.GetInt32()
	if err != nil {
		return 0, err
	}
	return Command(v), nil
}

// ReadCommand wraps a received datagram and decodes its command tag. The
// returned buffer is positioned right after the tag.
func ReadCommand(datagram []byte) (Command, *Buffer, error) {
	buf := WrapBuffer(datagram)
	cmd, err := buf.GetCommand()
	if err != nil {
		return 0, nil, err
	}
	return cmd, buf, nil
}

func (b *Buffer) getPrefixed() ([]byte, error) {
	start := b.pos
	n, err := b.GetInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		b.pos = start
		return nil, fmt.Errorf("%w: negative length prefix %d", ErrInvalidLength, n)
	}
	raw, err := b.take(int(n))
	if err != nil {
		b.pos = start
		return nil, err
	}
	return raw, nil
}
