package protocol

import "errors"

var (
	ErrTruncated       = errors.New("protocol: truncated message")
	ErrInvalidLength   = errors.New("protocol: invalid length")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)
