package session

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/danmuck/dgram/internal/protocol"
)

// Status is the Connect response payload.
type Status int32

const (
	StatusAccepted Status = 1
	StatusDeclined Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusDeclined:
		return "declined"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

var (
	ErrHandshakeRejected = errors.New("session: handshake rejected")
	ErrInvalidStatus     = errors.New("session: invalid connect status")
	ErrUnexpectedCommand = errors.New("session: unexpected command")
)

// EncodeConnectRequest builds the initiator's Connect datagram.
func EncodeConnectRequest(key string) *protocol.Buffer {
	return protocol.NewMessage(protocol.CommandConnect, protocol.String(key))
}

// DecodeConnectRequest reads the key from a Connect datagram whose tag was
// already consumed.
func DecodeConnectRequest(buf *protocol.Buffer) (string, error) {
	return buf.GetString()
}

// EncodeConnectResponse builds the responder's status datagram.
func EncodeConnectResponse(status Status) *protocol.Buffer {
	return protocol.NewMessage(protocol.CommandConnect, protocol.Int32(int32(status)))
}

// DecodeConnectResponse reads the status from a Connect datagram whose tag
// was already consumed.
func DecodeConnectResponse(buf *protocol.Buffer) (Status, error) {
	v, err := buf.GetInt32()
	if err != nil {
		return 0, err
	}
	status := Status(v)
	switch status {
	case StatusAccepted, StatusDeclined:
		return status, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidStatus, v)
	}
}

// ParseConnectResponse decodes a full datagram expected to be a Connect
// response.
func ParseConnectResponse(datagram []byte) (Status, error) {
	cmd, buf, err := protocol.ReadCommand(datagram)
	if err != nil {
		return 0, err
	}
	if cmd != protocol.CommandConnect {
		return 0, fmt.Errorf("%w: %d", ErrUnexpectedCommand, cmd)
	}
	return DecodeConnectResponse(buf)
}

// KeyMatches reports exact equality of the configured and supplied keys.
func KeyMatches(configured, supplied string) bool {
	return subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) == 1
}
