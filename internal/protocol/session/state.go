package session

// HandshakeState is the lifecycle of one peer's join attempt.
type HandshakeState uint8

const (
	StateUnregistered HandshakeState = iota
	StatePending
	StateConnected
	StateDeclined
	StateDisconnected
)

func (s HandshakeState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	case StateDeclined:
		return "declined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Resolved reports whether the handshake reached an outcome.
func (s HandshakeState) Resolved() bool {
	return s == StateConnected || s == StateDeclined || s == StateDisconnected
}
