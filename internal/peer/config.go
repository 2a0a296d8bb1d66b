package peer

import (
	"errors"
	"strings"

	"github.com/danmuck/dgram/internal/protocol"
	"github.com/danmuck/dgram/internal/protocol/session"
)

var (
	ErrTransport        = errors.New("peer: transport failure")
	ErrNotDialed        = errors.New("peer: not dialed")
	ErrHandshakePending = errors.New("peer: handshake pending")
	ErrHandshakeTimeout = errors.New("peer: handshake timeout")
	ErrClosed           = errors.New("peer: closed")
)

// Config configures one initiating node.
type Config struct {
	// Name labels logs and metrics for this node.
	Name           string
	ReadBufferSize int
	Session        session.Config
}

func DefaultConfig() Config {
	return Config{
		Name:           "dgram-peer",
		ReadBufferSize: protocol.MaxDatagramSize,
		Session:        session.DefaultConfig(),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	c.Session = c.Session.WithDefaults()
	return c
}

// Handlers receives peer events. Nil fields are ignored.
type Handlers struct {
	// OnAccepted runs once when the responder accepts the handshake.
	OnAccepted func()
	// OnData runs for every datagram received while connected. buf is
	// positioned after the command tag.
	OnData func(cmd protocol.Command, buf *protocol.Buffer)
	// OnDisconnected runs when the transport fails while connected.
	OnDisconnected func(err error)
}

func (h Handlers) withDefaults() Handlers {
	if h.OnAccepted == nil {
		h.OnAccepted = func() {}
	}
	if h.OnData == nil {
		h.OnData = func(protocol.Command, *protocol.Buffer) {}
	}
	if h.OnDisconnected == nil {
		h.OnDisconnected = func(error) {}
	}
	return h
}
