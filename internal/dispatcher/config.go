package dispatcher

import (
	"strings"

	"github.com/danmuck/dgram/internal/protocol"
	"github.com/danmuck/dgram/internal/protocol/session"
)

// Config configures one listening node.
type Config struct {
	ListenAddr string
	// Name labels logs and metrics for this node.
	Name           string
	ReadBufferSize int
	Session        session.Config
}

// Dispatcher defaults for a local listening node.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":7777",
		Name:           "dgram",
		ReadBufferSize: protocol.MaxDatagramSize,
		Session:        session.DefaultConfig(),
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	c.Session = c.Session.WithDefaults()
	return c
}

// Handlers receives session events. Nil fields are ignored.
type Handlers struct {
	// OnConnect runs after a peer is admitted and answered.
	OnConnect func(s *session.Session)
	// OnData runs for every datagram from an admitted peer. buf is
	// positioned after the command tag and owned by the callback.
	OnData func(s *session.Session, cmd protocol.Command, buf *protocol.Buffer)
	// OnDisconnect runs when a transport failure is attributed to s.
	OnDisconnect func(s *session.Session, err error)
}

func (h Handlers) withDefaults() Handlers {
	if h.OnConnect == nil {
		h.OnConnect = func(*session.Session) {}
	}
	if h.OnData == nil {
		h.OnData = func(*session.Session, protocol.Command, *protocol.Buffer) {}
	}
	if h.OnDisconnect == nil {
		h.OnDisconnect = func(*session.Session, error) {}
	}
	return h
}
