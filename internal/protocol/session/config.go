package session

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxPeers = 4

	// DefaultLivenessFailure is recorded when a liveness probe fails.
	DefaultLivenessFailure = 999 * time.Millisecond
)

var (
	ErrInvalidMaxPeers = errors.New("session: invalid max peers")
	ErrKeyRequired     = errors.New("session: connection key required")
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines the join policy shared by responders and initiators.
type Config struct {
	// ConnectionKey is compared for exact equality during the handshake.
	ConnectionKey string
	// MaxPeers is the registry capacity.
	MaxPeers int
	// AutoRemove frees a session slot when its transport fails.
	AutoRemove bool
	// HandshakeAttempts bounds initiator retries; zero retries forever.
	HandshakeAttempts int
	Backoff           BackoffConfig
}

// DefaultConfig returns protocol defaults.
func DefaultConfig() Config {
	return Config{
		MaxPeers:          DefaultMaxPeers,
		AutoRemove:        true,
		HandshakeAttempts: 5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued numeric fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.MaxPeers == 0 {
		c.MaxPeers = def.MaxPeers
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}

// ValidateResponder checks the settings a listening side needs.
func (c Config) ValidateResponder() error {
	if c.MaxPeers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxPeers, c.MaxPeers)
	}
	if c.ConnectionKey == "" {
		return ErrKeyRequired
	}
	return nil
}
