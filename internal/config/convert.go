package config

import (
	"github.com/danmuck/dgram/internal/admin"
	"github.com/danmuck/dgram/internal/auth"
	"github.com/danmuck/dgram/internal/dispatcher"
	"github.com/danmuck/dgram/internal/liveness"
	"github.com/danmuck/dgram/internal/peer"
)

// DispatcherConfig maps a validated server file onto the dispatcher.
func (c ServerConfig) DispatcherConfig() dispatcher.Config {
	cfg := dispatcher.DefaultConfig()
	cfg.Name = c.Name
	cfg.ListenAddr = c.ListenAddr
	cfg.Session.ConnectionKey = c.ConnectionKey
	cfg.Session.MaxPeers = c.MaxPeers
	if c.AutoRemove != nil {
		cfg.Session.AutoRemove = *c.AutoRemove
	}
	return cfg
}

// AdminConfig maps the admin settings. An empty admin_token leaves
// mutating routes open.
func (c ServerConfig) AdminConfig() admin.Config {
	cfg := admin.Config{CorsOrigins: c.CorsOrigins}
	if c.AdminToken != "" {
		cfg.Token = auth.StaticToken(c.AdminToken)
	}
	return cfg
}

// LivenessConfig maps the liveness table; unset durations keep defaults.
func (c ServerConfig) LivenessConfig() liveness.Config {
	cfg := liveness.DefaultConfig()
	cfg.Name = c.Name
	if d, _ := parseDuration("liveness.interval", c.Liveness.Interval); d > 0 {
		cfg.Interval = d
	}
	if d, _ := parseDuration("liveness.timeout", c.Liveness.Timeout); d > 0 {
		cfg.Timeout = d
	}
	if d, _ := parseDuration("liveness.failure", c.Liveness.Failure); d > 0 {
		cfg.FailureValue = d
	}
	return cfg
}

// PeerConfig maps a validated client file onto the peer.
func (c ClientConfig) PeerConfig() peer.Config {
	cfg := peer.DefaultConfig()
	cfg.Name = c.Name
	cfg.Session.ConnectionKey = c.ConnectionKey
	if c.HandshakeAttempts != 0 {
		cfg.Session.HandshakeAttempts = c.HandshakeAttempts
	}
	if d, _ := parseDuration("backoff_initial", c.BackoffInitial); d > 0 {
		cfg.Session.Backoff.InitialDelay = d
	}
	if d, _ := parseDuration("backoff_max", c.BackoffMax); d > 0 {
		cfg.Session.Backoff.MaxDelay = d
	}
	return cfg
}
