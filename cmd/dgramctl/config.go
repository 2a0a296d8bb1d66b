package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dgram/internal/peer"
)

type fileConfig struct {
	Name              string `toml:"name"`
	ServerAddr        string `toml:"server_addr"`
	ConnectionKey     string `toml:"connection_key"`
	HandshakeAttempts int    `toml:"handshake_attempts"`
	BackoffInitial    string `toml:"backoff_initial"`
	BackoffMax        string `toml:"backoff_max"`
	BackoffJitter     bool   `toml:"backoff_jitter"`
	Prompt            string `toml:"prompt"`
}

// clientConfig is the resolved dgramctl runtime configuration.
type clientConfig struct {
	ServerAddr    string
	ConnectionKey string
	Prompt        string
	Peer          peer.Config
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		ServerAddr: "127.0.0.1:7777",
		Prompt:     "> ",
		Peer:       peer.DefaultConfig(),
	}
}

func loadClientConfig(path string) (clientConfig, error) {
	cfg := defaultClientConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return clientConfig{}, fmt.Errorf("load dgramctl config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Peer.Name = name
		}
	}

	if meta.IsDefined("server_addr") {
		cfg.ServerAddr = strings.TrimSpace(raw.ServerAddr)
	}

	if meta.IsDefined("connection_key") {
		cfg.ConnectionKey = raw.ConnectionKey
	}

	if meta.IsDefined("handshake_attempts") {
		cfg.Peer.Session.HandshakeAttempts = raw.HandshakeAttempts
	}

	if meta.IsDefined("backoff_initial") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BackoffInitial))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse backoff_initial: %w", err)
		}
		cfg.Peer.Session.Backoff.InitialDelay = d
	}

	if meta.IsDefined("backoff_max") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BackoffMax))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse backoff_max: %w", err)
		}
		cfg.Peer.Session.Backoff.MaxDelay = d
	}

	if meta.IsDefined("backoff_jitter") {
		cfg.Peer.Session.Backoff.Jitter = raw.BackoffJitter
	}

	if meta.IsDefined("prompt") {
		cfg.Prompt = raw.Prompt
	}

	return cfg, nil
}
