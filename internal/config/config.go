package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var (
	ErrMissingName     = errors.New("config: name is required")
	ErrMissingAddr     = errors.New("config: address is required")
	ErrMissingKey      = errors.New("config: connection_key is required")
	ErrInvalidMaxPeers = errors.New("config: max_peers must be positive")
	ErrInvalidDuration = errors.New("config: invalid duration")
)

// ServerConfig is the dgramd node file.
type ServerConfig struct {
	Name          string         `toml:"name"`
	ListenAddr    string         `toml:"listen_addr"`
	ConnectionKey string         `toml:"connection_key"`
	MaxPeers      int            `toml:"max_peers"`
	AutoRemove    *bool          `toml:"auto_remove"`
	AdminAddr     string         `toml:"admin_addr"`
	AdminToken    string         `toml:"admin_token"`
	CorsOrigins   []string       `toml:"cors_origins"`
	Liveness      LivenessConfig `toml:"liveness"`
}

type LivenessConfig struct {
	Enabled    bool   `toml:"enabled"`
	Privileged bool   `toml:"privileged"`
	Interval   string `toml:"interval"`
	Timeout    string `toml:"timeout"`
	Failure    string `toml:"failure"`
}

// ClientConfig is the dgramctl node file.
type ClientConfig struct {
	Name              string `toml:"name"`
	ServerAddr        string `toml:"server_addr"`
	ConnectionKey     string `toml:"connection_key"`
	HandshakeAttempts int    `toml:"handshake_attempts"`
	BackoffInitial    string `toml:"backoff_initial"`
	BackoffMax        string `toml:"backoff_max"`
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "dgramd"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":7777"
	}
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = 4
	}
	if cfg.AutoRemove == nil {
		v := true
		cfg.AutoRemove = &v
	}
	if cfg.Liveness.Interval == "" {
		cfg.Liveness.Interval = "500ms"
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "dgramctl"
	}
	if cfg.ServerAddr == "" {
		cfg.ServerAddr = "127.0.0.1:7777"
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return ErrMissingName
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("%w: listen_addr", ErrMissingAddr)
	}
	if cfg.ConnectionKey == "" {
		return ErrMissingKey
	}
	if cfg.MaxPeers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxPeers, cfg.MaxPeers)
	}
	for field, raw := range map[string]string{
		"liveness.interval": cfg.Liveness.Interval,
		"liveness.timeout":  cfg.Liveness.Timeout,
		"liveness.failure":  cfg.Liveness.Failure,
	} {
		if _, err := parseDuration(field, raw); err != nil {
			return err
		}
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return ErrMissingName
	}
	if strings.TrimSpace(cfg.ServerAddr) == "" {
		return fmt.Errorf("%w: server_addr", ErrMissingAddr)
	}
	if _, err := parseDuration("backoff_initial", cfg.BackoffInitial); err != nil {
		return err
	}
	if _, err := parseDuration("backoff_max", cfg.BackoffMax); err != nil {
		return err
	}
	return nil
}

// parseDuration treats an empty value as unset.
func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidDuration, field, raw)
	}
	return d, nil
}
