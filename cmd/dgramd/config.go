package main

import (
	"errors"
	"os"
	"strings"

	"github.com/danmuck/dgram/internal/config"
)

// loadConfig reads path and applies flag overrides. A missing file at the
// default path falls back to the built-in template.
func loadConfig(path, listen, key string) (config.ServerConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		path = "cmd/dgramd/ex.config.toml"
	}
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		return config.ServerConfig{}, err
	}
	if v := strings.TrimSpace(listen); v != "" {
		cfg.ListenAddr = v
	}
	if key != "" {
		cfg.ConnectionKey = key
	}
	if err := config.ValidateServerConfig(cfg); err != nil {
		return config.ServerConfig{}, err
	}
	return cfg, nil
}
