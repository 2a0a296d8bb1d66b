package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `name = "dgramd"
listen_addr = ":7777"
connection_key = "change-me"
max_peers = 4
auto_remove = true
admin_addr = "127.0.0.1:7780"
admin_token = ""
cors_origins = ["http://localhost:3000"]

[liveness]
enabled = true
privileged = false
interval = "500ms"
timeout = "400ms"
failure = "999ms"
`

const clientTemplate = `name = "dgramctl"
server_addr = "127.0.0.1:7777"
connection_key = "change-me"
handshake_attempts = 5
backoff_initial = "250ms"
backoff_max = "2s"
`
