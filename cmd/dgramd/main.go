package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/dgram/internal/admin"
	"github.com/danmuck/dgram/internal/config"
	"github.com/danmuck/dgram/internal/dispatcher"
	"github.com/danmuck/dgram/internal/liveness"
	"github.com/danmuck/dgram/internal/logging"
	"github.com/danmuck/dgram/internal/observability"
	"github.com/danmuck/dgram/internal/relay"
	"github.com/rs/zerolog/log"
)

const defaultConfigPath = "cmd/dgramd/config.toml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "server config path")
	listen := flag.String("listen", "", "override listen_addr")
	key := flag.String("key", "", "override connection_key")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("dgramd")

	cfg, err := loadConfig(*configPath, *listen, *key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dgramd: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dgramd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	room := relay.NewRoom()
	d, err := dispatcher.New(cfg.DispatcherConfig(), room.Handlers())
	if err != nil {
		return err
	}
	room.Attach(d)

	errCh := make(chan error, 2)
	if cfg.Liveness.Enabled {
		lcfg := cfg.LivenessConfig()
		prober := liveness.New(lcfg, d.Registry(), liveness.NewICMPPinger(cfg.Liveness.Privileged, lcfg.Timeout))
		go func() { errCh <- prober.Run(ctx) }()
	}
	if addr := strings.TrimSpace(cfg.AdminAddr); addr != "" {
		srv := admin.New(d, cfg.AdminConfig())
		go func() {
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				errCh <- fmt.Errorf("admin: %w", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.ListenAndServe(ctx) }()

	select {
	case err := <-serveErr:
		return err
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("auxiliary service failed")
			stop()
			return errors.Join(err, <-serveErr)
		}
		return <-serveErr
	}
}
