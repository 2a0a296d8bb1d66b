package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/dgram/internal/logging"
	"github.com/danmuck/dgram/internal/observability"
	"github.com/danmuck/dgram/internal/peer"
	"github.com/danmuck/dgram/internal/protocol"
	"github.com/danmuck/dgram/internal/protocol/session"
	"github.com/danmuck/dgram/internal/relay"
)

const defaultConfigPath = "cmd/dgramctl/config.toml"

type lineKind int

const (
	lineEmpty lineKind = iota
	lineChat
	linePeers
	lineConnect
	lineQuit
	lineUnknown
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "client config path")
	addr := flag.String("addr", "", "override server_addr")
	key := flag.String("key", "", "override connection_key")
	flag.Parse()

	logging.ConfigureRuntime()
	observability.InitLogger("dgramctl")

	cfg := defaultClientConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := loadClientConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dgramctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if v := strings.TrimSpace(*addr); v != "" {
		cfg.ServerAddr = v
	}
	if *key != "" {
		cfg.ConnectionKey = *key
	}

	if err := run(cfg, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "dgramctl: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg clientConfig, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := peer.New(cfg.Peer, peer.Handlers{
		OnAccepted: func() {
			fmt.Fprintf(out, "connected to %s\n", cfg.ServerAddr)
		},
		OnData: func(cmd protocol.Command, buf *protocol.Buffer) {
			printMessage(out, cmd, buf)
		},
		OnDisconnected: func(err error) {
			fmt.Fprintf(out, "disconnected: %v\n", err)
		},
	})
	defer p.Close()

	if err := handshake(ctx, p, cfg.ServerAddr, cfg.ConnectionKey); err != nil {
		fmt.Fprintf(out, "handshake failed: %v\n", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(out, cfg.Prompt)
		var line string
		select {
		case <-ctx.Done():
			_ = p.Send(relay.CommandLeave)
			return nil
		case l, ok := <-lines:
			if !ok {
				_ = p.Send(relay.CommandLeave)
				return nil
			}
			line = l
		}

		kind, arg := parseLine(line)
		switch kind {
		case lineEmpty:
		case lineQuit:
			_ = p.Send(relay.CommandLeave)
			return nil
		case lineConnect:
			connectKey := cfg.ConnectionKey
			if arg != "" {
				connectKey = arg
			}
			if err := handshake(ctx, p, cfg.ServerAddr, connectKey); err != nil {
				fmt.Fprintf(out, "handshake failed: %v\n", err)
			}
		case linePeers:
			if err := p.Send(relay.CommandPeers); err != nil {
				fmt.Fprintf(out, "send failed: %v\n", err)
			}
		case lineChat:
			if p.State() != session.StateConnected {
				fmt.Fprintln(out, "not connected; use /connect <key>")
				continue
			}
			if err := p.SendBuffer(relay.EncodeChatRequest(arg)); err != nil {
				fmt.Fprintf(out, "send failed: %v\n", err)
			}
		default:
			fmt.Fprintf(out, "unknown command %s (try /peers, /connect <key>, /quit)\n", arg)
		}
	}
}

func handshake(ctx context.Context, p *peer.Peer, addr, key string) error {
	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := p.Handshake(hctx, addr, key)
	if errors.Is(err, peer.ErrHandshakeTimeout) {
		return fmt.Errorf("%w (server full or unreachable)", err)
	}
	return err
}

func parseLine(line string) (lineKind, string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return lineEmpty, ""
	}
	if !strings.HasPrefix(trimmed, "/") {
		return lineChat, trimmed
	}
	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "/peers":
		return linePeers, ""
	case "/quit", "/exit":
		return lineQuit, ""
	case "/connect":
		if len(fields) > 1 {
			return lineConnect, fields[1]
		}
		return lineConnect, ""
	default:
		return lineUnknown, fields[0]
	}
}

func printMessage(out io.Writer, cmd protocol.Command, buf *protocol.Buffer) {
	switch cmd {
	case relay.CommandChat:
		c, err := relay.DecodeChat(buf)
		if err != nil {
			return
		}
		fmt.Fprintf(out, "\n[%s] %s\n", c.From, c.Text)
	case relay.CommandPeers:
		members, err := relay.DecodePeers(buf)
		if err != nil {
			return
		}
		fmt.Fprintf(out, "\n%d peer(s)\n", len(members))
		for _, m := range members {
			fmt.Fprintf(out, "  slot=%d addr=%s liveness=%s\n", m.Slot, m.Addr, m.Liveness)
		}
	}
}
