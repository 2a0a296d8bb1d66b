package liveness

import (
	"context"
	"time"

	"github.com/danmuck/dgram/internal/observability"
	"github.com/danmuck/dgram/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Config configures the liveness prober.
type Config struct {
	// Name labels logs and metrics.
	Name     string
	Interval time.Duration
	// Timeout bounds one ping.
	Timeout time.Duration
	// FailureValue is recorded when a ping fails.
	FailureValue time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:         "dgram",
		Interval:     500 * time.Millisecond,
		Timeout:      400 * time.Millisecond,
		FailureValue: session.DefaultLivenessFailure,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.FailureValue <= 0 {
		c.FailureValue = def.FailureValue
	}
	return c
}

// Prober periodically measures every registered session and records the
// result through the registry.
type Prober struct {
	cfg      Config
	registry *session.Registry
	pinger   Pinger
	log      zerolog.Logger
}

func New(cfg Config, registry *session.Registry, pinger Pinger) *Prober {
	cfg = cfg.WithDefaults()
	return &Prober{
		cfg:      cfg,
		registry: registry,
		pinger:   pinger,
		log: observability.Component("liveness").With().
			Str("node", cfg.Name).
			Logger(),
	}
}

// Run probes every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	p.log.Info().Dur("interval", p.cfg.Interval).Msg("liveness prober started")
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		p.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
			p.log.Info().Msg("liveness prober stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProbeOnce pings each current session once. A session removed while its
// ping is in flight is skipped.
func (p *Prober) ProbeOnce(ctx context.Context) {
	for _, s := range p.registry.Sessions() {
		if ctx.Err() != nil {
			return
		}
		rtt, ok := p.ping(ctx, s)
		if ctx.Err() != nil {
			return
		}
		observability.RecordLiveness(p.cfg.Name, rtt, ok)
		if !ok {
			rtt = p.cfg.FailureValue
		}
		if !p.registry.UpdateLiveness(s.Addr(), rtt) {
			p.log.Debug().Str("peer", s.String()).Msg("session gone before liveness update")
		}
	}
}

func (p *Prober) ping(ctx context.Context, s *session.Session) (time.Duration, bool) {
	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	rtt, err := p.pinger.Ping(pingCtx, s.Addr().Addr())
	if err != nil {
		p.log.Debug().Err(err).Str("peer", s.String()).Msg("liveness probe failed")
		return 0, false
	}
	return rtt, true
}
