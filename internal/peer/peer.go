package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/dgram/internal/observability"
	"github.com/danmuck/dgram/internal/protocol"
	"github.com/danmuck/dgram/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Peer is the initiating side of the session protocol.
type Peer struct {
	cfg      Config
	handlers Handlers
	log      zerolog.Logger
	rng      *rand.Rand

	mu       sync.Mutex
	conn     *net.UDPConn
	target   string
	state    session.HandshakeState
	resolved chan struct{}
	lastErr  error
	closed   bool
	// redial forces a fresh local address after an abandoned handshake.
	redial bool
}

// New returns an undialed peer.
func New(cfg Config, h Handlers) *Peer {
	cfg = cfg.WithDefaults()
	return &Peer{
		cfg:      cfg,
		handlers: h.withDefaults(),
		log: observability.Component("peer").With().
			Str("node", cfg.Name).
			Logger(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Connect dials addr when needed and sends one Connect request carrying
// key. It does not wait for the reply; see Wait and Handshake. Connect on
// a connected peer is a no-op.
func (p *Peer) Connect(ctx context.Context, addr, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	switch p.state {
	case session.StateConnected:
		return nil
	case session.StatePending:
		return ErrHandshakePending
	}

	if p.conn == nil || p.target != addr || p.redial {
		if err := p.dialLocked(ctx, addr); err != nil {
			return err
		}
	}
	p.state = session.StatePending
	p.resolved = make(chan struct{})
	p.lastErr = nil
	if err := p.writeLocked(session.EncodeConnectRequest(key)); err != nil {
		p.state = session.StateUnregistered
		close(p.resolved)
		return err
	}
	p.log.Debug().Str("addr", addr).Msg("connect request sent")
	return nil
}

func (p *Peer) dialLocked(ctx context.Context, addr string) error {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrTransport, addr, err)
	}
	conn := raw.(*net.UDPConn)
	p.conn = conn
	p.target = addr
	p.redial = false
	go p.readLoop(conn)
	return nil
}

// Wait blocks until the outstanding handshake resolves or ctx is done.
// It returns nil once connected and session.ErrHandshakeRejected when
// declined.
func (p *Peer) Wait(ctx context.Context) error {
	p.mu.Lock()
	resolved := p.resolved
	p.mu.Unlock()
	if resolved == nil {
		return ErrNotDialed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resolved:
	}
	return p.outcome()
}

func (p *Peer) outcome() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	switch p.state {
	case session.StateConnected:
		return nil
	case session.StateDeclined:
		return session.ErrHandshakeRejected
	case session.StateDisconnected:
		if p.lastErr != nil {
			return p.lastErr
		}
		return ErrTransport
	case session.StatePending:
		return ErrHandshakePending
	default:
		return ErrHandshakeTimeout
	}
}

// Handshake sends Connect requests to addr with backoff until the
// responder answers, the configured attempts run out, or ctx is done.
// A full responder never answers, which surfaces as ErrHandshakeTimeout.
func (p *Peer) Handshake(ctx context.Context, addr, key string) error {
	if err := p.Connect(ctx, addr, key); err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		delay, last := p.cfg.Session.HandshakeWait(attempt, p.rng)
		waitCtx, cancel := context.WithTimeout(ctx, delay)
		err := p.Wait(waitCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			p.abandon()
			return ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if last {
			p.abandon()
			return fmt.Errorf("%w: no reply after %d attempts", ErrHandshakeTimeout, attempt)
		}
		p.log.Debug().Int("attempt", attempt).Str("addr", addr).Msg("connect request unanswered")
		if err := p.resend(key); err != nil {
			p.abandon()
			return err
		}
	}
}

func (p *Peer) resend(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.state != session.StatePending {
		return nil
	}
	return p.writeLocked(session.EncodeConnectRequest(key))
}

// abandon drops an outstanding handshake so a later Connect may retry.
// The socket stays open so a late accept still connects the peer; the
// next Connect dials a new one, because the responder may already hold a
// session for the current local address.
func (p *Peer) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != session.StatePending {
		return
	}
	p.state = session.StateUnregistered
	p.redial = true
	close(p.resolved)
}

// Send writes cmd followed by values as one datagram to the responder.
func (p *Peer) Send(cmd protocol.Command, values ...protocol.Value) error {
	return p.SendBuffer(protocol.NewMessage(cmd, values...))
}

// SendBuffer writes the valid bytes of buf as one datagram.
func (p *Peer) SendBuffer(buf *protocol.Buffer) error {
	if err := protocol.CheckDatagram(buf); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	conn := p.conn
	err := p.writeLocked(buf)
	p.mu.Unlock()
	if err != nil && conn != nil {
		p.transportFailed(conn, err)
	}
	return err
}

func (p *Peer) writeLocked(buf *protocol.Buffer) error {
	if p.conn == nil {
		return ErrNotDialed
	}
	payload := buf.Bytes()
	if _, err := p.conn.Write(payload); err != nil {
		observability.RecordDatagram(p.cfg.Name, observability.DirectionOut, observability.OutcomeError, 0)
		return fmt.Errorf("%w: send: %w", ErrTransport, err)
	}
	observability.RecordDatagram(p.cfg.Name, observability.DirectionOut, observability.OutcomeOK, len(payload))
	return nil
}

func (p *Peer) readLoop(conn *net.UDPConn) {
	buf := make([]byte, p.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !p.readFailed(conn, err) {
				return
			}
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		p.handleDatagram(conn, datagram)
	}
}

// readFailed reports whether the loop should keep reading conn.
func (p *Peer) readFailed(conn *net.UDPConn, err error) bool {
	p.mu.Lock()
	if p.closed || p.conn != conn || errors.Is(err, net.ErrClosed) {
		p.mu.Unlock()
		return false
	}
	if p.state != session.StateConnected {
		// The responder may not be up yet; handshake retries continue.
		p.mu.Unlock()
		p.log.Debug().Err(err).Msg("receive failed before connect")
		return true
	}
	p.mu.Unlock()
	p.transportFailed(conn, fmt.Errorf("%w: %w", ErrTransport, err))
	return false
}

// transportFailed moves a connected peer to Disconnected and releases
// conn. Failures on a stale conn or before acceptance are ignored.
func (p *Peer) transportFailed(conn *net.UDPConn, err error) {
	p.mu.Lock()
	if p.closed || p.conn != conn || p.state != session.StateConnected {
		p.mu.Unlock()
		return
	}
	p.state = session.StateDisconnected
	p.lastErr = err
	p.conn = nil
	target := p.target
	_ = conn.Close()
	p.mu.Unlock()

	p.log.Warn().Err(err).Str("addr", target).Msg("disconnected")
	p.invoke("disconnected", func() { p.handlers.OnDisconnected(err) })
}

func (p *Peer) handleDatagram(conn *net.UDPConn, datagram []byte) {
	cmd, buf, err := protocol.ReadCommand(datagram)
	if err != nil {
		observability.RecordDatagram(p.cfg.Name, observability.DirectionIn, observability.OutcomeMalformed, 0)
		p.log.Debug().Err(err).Msg("dropped malformed datagram")
		return
	}

	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	if p.state == session.StateConnected {
		p.mu.Unlock()
		observability.RecordDatagram(p.cfg.Name, observability.DirectionIn, observability.OutcomeOK, len(datagram))
		p.invoke("data", func() { p.handlers.OnData(cmd, buf) })
		return
	}
	if cmd != protocol.CommandConnect || p.state == session.StateDisconnected {
		p.mu.Unlock()
		observability.RecordDatagram(p.cfg.Name, observability.DirectionIn, observability.OutcomeUnknown, len(datagram))
		return
	}
	status, err := session.DecodeConnectResponse(buf)
	if err != nil {
		p.mu.Unlock()
		observability.RecordDatagram(p.cfg.Name, observability.DirectionIn, observability.OutcomeMalformed, 0)
		p.log.Debug().Err(err).Msg("dropped malformed connect response")
		return
	}
	observability.RecordDatagram(p.cfg.Name, observability.DirectionIn, observability.OutcomeOK, len(datagram))
	pending := p.state == session.StatePending
	switch {
	case status == session.StatusAccepted:
		// An accept counts whenever the peer is not yet connected, even
		// after the handshake that asked for it was given up.
		p.state = session.StateConnected
		p.redial = false
		observability.RecordHandshake(p.cfg.Name, observability.HandshakeAccepted)
	case pending:
		p.state = session.StateDeclined
		observability.RecordHandshake(p.cfg.Name, observability.HandshakeDeclined)
	default:
		p.mu.Unlock()
		p.log.Debug().Msg("dropped decline for an abandoned handshake")
		return
	}
	if pending {
		close(p.resolved)
	}
	target := p.target
	p.mu.Unlock()

	p.log.Info().Str("addr", target).Str("status", status.String()).Msg("handshake resolved")
	if status == session.StatusAccepted {
		p.invoke("accepted", p.handlers.OnAccepted)
	}
}

func (p *Peer) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordCallbackPanic(p.cfg.Name, name)
			p.log.Error().Str("callback", name).Interface("panic", r).Msg("callback panic recovered")
		}
	}()
	fn()
}

// State is the current handshake state.
func (p *Peer) State() session.HandshakeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LocalAddr is the bound socket address, or nil when not dialed.
func (p *Peer) LocalAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

// RemoteAddr is the responder address, or nil when not dialed.
func (p *Peer) RemoteAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.RemoteAddr()
}

// Close releases the socket. Waiters return ErrClosed.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.state == session.StatePending {
		p.state = session.StateUnregistered
		close(p.resolved)
	}
	if p.state == session.StateConnected {
		p.state = session.StateDisconnected
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
