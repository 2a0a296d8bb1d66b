package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/danmuck/dgram/internal/observability"
	"github.com/danmuck/dgram/internal/protocol"
	"github.com/danmuck/dgram/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Consecutive receive failures beyond readErrorBurst pause the loop with
// a growing delay so a socket stuck in an error state does not spin.
const readErrorBurst = 8

var readErrorBackoff = session.BackoffConfig{
	InitialDelay: 5 * time.Millisecond,
	Multiplier:   2,
	MaxDelay:     500 * time.Millisecond,
}

// readErrorDelay is the pause after the nth consecutive receive failure.
func readErrorDelay(failures int) time.Duration {
	if failures < readErrorBurst {
		return 0
	}
	return session.BackoffDelay(readErrorBackoff, failures-readErrorBurst+1, nil)
}

// Dispatcher is the listening side of the session protocol.
type Dispatcher struct {
	cfg      Config
	handlers Handlers
	registry *session.Registry
	log      zerolog.Logger

	mu      sync.Mutex
	conn    net.PacketConn
	closed  bool
	closeCh chan struct{}
}

// New validates cfg and returns an idle dispatcher.
func New(cfg Config, h Handlers) (*Dispatcher, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Session.ValidateResponder(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		cfg:      cfg,
		handlers: h.withDefaults(),
		registry: session.NewRegistry(cfg.Session.MaxPeers),
		log: observability.Component("dispatcher").With().
			Str("node", cfg.Name).
			Logger(),
		closeCh: make(chan struct{}),
	}, nil
}

// ListenAndServe binds cfg.ListenAddr and serves until ctx is done or
// Close is called.
func (d *Dispatcher) ListenAndServe(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %w", ErrTransport, d.cfg.ListenAddr, err)
	}
	return d.Serve(ctx, conn)
}

// Serve runs the receive loop on conn. It returns nil once ctx is done or
// Close is called. conn is closed on return.
func (d *Dispatcher) Serve(ctx context.Context, conn net.PacketConn) error {
	if err := d.attach(conn); err != nil {
		_ = conn.Close()
		return err
	}
	defer d.detach(conn)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-d.closeCh:
		case <-stop:
		}
		_ = conn.Close()
	}()

	d.log.Info().
		Str("addr", conn.LocalAddr().String()).
		Int("max_peers", d.registry.Capacity()).
		Msg("dispatcher serving")

	buf := make([]byte, d.cfg.ReadBufferSize)
	failures := 0
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || d.isClosed() || errors.Is(err, net.ErrClosed) {
				d.log.Info().Msg("dispatcher stopped")
				return nil
			}
			failures++
			d.handleReadError(from, err)
			if delay := readErrorDelay(failures); delay > 0 {
				if failures == readErrorBurst {
					d.log.Warn().Int("failures", failures).Msg("receive failing repeatedly; backing off")
				}
				if !d.pause(ctx, delay) {
					d.log.Info().Msg("dispatcher stopped")
					return nil
				}
			}
			continue
		}
		failures = 0
		addr, ok := session.AddrFromNet(from)
		if !ok {
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		d.handleDatagram(addr, datagram)
	}
}

func (d *Dispatcher) attach(conn net.PacketConn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.conn != nil {
		return ErrAlreadyServing
	}
	d.conn = conn
	return nil
}

func (d *Dispatcher) detach(conn net.PacketConn) {
	d.mu.Lock()
	if d.conn == conn {
		d.conn = nil
	}
	d.mu.Unlock()
	_ = conn.Close()
}

// pause waits for delay and reports false when the dispatcher is stopping.
func (d *Dispatcher) pause(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.closeCh:
		return false
	case <-timer.C:
		return true
	}
}

func (d *Dispatcher) currentConn() net.PacketConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// handleReadError attributes a receive failure to the session at from,
// when the transport reports one.
func (d *Dispatcher) handleReadError(from net.Addr, err error) {
	err = fmt.Errorf("%w: %w", ErrTransport, err)
	addr, ok := session.AddrFromNet(from)
	if !ok {
		d.log.Warn().Err(err).Msg("receive failed")
		observability.RecordDatagram(d.cfg.Name, observability.DirectionIn, observability.OutcomeError, 0)
		return
	}
	s, ok := d.registry.Lookup(addr)
	if !ok {
		d.log.Debug().Err(err).Str("peer", addr.String()).Msg("receive failed for unknown peer")
		return
	}
	d.disconnect(s, err)
}

func (d *Dispatcher) handleDatagram(addr netip.AddrPort, datagram []byte) {
	cmd, buf, err := protocol.ReadCommand(datagram)
	if err != nil {
		d.dropMalformed(addr, err)
		return
	}

	if s, ok := d.registry.Lookup(addr); ok {
		observability.RecordDatagram(d.cfg.Name, observability.DirectionIn, observability.OutcomeOK, len(datagram))
		d.invoke("data", s, func() { d.handlers.OnData(s, cmd, buf) })
		return
	}

	if cmd != protocol.CommandConnect {
		observability.RecordDatagram(d.cfg.Name, observability.DirectionIn, observability.OutcomeUnknown, len(datagram))
		d.log.Debug().Str("peer", addr.String()).Int32("cmd", int32(cmd)).Msg("dropped datagram from unknown peer")
		return
	}

	key, err := session.DecodeConnectRequest(buf)
	if err != nil {
		d.dropMalformed(addr, err)
		return
	}
	observability.RecordDatagram(d.cfg.Name, observability.DirectionIn, observability.OutcomeOK, len(datagram))
	d.respond(addr, key)
}

func (d *Dispatcher) dropMalformed(addr netip.AddrPort, err error) {
	observability.RecordDatagram(d.cfg.Name, observability.DirectionIn, observability.OutcomeMalformed, 0)
	d.log.Debug().Err(err).Str("peer", addr.String()).Msg("dropped malformed datagram")
}

// respond answers one Connect request from an address without a session.
func (d *Dispatcher) respond(addr netip.AddrPort, key string) {
	if !session.KeyMatches(d.cfg.Session.ConnectionKey, key) {
		observability.RecordHandshake(d.cfg.Name, observability.HandshakeDeclined)
		d.log.Info().Str("peer", addr.String()).Msg("handshake declined")
		if err := d.writeTo(addr, session.EncodeConnectResponse(session.StatusDeclined)); err != nil {
			d.log.Warn().Err(err).Str("peer", addr.String()).Msg("send decline failed")
		}
		return
	}

	s, err := d.registry.Admit(addr)
	if err != nil {
		// A full registry leaves the peer unanswered.
		observability.RecordHandshake(d.cfg.Name, observability.HandshakeFull)
		d.log.Debug().Err(err).Str("peer", addr.String()).Msg("handshake ignored")
		return
	}
	if err := d.writeTo(addr, session.EncodeConnectResponse(session.StatusAccepted)); err != nil {
		d.registry.Remove(s)
		d.log.Warn().Err(err).Str("peer", addr.String()).Msg("send accept failed")
		return
	}
	observability.RecordHandshake(d.cfg.Name, observability.HandshakeAccepted)
	observability.SetActiveSessions(d.cfg.Name, d.registry.Len())
	d.log.Info().Str("peer", addr.String()).Int("slot", s.Slot()).Msg("handshake accepted")
	d.invoke("connect", s, func() { d.handlers.OnConnect(s) })
}

// disconnect notifies the application and frees the slot when AutoRemove
// is set.
func (d *Dispatcher) disconnect(s *session.Session, err error) {
	d.log.Warn().Err(err).Str("peer", s.String()).Int("slot", s.Slot()).Msg("session transport failure")
	d.invoke("disconnect", s, func() { d.handlers.OnDisconnect(s, err) })
	if d.cfg.Session.AutoRemove {
		d.Remove(s)
	}
}

func (d *Dispatcher) invoke(name string, s *session.Session, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordCallbackPanic(d.cfg.Name, name)
			d.log.Error().
				Str("callback", name).
				Str("peer", s.String()).
				Interface("panic", r).
				Msg("callback panic recovered")
		}
	}()
	fn()
}

// Send writes one datagram of cmd followed by values to s.
func (d *Dispatcher) Send(s *session.Session, cmd protocol.Command, values ...protocol.Value) error {
	return d.SendBuffer(s, protocol.NewMessage(cmd, values...))
}

// SendBuffer writes the valid bytes of buf to s as one datagram. There is
// no acknowledgement.
func (d *Dispatcher) SendBuffer(s *session.Session, buf *protocol.Buffer) error {
	if s == nil {
		return ErrNilSession
	}
	return d.writeTo(s.Addr(), buf)
}

func (d *Dispatcher) writeTo(addr netip.AddrPort, buf *protocol.Buffer) error {
	if err := protocol.CheckDatagram(buf); err != nil {
		return err
	}
	conn := d.currentConn()
	if conn == nil {
		return ErrNotServing
	}
	payload := buf.Bytes()
	if _, err := conn.WriteTo(payload, net.UDPAddrFromAddrPort(addr)); err != nil {
		observability.RecordDatagram(d.cfg.Name, observability.DirectionOut, observability.OutcomeError, 0)
		return fmt.Errorf("%w: send to %s: %w", ErrTransport, addr, err)
	}
	observability.RecordDatagram(d.cfg.Name, observability.DirectionOut, observability.OutcomeOK, len(payload))
	return nil
}

// Broadcast sends cmd and values to every session except exclude.
func (d *Dispatcher) Broadcast(cmd protocol.Command, exclude *session.Session, values ...protocol.Value) error {
	return d.BroadcastBuffer(protocol.NewMessage(cmd, values...), exclude)
}

// BroadcastBuffer sends buf to every session except exclude, in slot
// order. Every peer is attempted; failures are returned as a
// *BroadcastError.
func (d *Dispatcher) BroadcastBuffer(buf *protocol.Buffer, exclude *session.Session) error {
	if err := protocol.CheckDatagram(buf); err != nil {
		return err
	}
	if d.currentConn() == nil {
		return ErrNotServing
	}
	var bErr BroadcastError
	for _, s := range d.registry.Sessions() {
		if s == exclude {
			continue
		}
		bErr.Attempted++
		if err := d.SendBuffer(s, buf); err != nil {
			bErr.Failures = append(bErr.Failures, SendFailure{Session: s, Err: err})
		}
	}
	if len(bErr.Failures) > 0 {
		return &bErr
	}
	return nil
}

// Remove frees the slot held by s.
func (d *Dispatcher) Remove(s *session.Session) bool {
	if !d.registry.Remove(s) {
		return false
	}
	observability.SetActiveSessions(d.cfg.Name, d.registry.Len())
	d.log.Info().Str("peer", s.String()).Int("slot", s.Slot()).Msg("session removed")
	return true
}

// RemoveSlot frees slot and returns its former session.
func (d *Dispatcher) RemoveSlot(slot int) (*session.Session, bool) {
	s, ok := d.registry.RemoveSlot(slot)
	if !ok {
		return nil, false
	}
	observability.SetActiveSessions(d.cfg.Name, d.registry.Len())
	d.log.Info().Str("peer", s.String()).Int("slot", slot).Msg("session removed")
	return s, true
}

// Sessions returns the active sessions in slot order.
func (d *Dispatcher) Sessions() []*session.Session {
	return d.registry.Sessions()
}

// Lookup returns the active session for addr.
func (d *Dispatcher) Lookup(addr netip.AddrPort) (*session.Session, bool) {
	return d.registry.Lookup(addr)
}

// Registry exposes the session table for collaborators such as the
// liveness prober.
func (d *Dispatcher) Registry() *session.Registry {
	return d.registry
}

// Name is the node label from Config.
func (d *Dispatcher) Name() string {
	return d.cfg.Name
}

// LocalAddr is the bound socket address, or nil when not serving.
func (d *Dispatcher) LocalAddr() net.Addr {
	conn := d.currentConn()
	if conn == nil {
		return nil
	}
	return conn.LocalAddr()
}

// Close stops Serve and rejects later calls to it.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.closeCh)
	if d.conn != nil {
		_ = d.conn.Close()
	}
	return nil
}
