package peer

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/dgram/internal/dispatcher"
	"github.com/danmuck/dgram/internal/protocol"
	"github.com/danmuck/dgram/internal/protocol/session"
	"github.com/danmuck/dgram/internal/testutil/testlog"
)

const cmdChat protocol.Command = 10

func startResponder(t *testing.T, maxPeers int, h dispatcher.Handlers) (*dispatcher.Dispatcher, string) {
	t.Helper()
	cfg := dispatcher.DefaultConfig()
	cfg.Name = "responder-" + t.Name()
	cfg.Session.ConnectionKey = "abc"
	cfg.Session.MaxPeers = maxPeers
	d, err := dispatcher.New(cfg, h)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Serve(ctx, conn)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, conn.LocalAddr().String()
}

func fastConfig(attempts int) Config {
	cfg := DefaultConfig()
	cfg.Session.HandshakeAttempts = attempts
	cfg.Session.Backoff = session.BackoffConfig{
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   1.5,
		MaxDelay:     200 * time.Millisecond,
	}
	return cfg
}

func newPeer(t *testing.T, cfg Config, h Handlers) *Peer {
	t.Helper()
	p := New(cfg, h)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestHandshakeAcceptedAndDataBothWays(t *testing.T) {
	testlog.Start(t)
	serverData := make(chan string, 2)
	d, addr := startResponder(t, 4, dispatcher.Handlers{
		OnData: func(_ *session.Session, _ protocol.Command, buf *protocol.Buffer) {
			text, _ := buf.GetString()
			serverData <- text
		},
	})

	accepted := make(chan struct{}, 1)
	clientData := make(chan float64, 1)
	p := newPeer(t, fastConfig(5), Handlers{
		OnAccepted: func() { accepted <- struct{}{} },
		OnData: func(cmd protocol.Command, buf *protocol.Buffer) {
			v, _ := buf.GetFloat64()
			clientData <- v
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Handshake(ctx, addr, "abc"); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if p.State() != session.StateConnected {
		t.Fatalf("unexpected state %v", p.State())
	}
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnAccepted not called")
	}
	if p.RemoteAddr().String() != addr {
		t.Fatalf("unexpected remote %v", p.RemoteAddr())
	}

	// Connect while connected is a no-op.
	if err := p.Connect(ctx, addr, "abc"); err != nil {
		t.Fatalf("connect while connected: %v", err)
	}

	if err := p.Send(cmdChat, protocol.String("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-serverData:
		if got != "ping" {
			t.Fatalf("unexpected server text %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not receive data")
	}

	sessions := d.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("unexpected session count %d", len(sessions))
	}
	if err := d.Send(sessions[0], cmdChat, protocol.Float64(1.25)); err != nil {
		t.Fatalf("server send: %v", err)
	}
	select {
	case got := <-clientData:
		if got != 1.25 {
			t.Fatalf("unexpected client value %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer did not receive data")
	}
}

func TestHandshakeDeclinedThenRetry(t *testing.T) {
	testlog.Start(t)
	d, addr := startResponder(t, 4, dispatcher.Handlers{})
	accepted := make(chan struct{}, 2)
	p := newPeer(t, fastConfig(5), Handlers{
		OnAccepted: func() { accepted <- struct{}{} },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := p.Handshake(ctx, addr, "xyz")
	if !errors.Is(err, session.ErrHandshakeRejected) {
		t.Fatalf("expected ErrHandshakeRejected, got %v", err)
	}
	if p.State() != session.StateDeclined {
		t.Fatalf("unexpected state %v", p.State())
	}
	if d.Registry().Len() != 0 {
		t.Fatalf("declined peer holds a slot")
	}
	select {
	case <-accepted:
		t.Fatalf("OnAccepted called for declined handshake")
	default:
	}

	if err := p.Handshake(ctx, addr, "abc"); err != nil {
		t.Fatalf("retry handshake: %v", err)
	}
	if d.Registry().Len() != 1 {
		t.Fatalf("expected one session, got %d", d.Registry().Len())
	}
}

func TestHandshakeTimesOutWhenResponderFull(t *testing.T) {
	testlog.Start(t)
	_, addr := startResponder(t, 1, dispatcher.Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	first := newPeer(t, fastConfig(5), Handlers{})
	if err := first.Handshake(ctx, addr, "abc"); err != nil {
		t.Fatalf("first handshake: %v", err)
	}

	second := newPeer(t, fastConfig(2), Handlers{})
	err := second.Handshake(ctx, addr, "abc")
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if second.State() != session.StateUnregistered {
		t.Fatalf("unexpected state %v", second.State())
	}
}

func TestConnectWhilePending(t *testing.T) {
	testlog.Start(t)
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer silent.Close()

	p := newPeer(t, fastConfig(1), Handlers{})
	ctx := context.Background()
	if err := p.Connect(ctx, silent.LocalAddr().String(), "abc"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if p.State() != session.StatePending {
		t.Fatalf("unexpected state %v", p.State())
	}
	if err := p.Connect(ctx, silent.LocalAddr().String(), "abc"); !errors.Is(err, ErrHandshakePending) {
		t.Fatalf("expected ErrHandshakePending, got %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := p.Wait(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestIgnoresDataBeforeAcceptance(t *testing.T) {
	testlog.Start(t)
	responder, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer responder.Close()

	data := make(chan protocol.Command, 2)
	p := newPeer(t, fastConfig(1), Handlers{
		OnData: func(cmd protocol.Command, _ *protocol.Buffer) { data <- cmd },
	})
	if err := p.Connect(context.Background(), responder.LocalAddr().String(), "abc"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	buf := make([]byte, 256)
	_ = responder.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := responder.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	cmd, req, err := protocol.ReadCommand(buf[:n])
	if err != nil || cmd != protocol.CommandConnect {
		t.Fatalf("unexpected request cmd=%d err=%v", cmd, err)
	}
	if key, _ := session.DecodeConnectRequest(req); key != "abc" {
		t.Fatalf("unexpected key %q", key)
	}

	early := protocol.NewMessage(cmdChat, protocol.String("early"))
	if _, err := responder.WriteTo(early.Bytes(), from); err != nil {
		t.Fatalf("write early: %v", err)
	}
	if _, err := responder.WriteTo(session.EncodeConnectResponse(session.StatusAccepted).Bytes(), from); err != nil {
		t.Fatalf("write accept: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	select {
	case cmd := <-data:
		t.Fatalf("data before acceptance was delivered: %d", cmd)
	case <-time.After(100 * time.Millisecond):
	}

	// A Connect datagram after acceptance is ordinary data.
	if _, err := responder.WriteTo(session.EncodeConnectResponse(session.StatusAccepted).Bytes(), from); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cmd := <-data:
		if cmd != protocol.CommandConnect {
			t.Fatalf("unexpected command %d", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("post-accept connect not delivered")
	}
}

func TestDisconnectedOnTransportFailure(t *testing.T) {
	testlog.Start(t)
	responder, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := responder.LocalAddr().String()

	disconnected := make(chan error, 1)
	p := newPeer(t, fastConfig(1), Handlers{
		OnDisconnected: func(err error) { disconnected <- err },
	})
	if err := p.Connect(context.Background(), addr, "abc"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	buf := make([]byte, 256)
	_ = responder.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, from, err := responder.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if _, err := responder.WriteTo(session.EncodeConnectResponse(session.StatusAccepted).Bytes(), from); err != nil {
		t.Fatalf("write accept: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// Sending to a closed port makes the next receive fail.
	_ = responder.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := p.Send(cmdChat); err != nil {
			break
		}
		select {
		case err := <-disconnected:
			if !errors.Is(err, ErrTransport) {
				t.Fatalf("expected ErrTransport, got %v", err)
			}
			if p.State() != session.StateDisconnected {
				t.Fatalf("unexpected state %v", p.State())
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	select {
	case err := <-disconnected:
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnDisconnected not called")
	}
}

func TestNotDialedAndClosed(t *testing.T) {
	testlog.Start(t)
	p := New(DefaultConfig(), Handlers{})
	if err := p.Send(cmdChat); !errors.Is(err, ErrNotDialed) {
		t.Fatalf("expected ErrNotDialed, got %v", err)
	}
	if err := p.Wait(context.Background()); !errors.Is(err, ErrNotDialed) {
		t.Fatalf("expected ErrNotDialed, got %v", err)
	}
	if p.LocalAddr() != nil || p.RemoteAddr() != nil {
		t.Fatalf("expected nil addresses before dial")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Send(cmdChat); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := p.Connect(context.Background(), "127.0.0.1:1", "abc"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	p := newPeer(t, DefaultConfig(), Handlers{})
	err := p.Send(cmdChat, protocol.Bytes(make([]byte, protocol.MaxDatagramSize)))
	if !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

// delayProxy forwards one client's datagrams to target and holds every
// reply for delay before passing it back.
type delayProxy struct {
	front    net.PacketConn
	upstream *net.UDPConn
	delay    time.Duration

	mu     sync.Mutex
	client net.Addr
}

func startDelayProxy(t *testing.T, target string, delay time.Duration) *delayProxy {
	t.Helper()
	front, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("proxy listen: %v", err)
	}
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		t.Fatalf("resolve target: %v", err)
	}
	upstream, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("proxy dial: %v", err)
	}
	px := &delayProxy{front: front, upstream: upstream, delay: delay}
	t.Cleanup(func() {
		_ = front.Close()
		_ = upstream.Close()
	})
	go px.forward()
	go px.reply()
	return px
}

func (px *delayProxy) Addr() string { return px.front.LocalAddr().String() }

func (px *delayProxy) forward() {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, from, err := px.front.ReadFrom(buf)
		if err != nil {
			return
		}
		px.mu.Lock()
		px.client = from
		px.mu.Unlock()
		_, _ = px.upstream.Write(buf[:n])
	}
}

func (px *delayProxy) reply() {
	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, err := px.upstream.Read(buf)
		if err != nil {
			return
		}
		datagram := append([]byte(nil), buf[:n]...)
		px.mu.Lock()
		client := px.client
		px.mu.Unlock()
		time.AfterFunc(px.delay, func() { _, _ = px.front.WriteTo(datagram, client) })
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLateAcceptConnectsAbandonedHandshake(t *testing.T) {
	testlog.Start(t)
	serverData := make(chan protocol.Command, 1)
	d, addr := startResponder(t, 1, dispatcher.Handlers{
		OnData: func(_ *session.Session, cmd protocol.Command, _ *protocol.Buffer) { serverData <- cmd },
	})
	px := startDelayProxy(t, addr, 300*time.Millisecond)

	var accepted atomic.Int32
	p := newPeer(t, fastConfig(1), Handlers{
		OnAccepted: func() { accepted.Add(1) },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Handshake(ctx, px.Addr(), "abc"); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	waitFor(t, "responder admission", func() bool { return d.Registry().Len() == 1 })
	if p.State() != session.StateUnregistered {
		t.Fatalf("unexpected state before the reply arrives: %v", p.State())
	}

	waitFor(t, "late accept", func() bool { return p.State() == session.StateConnected })
	if got := accepted.Load(); got != 1 {
		t.Fatalf("expected one accepted callback, got %d", got)
	}

	// The admitted session is usable and no second slot is taken.
	if err := p.Handshake(ctx, px.Addr(), "abc"); err != nil {
		t.Fatalf("handshake while connected: %v", err)
	}
	if err := p.Send(cmdChat); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case cmd := <-serverData:
		if cmd != cmdChat {
			t.Fatalf("unexpected command %d", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("responder did not receive data")
	}
	if d.Registry().Len() != 1 {
		t.Fatalf("expected one session, got %d", d.Registry().Len())
	}
}

func TestRetryAfterAbandonUsesFreshAddress(t *testing.T) {
	testlog.Start(t)
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer silent.Close()
	target := silent.LocalAddr().String()

	p := newPeer(t, fastConfig(1), Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Handshake(ctx, target, "abc"); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	first := p.LocalAddr().String()

	if err := p.Connect(ctx, target, "abc"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if second := p.LocalAddr().String(); second == first {
		t.Fatalf("retry reused local address %s", first)
	}
	if p.State() != session.StatePending {
		t.Fatalf("unexpected state %v", p.State())
	}
}

func TestLateDeclineAfterAbandonIsIgnored(t *testing.T) {
	testlog.Start(t)
	responder, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer responder.Close()

	p := newPeer(t, fastConfig(1), Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Handshake(ctx, responder.LocalAddr().String(), "abc"); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}

	buf := make([]byte, 256)
	_ = responder.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, from, err := responder.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if _, err := responder.WriteTo(session.EncodeConnectResponse(session.StatusDeclined).Bytes(), from); err != nil {
		t.Fatalf("write decline: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if p.State() != session.StateUnregistered {
		t.Fatalf("late decline changed state to %v", p.State())
	}
}
