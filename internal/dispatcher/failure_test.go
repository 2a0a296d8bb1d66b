package dispatcher

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/dgram/internal/protocol"
	"github.com/danmuck/dgram/internal/protocol/session"
	"github.com/danmuck/dgram/internal/testutil/testlog"
)

type readEvent struct {
	data []byte
	from net.Addr
	err  error
}

// scriptedConn replays queued reads and records writes.
type scriptedConn struct {
	reads  chan readEvent
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
	// failTo makes writes to this address fail.
	failTo string
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		reads:  make(chan readEvent, 16),
		closed: make(chan struct{}),
	}
}

func (c *scriptedConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case ev := <-c.reads:
		if ev.err != nil {
			return 0, ev.from, ev.err
		}
		return copy(p, ev.data), ev.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *scriptedConn) WriteTo(p []byte, to net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTo != "" && to.String() == c.failTo {
		return 0, syscall.ENOBUFS
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *scriptedConn) failWritesTo(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failTo = addr
}

func (c *scriptedConn) written() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7777}
}
func (c *scriptedConn) SetDeadline(time.Time) error      { return nil }
func (c *scriptedConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptedConn) SetWriteDeadline(time.Time) error { return nil }

func serveScripted(t *testing.T, autoRemove bool, h Handlers) (*Dispatcher, *scriptedConn) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = "test-" + t.Name()
	cfg.Session.ConnectionKey = "abc"
	cfg.Session.AutoRemove = autoRemove
	d, err := New(cfg, h)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	conn := newScriptedConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("dispatcher did not stop")
		}
	})
	return d, conn
}

func TestReadFailureDisconnectsSession(t *testing.T) {
	testlog.Start(t)

	for _, tc := range []struct {
		name       string
		autoRemove bool
		wantLen    int
	}{
		{name: "auto remove", autoRemove: true, wantLen: 0},
		{name: "keep slot", autoRemove: false, wantLen: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			disconnected := make(chan error, 1)
			d, conn := serveScripted(t, tc.autoRemove, Handlers{
				OnDisconnect: func(_ *session.Session, err error) { disconnected <- err },
			})

			from := net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:40001"))
			conn.reads <- readEvent{data: session.EncodeConnectRequest("abc").Bytes(), from: from}
			waitFor(t, "accept", func() bool { return d.Registry().Len() == 1 && conn.written() == 1 })

			conn.reads <- readEvent{from: from, err: syscall.ECONNREFUSED}
			select {
			case err := <-disconnected:
				if !errors.Is(err, ErrTransport) || !errors.Is(err, syscall.ECONNREFUSED) {
					t.Fatalf("expected wrapped transport error, got %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("disconnect callback not invoked")
			}
			waitFor(t, "registry update", func() bool { return d.Registry().Len() == tc.wantLen })
		})
	}
}

func TestReadFailureFromUnknownPeerKeepsServing(t *testing.T) {
	testlog.Start(t)

	var mu sync.Mutex
	var got []protocol.Command
	d, conn := serveScripted(t, true, Handlers{
		OnData: func(_ *session.Session, cmd protocol.Command, _ *protocol.Buffer) {
			mu.Lock()
			got = append(got, cmd)
			mu.Unlock()
		},
		OnDisconnect: func(*session.Session, error) {
			t.Errorf("disconnect fired for an unknown peer")
		},
	})

	from := net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:40002"))
	stranger := net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:40003"))
	conn.reads <- readEvent{data: session.EncodeConnectRequest("abc").Bytes(), from: from}
	conn.reads <- readEvent{from: stranger, err: syscall.ECONNREFUSED}
	conn.reads <- readEvent{err: errors.New("transient")}
	conn.reads <- readEvent{data: protocol.NewMessage(cmdChat).Bytes(), from: from}

	waitFor(t, "data after read errors", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	if d.Registry().Len() != 1 {
		t.Fatalf("expected session to survive, got %d", d.Registry().Len())
	}
}

func TestBroadcastContinuesPastFailedSend(t *testing.T) {
	testlog.Start(t)
	d, conn := serveScripted(t, true, Handlers{})

	addrs := []string{"127.0.0.1:41001", "127.0.0.1:41002", "127.0.0.1:41003"}
	for _, raw := range addrs {
		from := net.UDPAddrFromAddrPort(netip.MustParseAddrPort(raw))
		conn.reads <- readEvent{data: session.EncodeConnectRequest("abc").Bytes(), from: from}
	}
	waitFor(t, "three sessions", func() bool { return d.Registry().Len() == 3 && conn.written() == 3 })

	conn.failWritesTo(addrs[0])
	err := d.BroadcastBuffer(protocol.NewMessage(cmdChat, protocol.String("hello")), nil)

	var bErr *BroadcastError
	if !errors.As(err, &bErr) {
		t.Fatalf("expected *BroadcastError, got %v", err)
	}
	if bErr.Attempted != 3 || len(bErr.Failures) != 1 {
		t.Fatalf("unexpected broadcast result attempted=%d failures=%d", bErr.Attempted, len(bErr.Failures))
	}
	failed := bErr.Failures[0]
	if failed.Session.Addr().String() != addrs[0] || !errors.Is(failed.Err, ErrTransport) {
		t.Fatalf("unexpected failure %s: %v", failed.Session, failed.Err)
	}
	if got := conn.written(); got != 5 {
		t.Fatalf("expected the other two peers to be written, got %d writes", got)
	}
	if d.Registry().Len() != 3 {
		t.Fatalf("a failed send must not remove the session")
	}
}

func TestReadErrorDelay(t *testing.T) {
	testlog.Start(t)
	for failures, want := range map[int]time.Duration{
		1:                   0,
		readErrorBurst - 1:  0,
		readErrorBurst:      5 * time.Millisecond,
		readErrorBurst + 1:  10 * time.Millisecond,
		readErrorBurst + 20: 500 * time.Millisecond,
	} {
		if got := readErrorDelay(failures); got != want {
			t.Fatalf("failures=%d got=%v want=%v", failures, got, want)
		}
	}
}

func TestRepeatedReadErrorsBackOff(t *testing.T) {
	testlog.Start(t)
	d, conn := serveScripted(t, true, Handlers{})

	start := time.Now()
	for i := 0; i < readErrorBurst+2; i++ {
		conn.reads <- readEvent{err: errors.New("socket wedged")}
	}
	from := net.UDPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:41010"))
	conn.reads <- readEvent{data: session.EncodeConnectRequest("abc").Bytes(), from: from}

	waitFor(t, "accept after errors", func() bool { return d.Registry().Len() == 1 })
	// Three pauses: 5ms, 10ms and 20ms.
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Fatalf("read errors did not back off, elapsed %v", elapsed)
	}
}

func TestCloseInterruptsReadErrorBackoff(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Session.ConnectionKey = "abc"
	d, err := New(cfg, Handlers{})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	conn := newScriptedConn()
	for i := 0; i < readErrorBurst+8; i++ {
		conn.reads <- readEvent{err: errors.New("socket wedged")}
	}
	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background(), conn) }()

	time.Sleep(50 * time.Millisecond)
	_ = d.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("close did not interrupt backoff")
	}
}
