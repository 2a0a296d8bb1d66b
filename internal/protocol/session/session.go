package session

import (
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

// Session is the responder's record of one accepted peer.
//
// Identity and slot never change. Liveness is written only by the owning
// Registry and may be read from any goroutine.
type Session struct {
	addr        netip.AddrPort
	slot        int
	connectedAt time.Time
	liveness    atomic.Int64
}

func newSession(addr netip.AddrPort, slot int) *Session {
	return &Session{
		addr:        addr,
		slot:        slot,
		connectedAt: time.Now(),
	}
}

// Addr is the peer's address.
func (s *Session) Addr() netip.AddrPort { return s.addr }

// UDPAddr is the peer's address in net.Addr form.
func (s *Session) UDPAddr() *net.UDPAddr { return net.UDPAddrFromAddrPort(s.addr) }

// Slot is the registry index held by this session.
func (s *Session) Slot() int { return s.slot }

// ConnectedAt is the time the handshake was accepted.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Liveness is the last measured round trip, zero until first measured.
func (s *Session) Liveness() time.Duration {
	return time.Duration(s.liveness.Load())
}

func (s *Session) String() string {
	return s.addr.String()
}

// Info is a point-in-time view of one session.
type Info struct {
	Slot        int           `json:"slot"`
	Addr        string        `json:"addr"`
	Liveness    time.Duration `json:"liveness_ns"`
	ConnectedAt time.Time     `json:"connected_at"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	return Info{
		Slot:        s.slot,
		Addr:        s.addr.String(),
		Liveness:    s.Liveness(),
		ConnectedAt: s.connectedAt,
	}
}

// NormalizeAddr unmaps IPv4-in-IPv6 addresses so one peer has one key.
func NormalizeAddr(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// AddrFromNet converts a transport address into a registry key.
func AddrFromNet(addr net.Addr) (netip.AddrPort, bool) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return NormalizeAddr(ap), ap.IsValid()
	case nil:
		return netip.AddrPort{}, false
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return NormalizeAddr(ap), true
	}
}
