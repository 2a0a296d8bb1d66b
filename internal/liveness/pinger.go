package liveness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var (
	ErrInvalidAddr = errors.New("liveness: invalid address")
	ErrNoReply     = errors.New("liveness: no echo reply")
)

// Pinger measures the round trip to one host.
type Pinger interface {
	Ping(ctx context.Context, addr netip.Addr) (time.Duration, error)
}

// ICMPPinger sends ICMP echo requests. Unprivileged mode uses the
// kernel's datagram ping sockets; privileged mode needs raw socket access.
type ICMPPinger struct {
	Privileged bool
	// Timeout bounds one ping when ctx has no deadline.
	Timeout time.Duration

	seq atomic.Uint32
}

func NewICMPPinger(privileged bool, timeout time.Duration) *ICMPPinger {
	return &ICMPPinger{Privileged: privileged, Timeout: timeout}
}

type icmpFamily struct {
	network  string
	listen   string
	protocol int
	request  icmp.Type
	reply    icmp.Type
}

func (p *ICMPPinger) family(addr netip.Addr) icmpFamily {
	if addr.Is4() {
		f := icmpFamily{
			network:  "udp4",
			listen:   "0.0.0.0",
			protocol: ipv4.ICMPTypeEchoReply.Protocol(),
			request:  ipv4.ICMPTypeEcho,
			reply:    ipv4.ICMPTypeEchoReply,
		}
		if p.Privileged {
			f.network = "ip4:icmp"
		}
		return f
	}
	f := icmpFamily{
		network:  "udp6",
		listen:   "::",
		protocol: ipv6.ICMPTypeEchoReply.Protocol(),
		request:  ipv6.ICMPTypeEchoRequest,
		reply:    ipv6.ICMPTypeEchoReply,
	}
	if p.Privileged {
		f.network = "ip6:ipv6-icmp"
	}
	return f
}

func (p *ICMPPinger) Ping(ctx context.Context, addr netip.Addr) (time.Duration, error) {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return 0, ErrInvalidAddr
	}
	fam := p.family(addr)
	conn, err := icmp.ListenPacket(fam.network, fam.listen)
	if err != nil {
		return 0, fmt.Errorf("liveness: listen %s: %w", fam.network, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = DefaultConfig().Timeout
		}
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	id := os.Getpid() & 0xffff
	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: fam.request,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("dgram-liveness")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	var dst net.Addr = &net.IPAddr{IP: addr.AsSlice(), Zone: addr.Zone()}
	if !p.Privileged {
		dst = &net.UDPAddr{IP: addr.AsSlice(), Zone: addr.Zone()}
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, fmt.Errorf("liveness: send echo: %w", err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("%w: %s: %w", ErrNoReply, addr, err)
		}
		reply, err := icmp.ParseMessage(fam.protocol, rb[:n])
		if err != nil || reply.Type != fam.reply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// Datagram ping sockets rewrite the ID to the local port.
		if p.Privileged && echo.ID != id {
			continue
		}
		return time.Since(start), nil
	}
}
