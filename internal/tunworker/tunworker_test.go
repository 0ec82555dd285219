package tunworker

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	kitlog "github.com/go-kit/kit/log"

	"github.com/quincyvpn/quincy/internal/quictransport"
)

// pipeTun is an in-memory stand-in for a kernel TUN device: writes go
// to out, reads drain from a channel fed by the test.
type pipeTun struct {
	mtu int
	in  chan []byte
	mu  sync.Mutex
	out [][]byte
}

func newPipeTun(mtu int) *pipeTun {
	return &pipeTun{mtu: mtu, in: make(chan []byte, 16)}
}

func (p *pipeTun) Read(b []byte) (int, error) {
	packet := <-p.in
	return copy(b, packet), nil
}

func (p *pipeTun) Write(b []byte) (int, error) {
	p.mu.Lock()
	cp := append([]byte(nil), b...)
	p.out = append(p.out, cp)
	p.mu.Unlock()
	return len(b), nil
}

func (p *pipeTun) MTU() int { return p.mtu }

func (p *pipeTun) writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.out))
	copy(out, p.out)
	return out
}

type fakeConn struct {
	maxSize int
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

func (f *fakeConn) OpenControlStream(ctx context.Context) (quictransport.ControlStream, error) {
	return nil, nil
}
func (f *fakeConn) AcceptControlStream(ctx context.Context) (quictransport.ControlStream, error) {
	return nil, nil
}
func (f *fakeConn) SendDatagram(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}
func (f *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) { return nil, nil }
func (f *fakeConn) MaxDatagramSize() int                                { return f.maxSize }
func (f *fakeConn) RemoteAddr() net.Addr                                { return &net.IPAddr{IP: net.ParseIP("192.0.2.1")} }
func (f *fakeConn) CloseWithError(code uint64, reason string) error     { return nil }

func ipv4Packet(dest net.IP, totalLen int) []byte {
	buf := make([]byte, totalLen)
	buf[0] = 0x45 // version 4, IHL 5
	copy(buf[16:20], dest.To4())
	return buf
}

func TestRoutesToCorrectDestination(t *testing.T) {
	tun := newPipeTun(1500)
	w := New(tun, kitlog.NewNopLogger(), 16)

	connB := &fakeConn{maxSize: 1400}
	w.AddRoute(net.ParseIP("10.0.0.3"), connB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	packet := ipv4Packet(net.ParseIP("10.0.0.3"), 40)
	tun.in <- packet

	deadline := time.After(time.Second)
	for {
		connB.mu.Lock()
		n := len(connB.sent)
		connB.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for datagram to be sent")
		case <-time.After(5 * time.Millisecond):
		}
	}

	connB.mu.Lock()
	defer connB.mu.Unlock()
	if !bytes.Equal(connB.sent[0], packet) {
		t.Fatalf("sent packet does not match input")
	}
}

func TestUnadvertisedMaxDatagramSizeIsFatal(t *testing.T) {
	tun := newPipeTun(1500)
	w := New(tun, kitlog.NewNopLogger(), 16)

	conn := &fakeConn{maxSize: 0}
	w.AddRoute(net.ParseIP("10.0.0.3"), conn)

	packet := ipv4Packet(net.ParseIP("10.0.0.3"), 40)
	if ok := w.routePacket(packet); ok {
		t.Fatalf("expected routePacket to report a fatal condition")
	}
	if len(conn.sent) != 0 {
		t.Fatalf("expected no datagram to be sent")
	}
}

func TestHealthyAfterCleanStop(t *testing.T) {
	tun := newPipeTun(1500)
	w := New(tun, kitlog.NewNopLogger(), 16)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !w.Healthy() {
		t.Fatalf("expected clean shutdown to leave worker healthy")
	}
}

func TestDropsOversizePacket(t *testing.T) {
	tun := newPipeTun(1500)
	w := New(tun, kitlog.NewNopLogger(), 16)

	conn := &fakeConn{maxSize: 10}
	w.AddRoute(net.ParseIP("10.0.0.3"), conn)

	packet := ipv4Packet(net.ParseIP("10.0.0.3"), 40)
	w.routePacket(packet)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.sent) != 0 {
		t.Fatalf("expected oversize packet to be dropped, got %d sends", len(conn.sent))
	}
	if _, _, oversize := w.Stats(); oversize != 1 {
		t.Fatalf("expected oversize counter 1, got %d", oversize)
	}
}

func TestDropsUnknownDestination(t *testing.T) {
	tun := newPipeTun(1500)
	w := New(tun, kitlog.NewNopLogger(), 16)

	packet := ipv4Packet(net.ParseIP("10.0.0.9"), 40)
	w.routePacket(packet)

	if _, unknown, _ := w.Stats(); unknown != 1 {
		t.Fatalf("expected unknown-destination counter 1, got %d", unknown)
	}
}

func TestDropsMalformedPacket(t *testing.T) {
	tun := newPipeTun(1500)
	w := New(tun, kitlog.NewNopLogger(), 16)

	w.routePacket([]byte{0x45, 0x00}) // too short for an IPv4 header

	if malformed, _, _ := w.Stats(); malformed != 1 {
		t.Fatalf("expected malformed counter 1, got %d", malformed)
	}
}

func TestWriteQueueDrainsToTUN(t *testing.T) {
	tun := newPipeTun(1500)
	w := New(tun, kitlog.NewNopLogger(), 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	payload := []byte{1, 2, 3, 4}
	w.SenderHandle() <- payload

	deadline := time.After(time.Second)
	for {
		writes := tun.writes()
		if len(writes) == 1 {
			if !bytes.Equal(writes[0], payload) {
				t.Fatalf("written packet does not match enqueued payload")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for TUN write")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReserveRejectsDoubleHold(t *testing.T) {
	tun := newPipeTun(1500)
	w := New(tun, kitlog.NewNopLogger(), 16)

	ip := net.ParseIP("10.0.0.5")
	if !w.Reserve(ip) {
		t.Fatalf("expected first reserve to succeed")
	}
	if w.Reserve(ip) {
		t.Fatalf("expected second reserve of a held address to fail")
	}

	w.Forget(ip)
	if !w.Reserve(ip) {
		t.Fatalf("expected reserve to succeed after forget")
	}
}
