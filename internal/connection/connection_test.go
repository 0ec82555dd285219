package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	kitlog "github.com/go-kit/kit/log"

	"github.com/quincyvpn/quincy/internal/auth"
	"github.com/quincyvpn/quincy/internal/quictransport"
	"github.com/quincyvpn/quincy/internal/wire"
)

// memStream is a ControlStream backed by two in-memory pipes, letting
// a test act as the remote peer.
type memStream struct {
	r io.Reader
	w io.Writer
}

func (m *memStream) Read(p []byte) (int, error)  { return m.r.Read(p) }
func (m *memStream) Write(p []byte) (int, error) { return m.w.Write(p) }
func (m *memStream) Close() error                { return nil }

func newMemStreamPair() (server, client *memStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	server = &memStream{r: r1, w: w2}
	client = &memStream{r: r2, w: w1}
	return
}

type fakeConn struct {
	stream  quictransport.ControlStream
	maxSize int

	mu          sync.Mutex
	sentCount   int
	closeCalled bool

	datagrams chan []byte
}

func (f *fakeConn) OpenControlStream(ctx context.Context) (quictransport.ControlStream, error) {
	return f.stream, nil
}
func (f *fakeConn) AcceptControlStream(ctx context.Context) (quictransport.ControlStream, error) {
	return f.stream, nil
}
func (f *fakeConn) SendDatagram(b []byte) error {
	f.mu.Lock()
	f.sentCount++
	f.mu.Unlock()
	return nil
}
func (f *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case d, ok := <-f.datagrams:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (f *fakeConn) MaxDatagramSize() int { return f.maxSize }
func (f *fakeConn) RemoteAddr() net.Addr {
	return &net.IPAddr{IP: net.ParseIP("192.0.2.1")}
}
func (f *fakeConn) CloseWithError(code uint64, reason string) error {
	f.mu.Lock()
	f.closeCalled = true
	f.mu.Unlock()
	return nil
}

type fakePool struct {
	mu     sync.Mutex
	free   []string
	leased map[string]bool
	mask   net.IPMask
	gw     net.IP
}

func newFakePool(addrs ...string) *fakePool {
	return &fakePool{free: addrs, leased: make(map[string]bool), mask: net.CIDRMask(30, 32), gw: net.ParseIP("10.0.0.1")}
}

func (p *fakePool) Lease() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, errors.New("pool: exhausted")
	}
	addr := p.free[0]
	p.free = p.free[1:]
	p.leased[addr] = true
	return net.ParseIP(addr), nil
}

func (p *fakePool) Release(ip net.IP) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := ip.String()
	if !p.leased[key] {
		return true
	}
	delete(p.leased, key)
	p.free = append(p.free, key)
	return false
}

func (p *fakePool) Mask() net.IPMask { return p.mask }
func (p *fakePool) Gateway() net.IP  { return p.gw }

type fakeRouter struct {
	mu     sync.Mutex
	routes map[string]bool
	queue  chan []byte
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{routes: make(map[string]bool), queue: make(chan []byte, 16)}
}

func (r *fakeRouter) AddRoute(ip net.IP, conn quictransport.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[ip.String()] = true
}
func (r *fakeRouter) RemoveRoute(ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, ip.String())
}
func (r *fakeRouter) SenderHandle() chan<- []byte { return r.queue }
func (r *fakeRouter) has(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes[ip]
}

type fakeRegistry struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{held: make(map[string]bool)} }

func (r *fakeRegistry) Reserve(ip net.IP) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ip.String()
	if r.held[key] {
		return false
	}
	r.held[key] = true
	return true
}
func (r *fakeRegistry) Forget(ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, ip.String())
}

func newTestStore(t *testing.T) *auth.Store {
	t.Helper()
	s := auth.NewStore()
	if err := s.AddUser("alice", "hunter2"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	return s
}

func TestHappyPathAuthentication(t *testing.T) {
	store := newTestStore(t)
	pool := newFakePool("10.0.0.2")
	router := newFakeRouter()
	registry := newFakeRegistry()

	serverStream, clientStream := newMemStreamPair()
	conn := &fakeConn{stream: serverStream, maxSize: 1400, datagrams: make(chan []byte)}

	h := New(conn, store, pool, router, registry, kitlog.NewNopLogger(), time.Second)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.Run(ctx)
		close(done)
	}()

	writeFrame(clientStream, wire.MarshalAuthentication(&wire.AuthenticationMessage{Username: "alice", Password: "hunter2"}))

	reply := readFrameFromTest(t, clientStream)
	if reply.Type != wire.TypeAuthenticated {
		t.Fatalf("expected Authenticated reply, got type %d", reply.Type)
	}
	authed, err := wire.UnmarshalAuthenticated(reply.Payload)
	if err != nil {
		t.Fatalf("unmarshal authenticated: %v", err)
	}
	if net.IP(authed.ClientIP[:]).String() != "10.0.0.2" {
		t.Fatalf("expected lease of 10.0.0.2, got %s", net.IP(authed.ClientIP[:]))
	}

	waitUntil(t, func() bool { return router.has("10.0.0.2") })

	cancel()
	<-done

	if conn.closeCalled != true {
		t.Fatalf("expected connection to be closed on teardown")
	}
	if router.has("10.0.0.2") {
		t.Fatalf("expected route removed after teardown")
	}
}

func TestBadPasswordFails(t *testing.T) {
	store := newTestStore(t)
	pool := newFakePool("10.0.0.2")
	router := newFakeRouter()
	registry := newFakeRegistry()

	serverStream, clientStream := newMemStreamPair()
	conn := &fakeConn{stream: serverStream, maxSize: 1400, datagrams: make(chan []byte)}

	h := New(conn, store, pool, router, registry, kitlog.NewNopLogger(), time.Second)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()

	writeFrame(clientStream, wire.MarshalAuthentication(&wire.AuthenticationMessage{Username: "alice", Password: "wrong"}))

	reply := readFrameFromTest(t, clientStream)
	if reply.Type != wire.TypeFailed {
		t.Fatalf("expected Failed reply, got type %d", reply.Type)
	}

	<-done

	if len(pool.free) != 1 {
		t.Fatalf("expected address pool unchanged after failed auth, free=%d", len(pool.free))
	}
}

func TestPoolExhaustionFails(t *testing.T) {
	store := newTestStore(t)
	pool := newFakePool() // no addresses available
	router := newFakeRouter()
	registry := newFakeRegistry()

	serverStream, clientStream := newMemStreamPair()
	conn := &fakeConn{stream: serverStream, maxSize: 1400, datagrams: make(chan []byte)}

	h := New(conn, store, pool, router, registry, kitlog.NewNopLogger(), time.Second)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()

	writeFrame(clientStream, wire.MarshalAuthentication(&wire.AuthenticationMessage{Username: "alice", Password: "hunter2"}))

	reply := readFrameFromTest(t, clientStream)
	if reply.Type != wire.TypeFailed {
		t.Fatalf("expected Failed reply on pool exhaustion, got type %d", reply.Type)
	}

	<-done
}

func writeFrame(s *memStream, f *wire.Frame) {
	_, _ = s.Write(f.Marshal())
}

func readFrameFromTest(t *testing.T, s *memStream) *wire.Frame {
	t.Helper()
	buf := make([]byte, wire.MaxFrameSize)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := wire.UnmarshalFrame(buf[:n])
	if err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func TestSessionTokenReconnectSucceeds(t *testing.T) {
	store := newTestStore(t)
	token, err := store.Authenticate("alice", "hunter2")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	pool := newFakePool("10.0.0.2")
	router := newFakeRouter()
	registry := newFakeRegistry()

	serverStream, clientStream := newMemStreamPair()
	conn := &fakeConn{stream: serverStream, maxSize: 1400, datagrams: make(chan []byte)}

	h := New(conn, store, pool, router, registry, kitlog.NewNopLogger(), time.Second)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.Run(ctx)
		close(done)
	}()

	writeFrame(clientStream, wire.MarshalSessionToken(&wire.SessionTokenMessage{Token: token}))

	reply := readFrameFromTest(t, clientStream)
	if reply.Type != wire.TypeOk {
		t.Fatalf("expected Ok reply on session token reconnect, got type %d", reply.Type)
	}

	waitUntil(t, func() bool { return router.has("10.0.0.2") })

	cancel()
	<-done
}

func TestSessionTokenUnknownFails(t *testing.T) {
	store := newTestStore(t)
	pool := newFakePool("10.0.0.2")
	router := newFakeRouter()
	registry := newFakeRegistry()

	serverStream, clientStream := newMemStreamPair()
	conn := &fakeConn{stream: serverStream, maxSize: 1400, datagrams: make(chan []byte)}

	h := New(conn, store, pool, router, registry, kitlog.NewNopLogger(), time.Second)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()

	var bogus [16]byte
	writeFrame(clientStream, wire.MarshalSessionToken(&wire.SessionTokenMessage{Token: bogus}))

	reply := readFrameFromTest(t, clientStream)
	if reply.Type != wire.TypeFailed {
		t.Fatalf("expected Failed reply for unknown session token, got type %d", reply.Type)
	}

	<-done

	if len(pool.free) != 1 {
		t.Fatalf("expected address pool unchanged after failed reconnect, free=%d", len(pool.free))
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("condition not met before timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
