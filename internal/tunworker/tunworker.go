// Package tunworker bridges one tunnel's TUN device with its set of
// authenticated transport connections: one reader task demultiplexes
// inbound TUN packets by destination IP, one writer task drains a
// bounded write queue back to the TUN device. Grounded on
// original_source's src/tun.rs TunWorker (reader/writer task split
// over an mpsc write queue and a destination-IP connection map), and
// on the teacher's tunReadLoop goroutine-plus-context-cancellation
// idiom in pkg/server/server.go.
package tunworker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	kitlog "github.com/go-kit/kit/log"

	ilog "github.com/quincyvpn/quincy/internal/log"
	"github.com/quincyvpn/quincy/internal/quictransport"
)

// tunDevice is the subset of *tun.Device the worker needs; kept as an
// interface so tests can substitute an in-memory pipe.
type tunDevice interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	MTU() int
}

// Route is one entry in the destination-IP routing table: the
// transport connection to send to. A Route with a nil Conn is a
// placeholder left by Reserve; packets for it are dropped as having
// an unknown destination.
type Route struct {
	Conn quictransport.Connection
}

// Worker owns exactly one TUN device's read half and write half, plus
// the per-tunnel routing table from client tunnel IP to transport
// connection.
type Worker struct {
	dev    tunDevice
	logger kitlog.Logger

	mu     sync.RWMutex
	routes map[string]Route // keyed by net.IP.String()

	writeQueue chan []byte

	started bool
	stop    context.CancelFunc
	done    chan struct{}

	failed int32 // atomic bool; set on a device I/O error or an unadvertised max datagram size

	droppedMalformed   uint64
	droppedUnknownDest uint64
	droppedOversize    uint64
}

// New creates a Worker over dev. writeQueueSize bounds the
// clients-to-TUN write queue; spec.md's data model treats it as
// unbounded, but an unbounded Go channel of byte slices is a memory
// leak waiting to happen under a stalled TUN device, so a large
// finite buffer approximates "unbounded in practice" the way the
// teacher bounds its channels elsewhere.
func New(dev tunDevice, logger kitlog.Logger, writeQueueSize int) *Worker {
	return &Worker{
		dev:        dev,
		logger:     logger,
		routes:     make(map[string]Route),
		writeQueue: make(chan []byte, writeQueueSize),
		done:       make(chan struct{}),
	}
}

// AddRoute registers ip as routable to conn. Called only after
// authentication succeeds, per invariant 4.
func (w *Worker) AddRoute(ip net.IP, conn quictransport.Connection) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.routes[ip.String()] = Route{Conn: conn}
}

// RemoveRoute deregisters ip. Called before the address is released
// back to the pool, per invariant 4.
func (w *Worker) RemoveRoute(ip net.IP) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routes, ip.String())
}

// SenderHandle returns the multi-producer endpoint connection handlers
// use to enqueue a datagram payload for writing to the TUN device.
func (w *Worker) SenderHandle() chan<- []byte {
	return w.writeQueue
}

// Reserve marks ip as held by a connection still completing
// authentication, before its transport connection is known. It
// reports false if ip is already held. It implements the connection
// package's Registry interface.
func (w *Worker) Reserve(ip net.IP) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := ip.String()
	if _, held := w.routes[key]; held {
		return false
	}
	w.routes[key] = Route{}
	return true
}

// Forget releases ip's hold without requiring a registered route,
// used whenever a leased address is released, whether or not its
// route was ever registered.
func (w *Worker) Forget(ip net.IP) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routes, ip.String())
}

// Start spawns the reader and writer tasks. It is an error to call
// Start twice without an intervening Stop.
func (w *Worker) Start(ctx context.Context) error {
	if w.started {
		return fmt.Errorf("tunworker: already started")
	}
	w.started = true
	atomic.StoreInt32(&w.failed, 0)

	workerCtx, cancel := context.WithCancel(ctx)
	w.stop = cancel
	w.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.readLoop(workerCtx)
	}()
	go func() {
		defer wg.Done()
		w.writeLoop(workerCtx)
	}()

	go func() {
		wg.Wait()
		close(w.done)
	}()

	return nil
}

// Stop cancels both tasks and waits for them to exit. It is an error
// to call Stop without a prior Start.
func (w *Worker) Stop() error {
	if !w.started {
		return fmt.Errorf("tunworker: not started")
	}
	w.stop()
	<-w.done
	w.started = false
	return nil
}

// Healthy reports whether no fatal condition has been seen since the
// last Start. It returns false once the reader task has exited on a
// device read error or an unadvertised max datagram size, or once the
// writer task has hit a device write error (the writer keeps running
// after one); the tunnel supervisor polls this to decide whether to
// restart.
func (w *Worker) Healthy() bool {
	return atomic.LoadInt32(&w.failed) == 0
}

// readLoop is the TUN -> clients path: one packet per iteration,
// demultiplexed by destination IP. Each iteration reads into a fresh
// buffer rather than reusing one across iterations: SendDatagram
// hands the packet's backing slice off to quic-go, which packs and
// transmits it on another goroutine, so a reused buffer could be
// overwritten by the next dev.Read while still in flight. Grounded on
// original_source/src/tun.rs, which allocates a new BytesMut per
// packet for the same reason. The device read runs in its own
// goroutine so that cancelling ctx ends the task even while a read is
// pending; that pending read is abandoned and its result discarded.
func (w *Worker) readLoop(ctx context.Context) {
	bufSize := w.dev.MTU() + 64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		buf := make([]byte, bufSize)
		var n int
		readErr := make(chan error, 1)
		go func() {
			var err error
			n, err = w.dev.Read(buf)
			readErr <- err
		}()
		var err error
		select {
		case <-ctx.Done():
			return
		case err = <-readErr:
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ilog.Error(w.logger, "msg", "tun read error", "err", err)
			atomic.StoreInt32(&w.failed, 1)
			return
		}

		if !w.routePacket(buf[:n]) {
			atomic.StoreInt32(&w.failed, 1)
			return
		}
	}
}

// routePacket forwards one TUN-origin packet. It returns false only
// for the one condition spec.md §4.3 calls fatal for the reader task:
// a matching route whose peer has not yet advertised a max datagram
// size. Every other drop (malformed packet, unknown destination,
// oversize, any send error) is non-fatal; send errors are logged but
// not counted.
func (w *Worker) routePacket(packet []byte) bool {
	dest, ok := destinationIP(packet)
	if !ok {
		w.droppedMalformed++
		return true
	}

	w.mu.RLock()
	route, ok := w.routes[dest.String()]
	w.mu.RUnlock()
	if !ok || route.Conn == nil {
		w.droppedUnknownDest++
		ilog.Warn(w.logger, "msg", "dropping packet for unknown destination", "dest", dest.String())
		return true
	}

	maxSize := route.Conn.MaxDatagramSize()
	if maxSize == 0 {
		ilog.Error(w.logger, "msg", "peer has not advertised a max datagram size", "remote", route.Conn.RemoteAddr().String())
		return false
	}
	if len(packet) > maxSize {
		w.droppedOversize++
		ilog.Warn(w.logger, "msg", "dropping oversize packet", "size", len(packet), "max", maxSize)
		return true
	}

	if err := route.Conn.SendDatagram(packet); err != nil {
		ilog.Warn(w.logger, "msg", "datagram send failed, dropping", "err", err)
	}
	return true
}

// writeLoop is the clients -> TUN path.
func (w *Worker) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-w.writeQueue:
			if !ok {
				return
			}
			if _, err := w.dev.Write(buf); err != nil {
				ilog.Error(w.logger, "msg", "tun write error", "err", err)
				atomic.StoreInt32(&w.failed, 1)
			}
		}
	}
}

// Stats reports drop counters for observability.
func (w *Worker) Stats() (malformed, unknownDest, oversize uint64) {
	return w.droppedMalformed, w.droppedUnknownDest, w.droppedOversize
}

// destinationIP extracts the destination address from a raw IPv4 or
// IPv6 packet. It performs no checksum validation: spec.md's
// MalformedPacket policy is "drop silently", and a packet too short
// to carry a destination address is the only malformation this path
// needs to detect cheaply.
func destinationIP(packet []byte) (net.IP, bool) {
	if len(packet) < 1 {
		return nil, false
	}
	version := packet[0] >> 4
	switch version {
	case 4:
		if len(packet) < 20 {
			return nil, false
		}
		return net.IP(packet[16:20]), true
	case 6:
		if len(packet) < 40 {
			return nil, false
		}
		return net.IP(packet[24:40]), true
	default:
		return nil, false
	}
}
