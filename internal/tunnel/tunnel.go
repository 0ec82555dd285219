// Package tunnel owns one tunnel's TUN device, address pool,
// credential store, transport listener, and accept loop, matching
// spec.md §4.5. Grounded on the teacher's Server type
// (pkg/server/server.go: context.Context-driven Start/Stop, a
// sync.WaitGroup tracking spawned tasks, an accept loop spawning a
// handler goroutine per connection) and on original_source's
// QuincyTunnel (start/stop/is_ok, referenced from server.rs).
package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	kitlog "github.com/go-kit/kit/log"

	"github.com/quincyvpn/quincy/internal/auth"
	"github.com/quincyvpn/quincy/internal/config"
	"github.com/quincyvpn/quincy/internal/connection"
	ilog "github.com/quincyvpn/quincy/internal/log"
	"github.com/quincyvpn/quincy/internal/pool"
	"github.com/quincyvpn/quincy/internal/quictransport"
	"github.com/quincyvpn/quincy/internal/tun"
	"github.com/quincyvpn/quincy/internal/tunworker"
)

// Tunnel is one independent virtual network hosted by the server.
type Tunnel struct {
	name string
	cfg  config.TunnelConfig
	conn config.ConnectionConfig

	logger kitlog.Logger

	tlsConfig *tls.Config

	mu        sync.Mutex
	running   bool
	tunDevice *tun.Device
	worker    *tunworker.Worker
	store     *auth.Store
	pool      *pool.Pool
	listener  quictransport.Listener

	stopSweeper func()
	cancel      context.CancelFunc
	acceptDone  chan struct{}

	acceptLoopFailed int32 // atomic bool
	activeConns      int32 // atomic count, for the admin status feed
}

// New constructs a tunnel from its configuration. It does not bring
// up the TUN device or listener; call Start for that.
func New(name string, cfg config.TunnelConfig, connCfg config.ConnectionConfig, tlsConfig *tls.Config, logger kitlog.Logger) (*Tunnel, error) {
	store, err := auth.Load(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("tunnel %q: %w", name, err)
	}
	store.SetSessionTTL(connCfg.SessionTTLDuration())
	store.Restrict(cfg.AllowedUsers)

	return &Tunnel{
		name:      name,
		cfg:       cfg,
		conn:      connCfg,
		logger:    ilog.With(logger, "tunnel", name),
		tlsConfig: tlsConfig,
		store:     store,
	}, nil
}

// Name returns the tunnel's configured name.
func (t *Tunnel) Name() string { return t.name }

// Start brings up the TUN device, the address pool, the TUN worker,
// and the accept loop.
func (t *Tunnel) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("tunnel %q: already started", t.name)
	}

	cidr, err := t.cfg.ParsedCIDR()
	if err != nil {
		return err
	}
	gateway, err := t.cfg.ParsedGateway()
	if err != nil {
		return err
	}

	addrPool, err := pool.New(cidr, gateway)
	if err != nil {
		return fmt.Errorf("tunnel %q: %w", t.name, err)
	}

	ones, _ := cidr.Mask.Size()
	dev, err := tun.New(tun.Config{
		Name:    t.name,
		MTU:     t.cfg.MTUOrDefault(),
		Gateway: gateway,
		Netmask: net.CIDRMask(ones, 32),
	})
	if err != nil {
		return fmt.Errorf("tunnel %q: bringing up TUN device: %w", t.name, err)
	}

	listener, err := quictransport.Listen(t.cfg.BindAddr, t.tlsConfig)
	if err != nil {
		dev.Close()
		return fmt.Errorf("tunnel %q: starting listener: %w", t.name, err)
	}

	worker := tunworker.New(dev, t.logger, t.conn.BufferSizeOrDefault())

	ctx, cancel := context.WithCancel(context.Background())
	if err := worker.Start(ctx); err != nil {
		cancel()
		listener.Close()
		dev.Close()
		return fmt.Errorf("tunnel %q: starting tun worker: %w", t.name, err)
	}

	t.tunDevice = dev
	t.pool = addrPool
	t.worker = worker
	t.listener = listener
	t.cancel = cancel
	t.stopSweeper = t.store.StartSweeper()
	t.acceptDone = make(chan struct{})
	t.running = true
	atomic.StoreInt32(&t.acceptLoopFailed, 0)

	go t.acceptLoop(ctx)

	ilog.Info(t.logger, "msg", "tunnel started", "bind_addr", t.cfg.BindAddr, "cidr", cidr.String())
	return nil
}

// Stop stops the accept loop, closes all connections, stops the TUN
// worker, and brings the TUN device down.
func (t *Tunnel) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return fmt.Errorf("tunnel %q: not started", t.name)
	}

	t.cancel()
	t.listener.Close()
	<-t.acceptDone

	if err := t.worker.Stop(); err != nil {
		ilog.Warn(t.logger, "msg", "stopping tun worker", "err", err)
	}
	if t.stopSweeper != nil {
		t.stopSweeper()
	}
	if err := t.tunDevice.Close(); err != nil {
		ilog.Warn(t.logger, "msg", "closing tun device", "err", err)
	}

	t.running = false
	ilog.Info(t.logger, "msg", "tunnel stopped")
	return nil
}

// IsOK reports whether the tunnel's accept loop and TUN worker are
// still healthy. A false result is the supervisor's signal to stop
// and restart this tunnel (spec.md §4.6, S6).
func (t *Tunnel) IsOK() bool {
	if atomic.LoadInt32(&t.acceptLoopFailed) != 0 {
		return false
	}
	t.mu.Lock()
	worker := t.worker
	running := t.running
	t.mu.Unlock()
	if !running || worker == nil {
		return false
	}
	return worker.Healthy()
}

// ActiveConnections reports the number of connection handlers
// currently running, from accept through close (clients still
// authenticating are included), for the admin status feed.
func (t *Tunnel) ActiveConnections() int {
	return int(atomic.LoadInt32(&t.activeConns))
}

// PoolStats reports free/leased counts for the admin status feed.
func (t *Tunnel) PoolStats() (free, leased int) {
	t.mu.Lock()
	p := t.pool
	t.mu.Unlock()

	if p == nil {
		return 0, 0
	}
	return p.Stats()
}

func (t *Tunnel) acceptLoop(ctx context.Context) {
	defer close(t.acceptDone)

	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ilog.Error(t.logger, "msg", "accept failed, tunnel is unhealthy", "err", err)
			atomic.StoreInt32(&t.acceptLoopFailed, 1)
			return
		}

		go t.handleConnection(ctx, conn)
	}
}

func (t *Tunnel) handleConnection(ctx context.Context, conn quictransport.Connection) {
	atomic.AddInt32(&t.activeConns, 1)
	defer atomic.AddInt32(&t.activeConns, -1)

	h := connection.New(conn, t.store, t.pool, t.worker, t.worker, t.logger, t.conn.AuthTimeoutDuration())
	h.Run(ctx)
}
