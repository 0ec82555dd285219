// Package admin pushes a read-only operator status feed over a
// WebSocket connection: a JSON snapshot of every tunnel's health,
// connection count, and address-pool utilization, sent once every
// feed period (a ticker of the Feed's own, independent of the
// supervisor's poll). Adapted from the teacher's
// WebSocketTransport/WebSocketConnection/WebSocketListener
// (pkg/transport/websocket.go), which served client-facing VPN
// traffic there; here gorilla/websocket has no role in the
// QUIC-datagram-only data plane, so it is repurposed as the
// operator-facing push channel instead.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	kitlog "github.com/go-kit/kit/log"

	ilog "github.com/quincyvpn/quincy/internal/log"
)

// TunnelStatus is one tunnel's snapshot at a point in time.
type TunnelStatus struct {
	Name        string `json:"name"`
	Healthy     bool   `json:"healthy"`
	Connections int    `json:"connections"`
	PoolFree    int    `json:"poolFree"`
	PoolLeased  int    `json:"poolLeased"`
}

// Snapshot is the full payload pushed to every connected admin
// client.
type Snapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Tunnels   []TunnelStatus `json:"tunnels"`
}

// SnapshotSource is implemented by the server supervisor.
type SnapshotSource interface {
	Snapshot() Snapshot
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Feed serves the admin status feed over a single HTTP endpoint and
// pushes a Snapshot to every connected client on each tick.
type Feed struct {
	source SnapshotSource
	logger kitlog.Logger
	period time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewFeed creates a status feed drawing snapshots from source every
// period.
func NewFeed(source SnapshotSource, logger kitlog.Logger, period time.Duration) *Feed {
	return &Feed{
		source:  source,
		logger:  logger,
		period:  period,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a push target until it disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ilog.Warn(f.logger, "msg", "admin feed upgrade failed", "err", err)
		return
	}

	f.mu.Lock()
	f.clients[conn] = struct{}{}
	f.mu.Unlock()

	// Drain and discard anything the client sends; this is a
	// push-only feed, but an idle WebSocket client still needs its
	// read pump serviced to notice disconnects.
	go func() {
		defer f.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (f *Feed) removeClient(conn *websocket.Conn) {
	f.mu.Lock()
	delete(f.clients, conn)
	f.mu.Unlock()
	conn.Close()
}

// Run pushes a snapshot to every connected client every period, until
// done is closed.
func (f *Feed) Run(done <-chan struct{}) {
	ticker := time.NewTicker(f.period)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			f.broadcast(f.source.Snapshot())
		}
	}
}

func (f *Feed) broadcast(snap Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		ilog.Error(f.logger, "msg", "marshaling status snapshot", "err", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			ilog.Warn(f.logger, "msg", "pushing snapshot to admin client failed", "err", err)
			go f.removeClient(conn)
		}
	}
}
