// Package supervisor implements the server-wide tunnel supervisor
// described in spec.md §4.6: start every configured tunnel, then poll
// each once a second and restart any that have become unhealthy.
// Grounded directly on original_source's src/server.rs QuincyServer
// (sequential tunnel start, then a 1-second sleep-poll-restart loop
// over a DashMap of tunnels), adapted to the teacher's
// context.Context-driven goroutine lifecycle.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	kitlog "github.com/go-kit/kit/log"

	"github.com/quincyvpn/quincy/internal/admin"
	"github.com/quincyvpn/quincy/internal/config"
	ilog "github.com/quincyvpn/quincy/internal/log"
	"github.com/quincyvpn/quincy/internal/tunnel"
)

// pollInterval is the supervisor's health-check cadence, matching
// spec.md §4.6's "one-second cadence".
const pollInterval = time.Second

// Supervisor owns every tunnel configured for this server.
type Supervisor struct {
	tunnels []*tunnel.Tunnel
	logger  kitlog.Logger
}

// New constructs a Supervisor with one Tunnel per entry in cfg.Tunnels.
func New(cfg *config.ServerConfig, tlsConfigFor func(tunnelName string, certFile, keyFile string) (*tls.Config, error), logger kitlog.Logger) (*Supervisor, error) {
	s := &Supervisor{logger: logger}

	for name, tunnelCfg := range cfg.Tunnels {
		tlsConfig, err := tlsConfigFor(name, tunnelCfg.Certificate, tunnelCfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("supervisor: tunnel %q: %w", name, err)
		}

		t, err := tunnel.New(name, tunnelCfg, cfg.Connection, tlsConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("supervisor: tunnel %q: %w", name, err)
		}
		s.tunnels = append(s.tunnels, t)
	}

	return s, nil
}

// Run starts every tunnel, then polls until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	for _, t := range s.tunnels {
		if err := t.Start(); err != nil {
			return fmt.Errorf("supervisor: starting tunnel %q: %w", t.Name(), err)
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case <-ticker.C:
			s.checkAndRestart()
		}
	}
}

func (s *Supervisor) checkAndRestart() {
	for _, t := range s.tunnels {
		if t.IsOK() {
			continue
		}

		ilog.Error(s.logger, "msg", "tunnel has crashed, attempting to restart", "tunnel", t.Name())
		if err := t.Stop(); err != nil {
			ilog.Error(s.logger, "msg", "failed to stop crashed tunnel", "tunnel", t.Name(), "err", err)
		}
		if err := t.Start(); err != nil {
			ilog.Error(s.logger, "msg", "failed to restart tunnel", "tunnel", t.Name(), "err", err)
		}
	}
}

func (s *Supervisor) stopAll() {
	for _, t := range s.tunnels {
		if err := t.Stop(); err != nil {
			ilog.Warn(s.logger, "msg", "stopping tunnel during shutdown", "tunnel", t.Name(), "err", err)
		}
	}
}

// Snapshot implements admin.SnapshotSource, reporting every tunnel's
// current health and connection count for the operator status feed.
func (s *Supervisor) Snapshot() admin.Snapshot {
	snap := admin.Snapshot{Timestamp: time.Now(), Tunnels: make([]admin.TunnelStatus, 0, len(s.tunnels))}
	for _, t := range s.tunnels {
		free, leased := t.PoolStats()
		snap.Tunnels = append(snap.Tunnels, admin.TunnelStatus{
			Name:        t.Name(),
			Healthy:     t.IsOK(),
			Connections: t.ActiveConnections(),
			PoolFree:    free,
			PoolLeased:  leased,
		})
	}
	return snap
}
