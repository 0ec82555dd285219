// Command quincyd runs the tunnel server: it loads a TOML
// configuration file, starts every configured tunnel, and serves an
// optional operator status feed until interrupted. Adapted from the
// teacher's cmd/hydra/main.go flag-parsing and signal-driven shutdown
// shape, with the client/server/version command dispatch dropped
// since the client program is out of scope.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ilog "github.com/quincyvpn/quincy/internal/log"

	"github.com/quincyvpn/quincy/internal/admin"
	"github.com/quincyvpn/quincy/internal/config"
	"github.com/quincyvpn/quincy/internal/supervisor"
)

func main() {
	flags := flag.NewFlagSet("quincyd", flag.ExitOnError)
	configPath := flags.String("config", "/etc/quincy/server.toml", "Path to the server TOML configuration file")
	flags.Parse(os.Args[1:])

	logger := ilog.New("quincyd")

	if err := run(*configPath, logger); err != nil {
		ilog.Error(logger, "msg", "fatal error", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, logger ilog.Logger) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	sup, err := supervisor.New(cfg, loadTLSConfig, logger)
	if err != nil {
		return fmt.Errorf("building supervisor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adminDone := make(chan struct{})
	if cfg.AdminListenAddr != "" {
		feed := admin.NewFeed(sup, logger, 2*time.Second)
		go feed.Run(adminDone)

		mux := http.NewServeMux()
		mux.Handle("/status", feed)
		adminServer := &http.Server{Addr: cfg.AdminListenAddr, Handler: mux}
		go func() {
			ilog.Info(logger, "msg", "admin status feed listening", "addr", cfg.AdminListenAddr)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				ilog.Error(logger, "msg", "admin server exited", "err", err)
			}
		}()
		defer func() {
			close(adminDone)
			adminServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		ilog.Info(logger, "msg", "received shutdown signal", "signal", sig.String())
		cancel()
		return <-runErr
	case err := <-runErr:
		return err
	}
}

// loadTLSConfig builds the per-tunnel TLS 1.3 server identity from a
// certificate/key pair on disk, matching spec.md §6's "TLS 1.3
// certificate per tunnel".
func loadTLSConfig(tunnelName, certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tunnel %q: loading TLS certificate: %w", tunnelName, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"quincy"},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
