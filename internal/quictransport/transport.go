// Package quictransport wraps github.com/quic-go/quic-go behind the
// narrow interface the tunnel core actually needs: an accept loop
// that hands back connections exposing a control stream plus
// unreliable datagrams, matching spec §6's "opaque transport"
// contract (send_datagram, recv_datagram, open_bi, max_datagram_size,
// remote_address, close).
package quictransport

import (
	"context"
	"io"
	"net"
)

// ControlStream is the bidirectional stream used for the
// authentication handshake.
type ControlStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Connection is one client's QUIC connection to a tunnel.
type Connection interface {
	// OpenControlStream opens a new bidirectional stream to the peer
	// (client side of the handshake).
	OpenControlStream(ctx context.Context) (ControlStream, error)

	// AcceptControlStream waits for the peer to open a bidirectional
	// stream (server side of the handshake).
	AcceptControlStream(ctx context.Context) (ControlStream, error)

	// SendDatagram transmits b as a single unreliable datagram.
	SendDatagram(b []byte) error

	// ReceiveDatagram blocks until a datagram arrives or ctx is
	// cancelled.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// MaxDatagramSize returns the current maximum datagram payload
	// this connection can carry, or 0 if the peer has not yet
	// negotiated one.
	MaxDatagramSize() int

	// RemoteAddr returns the peer's network address.
	RemoteAddr() net.Addr

	// CloseWithError closes the connection with an application error
	// code and a human-readable reason.
	CloseWithError(code uint64, reason string) error
}

// Listener accepts incoming tunnel connections.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Close() error
	Addr() net.Addr
}
