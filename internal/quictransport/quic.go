package quictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// defaultQUICConfig mirrors the teacher's QUICTransport config, with
// datagrams enabled — the teacher declared EnableDatagrams but its
// data path never called SendDatagram/ReceiveDatagram; this package
// is where those calls actually happen.
func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
		EnableDatagrams: true,
	}
}

// quicConnection adapts quic.Connection to the Connection interface.
type quicConnection struct {
	conn quic.Connection
}

// WrapConnection exposes an already-established quic-go connection
// through the narrow Connection interface.
func WrapConnection(conn quic.Connection) Connection {
	return &quicConnection{conn: conn}
}

func (c *quicConnection) OpenControlStream(ctx context.Context) (ControlStream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: open control stream: %w", err)
	}
	return stream, nil
}

func (c *quicConnection) AcceptControlStream(ctx context.Context) (ControlStream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept control stream: %w", err)
	}
	return stream, nil
}

func (c *quicConnection) SendDatagram(b []byte) error {
	return c.conn.SendDatagram(b)
}

func (c *quicConnection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

func (c *quicConnection) MaxDatagramSize() int {
	return int(c.conn.MaxDatagramSize())
}

func (c *quicConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *quicConnection) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// quicListener adapts *quic.Listener to the Listener interface.
type quicListener struct {
	listener *quic.Listener
}

// Listen binds a QUIC listener for one tunnel using its own TLS
// identity and ALPN token.
func Listen(addr string, tlsConfig *tls.Config) (Listener, error) {
	cfg := tlsConfig.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"quincy"}
	}
	listener, err := quic.ListenAddr(addr, cfg, defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("quictransport: listen: %w", err)
	}
	return &quicListener{listener: listener}, nil
}

func (l *quicListener) Accept(ctx context.Context) (Connection, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return WrapConnection(conn), nil
}

func (l *quicListener) Close() error {
	return l.listener.Close()
}

func (l *quicListener) Addr() net.Addr {
	return l.listener.Addr()
}
