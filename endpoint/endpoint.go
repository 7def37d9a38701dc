// Package endpoint wraps the QUIC library behind a small adapter: a bound
// UDP endpoint yielding accepted connections, and per-connection stream
// primitives. It is the only package that imports quic-go directly, apart
// from the HTTP/3 dispatcher which needs the concrete connection type.
package endpoint

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// Transport limits, applied per connection.
const (
	MaxConcurrentUniStreams  = 1000
	MaxConcurrentBidiStreams = 100
	IdleTimeout              = 5 * time.Minute
)

// ALPN tokens for the two wire modes.
const (
	ALPNNative = "quic-websocket"
	ALPNHTTP3  = "h3"
)

// Connection is one accepted QUIC connection. Streams are surfaced as plain
// readers and writers; closing the returned writer finishes the stream.
type Connection interface {
	RemoteAddr() net.Addr
	// AcceptUniStream blocks until the peer opens a unidirectional stream.
	AcceptUniStream(ctx context.Context) (io.Reader, error)
	// OpenUniStream opens an outbound unidirectional stream, waiting for
	// flow-control credit if necessary.
	OpenUniStream(ctx context.Context) (io.WriteCloser, error)
	CloseWithError(code uint64, reason string) error
	// CloseReason returns nil while the connection is alive and the cause
	// once the transport has reported a close.
	CloseReason() error
	// Context is cancelled when the connection closes.
	Context() context.Context
	ALPN() string
	// QUIC exposes the underlying connection for handing off to the HTTP/3
	// server; native-mode code must not use it.
	QUIC() quic.Connection
}

// Endpoint is a listening UDP endpoint producing accepted connections.
type Endpoint struct {
	listener *quic.Listener
	log      *zerolog.Logger
}

// Listen binds addr with the given TLS configuration. The TLS config must
// advertise exactly one ALPN, selected by the server mode.
func Listen(addr string, tlsConf *tls.Config, log *zerolog.Logger) (*Endpoint, error) {
	quicConf := &quic.Config{
		MaxIncomingStreams:    MaxConcurrentBidiStreams,
		MaxIncomingUniStreams: MaxConcurrentUniStreams,
		MaxIdleTimeout:        IdleTimeout,
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind QUIC endpoint on %s", addr)
	}
	return &Endpoint{listener: listener, log: log}, nil
}

// Accept blocks until the next connection completes its handshake.
func (e *Endpoint) Accept(ctx context.Context) (Connection, error) {
	qc, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &connection{qc: qc}, nil
}

// Addr reports the bound UDP address.
func (e *Endpoint) Addr() net.Addr {
	return e.listener.Addr()
}

// Close unbinds the endpoint. Connections already accepted keep running
// until closed individually.
func (e *Endpoint) Close() error {
	return e.listener.Close()
}

type connection struct {
	qc quic.Connection
}

func (c *connection) RemoteAddr() net.Addr {
	return c.qc.RemoteAddr()
}

func (c *connection) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	stream, err := c.qc.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *connection) OpenUniStream(ctx context.Context) (io.WriteCloser, error) {
	stream, err := c.qc.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *connection) CloseWithError(code uint64, reason string) error {
	return c.qc.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (c *connection) CloseReason() error {
	select {
	case <-c.qc.Context().Done():
		return context.Cause(c.qc.Context())
	default:
		return nil
	}
}

func (c *connection) Context() context.Context {
	return c.qc.Context()
}

func (c *connection) ALPN() string {
	return c.qc.ConnectionState().TLS.NegotiatedProtocol
}

func (c *connection) QUIC() quic.Connection {
	return c.qc
}
