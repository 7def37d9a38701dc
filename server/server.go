// Package server binds the endpoint, the session registry, the two wire-mode
// dispatchers, and the periodic push engines into one runnable unit.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quicsock/quicsock/endpoint"
	"github.com/quicsock/quicsock/message"
	"github.com/quicsock/quicsock/metrics"
	"github.com/quicsock/quicsock/session"
	"github.com/quicsock/quicsock/signal"
	"github.com/quicsock/quicsock/tlsconfig"
)

// Mode selects the wire protocol advertised via ALPN.
type Mode string

const (
	ModeNative Mode = "native"
	ModeHTTP3  Mode = "http3"
)

const (
	reapInterval  = 30 * time.Second
	statsInterval = 60 * time.Second
)

// errDrained marks an intentional shutdown so Serve can report it as clean.
var errDrained = errors.New("server drained")

// Config carries everything needed to run one server process.
type Config struct {
	Addr        string
	ServerName  string
	MaxSessions int
	CertPath    string
	KeyPath     string
	Mode        Mode
	MetricsAddr string
}

// Server owns the long-lived collaborators: the bound endpoint, the session
// registry, and the broadcast bus. It is created stopped; Serve runs it.
type Server struct {
	cfg      Config
	log      *zerolog.Logger
	endpoint *endpoint.Endpoint
	registry *session.Registry
	bus      *session.Bus
	shutdown *signal.Signal

	closeOnce sync.Once
}

// New binds the UDP endpoint for cfg and prepares the server. Startup errors
// (bad credentials, bind failure) are fatal and propagate to the caller.
func New(cfg Config, log *zerolog.Logger) (*Server, error) {
	var alpn string
	switch cfg.Mode {
	case ModeNative:
		alpn = endpoint.ALPNNative
	case ModeHTTP3:
		alpn = endpoint.ALPNHTTP3
	default:
		return nil, errors.Errorf("unknown server mode %q", cfg.Mode)
	}

	tlsConf, err := tlsconfig.ServerConfig(cfg.CertPath, cfg.KeyPath, alpn)
	if err != nil {
		return nil, err
	}

	ep, err := endpoint.Listen(cfg.Addr, tlsConf, log)
	if err != nil {
		return nil, err
	}

	bus := session.NewBus()
	return &Server{
		cfg:      cfg,
		log:      log,
		endpoint: ep,
		registry: session.NewRegistry(cfg.MaxSessions, bus, log),
		bus:      bus,
		shutdown: signal.New(),
	}, nil
}

// Addr reports the bound UDP address.
func (s *Server) Addr() net.Addr {
	return s.endpoint.Addr()
}

// Registry exposes the session table, mainly for the status page and tests.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Serve runs the accept loop, the push engines, and the housekeeping tasks
// until ctx is cancelled or Shutdown is called. A shutdown-initiated exit
// returns nil.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info().
		Stringer("addr", s.endpoint.Addr()).
		Str("mode", string(s.cfg.Mode)).
		Str("server", s.cfg.ServerName).
		Int("max_sessions", s.cfg.MaxSessions).
		Msg("Server listening")

	group, ctx := errgroup.WithContext(ctx)

	// Turn Shutdown into a group-wide cancellation.
	group.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdown.Wait():
			return errDrained
		}
	})

	group.Go(func() error { return s.acceptLoop(ctx) })

	group.Go(func() error { return s.heartbeatLoop(ctx) })
	group.Go(func() error { return s.statusLoop(ctx) })
	group.Go(func() error { return s.notificationLoop(ctx) })
	group.Go(func() error { return s.sensorLoop(ctx) })
	group.Go(func() error { return s.monitoringLoop(ctx) })
	group.Go(func() error { return s.stockLoop(ctx) })

	group.Go(func() error { return s.reapLoop(ctx) })
	group.Go(func() error { return s.statsLoop(ctx) })
	group.Go(func() error { return s.observeBus(ctx) })

	if s.cfg.MetricsAddr != "" {
		listener, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			s.Shutdown()
			_ = group.Wait()
			return errors.Wrapf(err, "failed to bind metrics listener on %s", s.cfg.MetricsAddr)
		}
		group.Go(func() error {
			return metrics.ServeMetrics(listener, ctx.Done(), s.log)
		})
	}

	err := group.Wait()
	s.Shutdown()
	if errors.Is(err, errDrained) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.endpoint.Accept(ctx)
		if err != nil {
			if s.shutdown.Notified() || ctx.Err() != nil {
				return errDrained
			}
			return errors.Wrap(err, "endpoint accept failed")
		}
		s.log.Debug().
			Stringer("remote", conn.RemoteAddr()).
			Str("alpn", conn.ALPN()).
			Msg("Connection accepted")
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection routes the connection by negotiated ALPN, falling back to
// the configured mode when the TLS stack reports none.
func (s *Server) handleConnection(ctx context.Context, conn endpoint.Connection) {
	alpn := conn.ALPN()
	if alpn == "" {
		if s.cfg.Mode == ModeNative {
			alpn = endpoint.ALPNNative
		} else {
			alpn = endpoint.ALPNHTTP3
		}
	}

	switch alpn {
	case endpoint.ALPNNative:
		s.serveNative(ctx, conn)
	case endpoint.ALPNHTTP3:
		s.serveHTTP3(ctx, conn)
	default:
		s.log.Warn().Str("alpn", alpn).Msg("Connection with unexpected ALPN rejected")
		_ = conn.CloseWithError(uint64(message.ErrCodeProtocolError), "unsupported protocol")
	}
}

func (s *Server) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if reaped := s.registry.ReapDead(); reaped > 0 {
				s.log.Info().Int("count", reaped).Msg("Reaped dead sessions")
			}
			metrics.ActiveSessions.Set(float64(s.registry.Count()))
		}
	}
}

func (s *Server) statsLoop(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			count := s.registry.Count()
			metrics.ActiveSessions.Set(float64(count))
			s.log.Info().
				Str("server", s.cfg.ServerName).
				Stringer("addr", s.endpoint.Addr()).
				Int("active_sessions", count).
				Msg("Server stats")
		}
	}
}

// observeBus drains the broadcast side-channel, logging observed frames at
// debug level so the bus never backs up on an idle observer.
func (s *Server) observeBus(ctx context.Context) error {
	frames, cancel := s.bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			s.log.Debug().Str("frame", frame.String()).Msg("Broadcast observed")
		}
	}
}

// Shutdown drains every session with code 0 "Server shutdown" and unbinds
// the endpoint. It is idempotent.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		s.shutdown.Notify()
		s.log.Info().Msg("Shutting down server")
		s.registry.DrainAll(0, "Server shutdown")
		metrics.ActiveSessions.Set(0)
		_ = s.endpoint.Close()
		s.log.Info().Msg("Server shutdown complete")
	})
}
