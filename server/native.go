package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quicsock/quicsock/endpoint"
	"github.com/quicsock/quicsock/message"
	"github.com/quicsock/quicsock/metrics"
	"github.com/quicsock/quicsock/session"
)

// protocolVersion is the only handshake version the server accepts.
const protocolVersion = "1.0"

// livenessInterval is how often a session checks its connection for a close
// reason, independent of stream intake.
const livenessInterval = time.Second

// serveNative runs the custom-protocol dispatcher for one connection: admit,
// then stream intake plus a liveness probe until the connection dies or the
// client closes.
func (s *Server) serveNative(ctx context.Context, conn endpoint.Connection) {
	id := uuid.New()
	sender := &nativeSender{conn: conn}

	if !s.registry.Admit(id, sender) {
		metrics.AdmissionRejectsTotal.Inc()
		_ = conn.CloseWithError(uint64(message.ClosePolicyViolation), "Server full")
		return
	}
	metrics.ActiveSessions.Set(float64(s.registry.Count()))

	log := s.log.With().
		Str("session", id.String()).
		Stringer("remote", conn.RemoteAddr()).
		Logger()
	log.Info().Msg("Native session started")

	defer func() {
		s.registry.Evict(id)
		metrics.ActiveSessions.Set(float64(s.registry.Count()))
		_ = conn.CloseWithError(uint64(message.CloseNormalClosure), "")
		log.Info().Msg("Native session ended")
	}()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.streamIntake(ctx, conn, id, &log) })
	group.Go(func() error { return s.livenessProbe(ctx, conn) })

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Msg("Native session loop exited")
	}
}

// streamIntake accepts unidirectional streams until the connection reports a
// fatal error. Each stream carries exactly one length-prefixed frame and is
// parsed in its own goroutine so intake never blocks on a slow message.
func (s *Server) streamIntake(ctx context.Context, conn endpoint.Connection, id uuid.UUID, log *zerolog.Logger) error {
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			return errors.Wrap(err, "uni stream accept failed")
		}
		go s.handleStream(stream, id, log)
	}
}

func (s *Server) handleStream(stream io.Reader, id uuid.UUID, log *zerolog.Logger) {
	frame, err := message.ReadFrame(stream)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, message.ErrFrameTooLarge) {
			reason = "oversize"
		}
		metrics.DroppedFramesTotal.WithLabelValues(reason).Inc()
		log.Warn().Err(err).Msg("Dropped undecodable frame")
		return
	}
	s.dispatch(id, frame, log)
}

// livenessProbe polls the connection's close reason so a session whose peer
// silently vanished is torn down even when no stream activity surfaces the
// error.
func (s *Server) livenessProbe(ctx context.Context, conn endpoint.Connection) error {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := conn.CloseReason(); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one decoded inbound frame. A handshake is honored in any
// state; everything else requires the session to be Connected and is
// otherwise logged and ignored.
func (s *Server) dispatch(id uuid.UUID, frame *message.Frame, log *zerolog.Logger) {
	sess := s.registry.Get(id)
	if sess == nil {
		return
	}
	sess.Touch()
	metrics.MessagesTotal.WithLabelValues(frame.Body.Type().String()).Inc()
	log.Debug().Str("frame", frame.String()).Msg("Dispatching message")

	if hs, ok := frame.Body.(message.Handshake); ok {
		s.handleHandshake(sess, hs, log)
		return
	}
	if sess.State() != session.StateConnected {
		log.Warn().Str("frame", frame.String()).Msg("Message before handshake ignored")
		return
	}

	switch body := frame.Body.(type) {
	case message.Text:
		s.reply(sess, message.Text{
			Content:   "Echo: " + body.Content,
			Timestamp: message.Now(),
		}, log)
	case message.Binary:
		s.reply(sess, message.Binary{
			Data:      body.Data,
			Timestamp: message.Now(),
		}, log)
	case message.Broadcast:
		s.handleBroadcast(sess, body, log)
	case message.DirectMessage:
		s.handleDirect(sess, body, log)
	case message.Ping:
		s.reply(sess, message.Pong{Timestamp: message.Now()}, log)
	case message.ListClients:
		s.reply(sess, message.ClientList{Clients: s.registry.AllInfo()}, log)
	case message.Subscribe:
		s.handleSubscribe(sess, body, log)
	case message.Unsubscribe:
		s.handleUnsubscribe(sess, body, log)
	case message.Close:
		log.Info().Uint16("code", body.Code).Str("reason", body.Reason).Msg("Client requested close")
		s.registry.Evict(sess.ID)
		metrics.ActiveSessions.Set(float64(s.registry.Count()))
		// Closing the connection lets the liveness probe end the session
		// loop instead of waiting out the idle timeout.
		sess.Close(uint64(message.CloseNormalClosure), "")
	default:
		log.Warn().Str("frame", frame.String()).Msg("Unhandled message type")
		s.reply(sess, message.Error{
			Code:    message.ErrCodeInvalidMessage,
			Message: "Unsupported message type",
		}, log)
	}
}

func (s *Server) handleHandshake(sess *session.Session, hs message.Handshake, log *zerolog.Logger) {
	log.Info().Str("name", hs.ClientName).Str("version", hs.ProtocolVersion).Msg("Handshake received")

	accepted := hs.ProtocolVersion == protocolVersion
	var reason string
	if !accepted {
		reason = fmt.Sprintf("Unsupported protocol version: %s. Expected: %s", hs.ProtocolVersion, protocolVersion)
	}

	// The response goes out while the session is still Connecting, so it
	// bypasses the registry's Connected-only delivery path.
	s.reply(sess, message.HandshakeResponse{
		ClientID:   sess.ID,
		ServerName: s.cfg.ServerName,
		Accepted:   accepted,
		Reason:     reason,
	}, log)

	if !accepted {
		log.Warn().Str("reason", reason).Msg("Handshake rejected")
		return
	}
	if hs.ClientName != "" {
		s.registry.SetName(sess.ID, hs.ClientName)
	}
	s.registry.SetState(sess.ID, session.StateConnected)
	log.Info().Msg("Handshake completed")
}

func (s *Server) handleBroadcast(sess *session.Session, body message.Broadcast, log *zerolog.Logger) {
	body.From = sess.ID
	body.Timestamp = message.Now()
	sent := s.registry.Broadcast(message.New(body))
	metrics.BroadcastsTotal.Inc()
	log.Info().Int("recipients", sent).Msg("Broadcast delivered")

	s.reply(sess, message.Text{
		Content:   fmt.Sprintf("Broadcast sent to %d clients", sent),
		Timestamp: message.Now(),
	}, log)
}

func (s *Server) handleDirect(sess *session.Session, body message.DirectMessage, log *zerolog.Logger) {
	if s.registry.Get(body.To) == nil {
		s.reply(sess, message.Error{
			Code:    message.ErrCodeClientNotFound,
			Message: "Target client not found",
		}, log)
		return
	}

	body.From = sess.ID
	body.Timestamp = message.Now()
	if err := s.registry.SendTo(body.To, message.New(body)); err != nil {
		log.Error().Err(err).Str("target", body.To.String()).Msg("Direct message delivery failed")
		return
	}
	s.reply(sess, message.Text{
		Content:   "Direct message sent",
		Timestamp: message.Now(),
	}, log)
}

func (s *Server) handleSubscribe(sess *session.Session, body message.Subscribe, log *zerolog.Logger) {
	if !s.registry.Subscribe(sess.ID, body.Topics) {
		return
	}
	log.Info().Strs("topics", body.Topics).Msg("Subscribed to topics")

	s.reply(sess, message.Text{
		Content:   "✅ Subscribed to topics: " + strings.Join(body.Topics, ", "),
		Timestamp: message.Now(),
	}, log)

	for _, topic := range body.Topics {
		s.reply(sess, message.ServerPush{
			Topic:     topic,
			Content:   fmt.Sprintf("Welcome to topic '%s'! You will receive real-time updates.", topic),
			Timestamp: message.Now(),
		}, log)
	}
}

func (s *Server) handleUnsubscribe(sess *session.Session, body message.Unsubscribe, log *zerolog.Logger) {
	if !s.registry.Unsubscribe(sess.ID, body.Topics) {
		return
	}
	log.Info().Strs("topics", body.Topics).Msg("Unsubscribed from topics")

	s.reply(sess, message.Text{
		Content:   "✅ Unsubscribed from topics: " + strings.Join(body.Topics, ", "),
		Timestamp: message.Now(),
	}, log)
}

func (s *Server) reply(sess *session.Session, body message.Body, log *zerolog.Logger) {
	if err := sess.Send(message.New(body)); err != nil {
		log.Error().Err(err).Msg("Reply delivery failed")
	}
}

// nativeSender delivers frames by opening one unidirectional stream per
// frame. Concurrent sends are safe; each owns its stream and the QUIC layer
// serializes on-wire bytes.
type nativeSender struct {
	conn   endpoint.Connection
	closed atomic.Bool
}

func (n *nativeSender) Send(frame *message.Frame) error {
	if n.closed.Load() {
		return errors.New("connection closed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := n.conn.OpenUniStream(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to open uni stream")
	}
	if err := frame.WriteTo(stream); err != nil {
		_ = stream.Close()
		return errors.Wrap(err, "failed to write frame")
	}
	return errors.Wrap(stream.Close(), "failed to finish stream")
}

func (n *nativeSender) Close(code uint64, reason string) {
	n.closed.Store(true)
	_ = n.conn.CloseWithError(code, reason)
}

func (n *nativeSender) CloseReason() error {
	return n.conn.CloseReason()
}

func (n *nativeSender) RemoteAddr() net.Addr {
	return n.conn.RemoteAddr()
}
