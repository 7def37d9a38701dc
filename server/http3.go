package server

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go/http3"
	"github.com/rs/zerolog"

	"github.com/quicsock/quicsock/endpoint"
	"github.com/quicsock/quicsock/message"
	"github.com/quicsock/quicsock/metrics"
	"github.com/quicsock/quicsock/session"
	"github.com/quicsock/quicsock/websocket"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// serveHTTP3 hands the QUIC connection to the HTTP/3 stack. Request streams
// carrying a WebSocket upgrade are hijacked into a raw RFC 6455 frame loop;
// everything else gets the status page.
func (s *Server) serveHTTP3(ctx context.Context, conn endpoint.Connection) {
	h3 := &http3.Server{
		Handler: s.h3Handler(conn),
	}

	// Unblock ServeQUICConn when the server drains.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.CloseWithError(0, "Server shutdown")
	})
	defer stop()

	if err := h3.ServeQUICConn(conn.QUIC()); err != nil && ctx.Err() == nil {
		s.log.Debug().Err(err).Stringer("remote", conn.RemoteAddr()).Msg("HTTP/3 connection ended")
	}
}

func (s *Server) h3Handler(conn endpoint.Connection) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsUpgradeRequest(r.Header) {
			s.serveStatusPage(w)
			return
		}
		s.serveWebSocket(w, r, conn)
	})
}

// serveWebSocket completes the RFC 9220-style handshake and runs the frame
// loop on the hijacked request stream.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, conn endpoint.Connection) {
	streamer, ok := r.Body.(http3.HTTPStreamer)
	if !ok {
		http.Error(w, "stream takeover unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", websocket.AcceptKey(r.Header.Get("Sec-WebSocket-Key")))
	// 101 is informational, so the HTTP/3 layer flushes it immediately and
	// leaves the stream to us.
	w.WriteHeader(http.StatusSwitchingProtocols)

	stream := streamer.HTTPStream()
	defer stream.Close()

	id := uuid.New()
	sender := newH3Sender(stream, conn)

	log := s.log.With().
		Str("session", id.String()).
		Stringer("remote", conn.RemoteAddr()).
		Logger()

	if !s.registry.Admit(id, sender) {
		metrics.AdmissionRejectsTotal.Inc()
		// The upgrade already completed, so the rejection is a WebSocket
		// close rather than a connection error.
		_ = sender.writeFrame(websocket.CloseFrame(message.ClosePolicyViolation, "Server full"))
		return
	}
	s.registry.SetState(id, session.StateConnected)
	metrics.ActiveSessions.Set(float64(s.registry.Count()))
	log.Info().Msg("WebSocket session started")

	defer func() {
		sender.markClosed()
		s.registry.Evict(id)
		metrics.ActiveSessions.Set(float64(s.registry.Count()))
		log.Info().Msg("WebSocket session ended")
	}()

	welcome := fmt.Sprintf("Welcome to %s (HTTP/3 WebSocket)!", s.cfg.ServerName)
	if err := sender.writeFrame(&websocket.Frame{Fin: true, Opcode: websocket.OpcodeText, Payload: []byte(welcome)}); err != nil {
		log.Error().Err(err).Msg("Welcome frame delivery failed")
		return
	}

	s.wsFrameLoop(stream, sender, &log)
}

// wsFrameLoop reads stream bytes into a rolling buffer and dispatches every
// complete frame, in order, until the peer closes or errors.
func (s *Server) wsFrameLoop(stream io.Reader, sender *h3Sender, log *zerolog.Logger) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		n, readErr := stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame, consumed, err := websocket.Parse(buf)
				if err != nil {
					log.Warn().Err(err).Msg("WebSocket frame parse failed")
					_ = sender.writeFrame(websocket.CloseFrame(message.CloseProtocolError, "protocol error"))
					return
				}
				if frame == nil {
					break
				}
				buf = buf[consumed:]
				if closed := s.handleWSFrame(frame, sender, log); closed {
					return
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Debug().Err(readErr).Msg("WebSocket stream read ended")
			}
			return
		}
	}
}

// handleWSFrame dispatches one inbound frame. It returns true when the
// session should end.
func (s *Server) handleWSFrame(frame *websocket.Frame, sender *h3Sender, log *zerolog.Logger) bool {
	metrics.MessagesTotal.WithLabelValues("ws_" + frame.Opcode.String()).Inc()

	switch frame.Opcode {
	case websocket.OpcodeText:
		log.Debug().Int("bytes", len(frame.Payload)).Msg("Text frame received")
		if err := sender.writeFrame(&websocket.Frame{Fin: true, Opcode: websocket.OpcodeText, Payload: frame.Payload}); err != nil {
			log.Error().Err(err).Msg("Text echo failed")
			return true
		}
		s.bus.Publish(message.New(message.Text{
			Content:   string(frame.Payload),
			Timestamp: message.Now(),
		}))
	case websocket.OpcodeBinary:
		log.Debug().Int("bytes", len(frame.Payload)).Msg("Binary frame received")
		if err := sender.writeFrame(&websocket.Frame{Fin: true, Opcode: websocket.OpcodeBinary, Payload: frame.Payload}); err != nil {
			log.Error().Err(err).Msg("Binary echo failed")
			return true
		}
	case websocket.OpcodeClose:
		code, reason := websocket.ParseClose(frame.Payload)
		log.Info().Uint16("code", code).Str("reason", reason).Msg("Close frame received")
		_ = sender.writeFrame(&websocket.Frame{Fin: true, Opcode: websocket.OpcodeClose})
		return true
	case websocket.OpcodePing:
		if err := sender.writeFrame(&websocket.Frame{Fin: true, Opcode: websocket.OpcodePong, Payload: frame.Payload}); err != nil {
			log.Error().Err(err).Msg("Pong reply failed")
			return true
		}
	case websocket.OpcodePong:
		log.Debug().Msg("Pong frame received")
	default:
		log.Warn().Stringer("opcode", frame.Opcode).Msg("Unhandled WebSocket frame")
	}
	return false
}

// statusPage is the body served to plain HTTP/3 requests.
var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.ServerName}}</title></head>
<body>
<h1>{{.ServerName}}</h1>
<p>QUIC WebSocket server is running.</p>
<p>Active connections: {{.ActiveSessions}}</p>
</body>
</html>
`))

func (s *Server) serveStatusPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := statusPage.Execute(w, struct {
		ServerName     string
		ActiveSessions int
	}{
		ServerName:     s.cfg.ServerName,
		ActiveSessions: s.registry.Count(),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Status page render failed")
	}
}

// h3Sender delivers frames onto the session's single request stream. Writes
// are serialized; structured message bodies are rendered as JSON text frames.
type h3Sender struct {
	mu     sync.Mutex
	stream io.Writer
	conn   endpoint.Connection
	closed atomic.Bool
}

func newH3Sender(stream io.Writer, conn endpoint.Connection) *h3Sender {
	return &h3Sender{stream: stream, conn: conn}
}

func (h *h3Sender) writeFrame(frame *websocket.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return errors.New("websocket stream closed")
	}
	if _, err := h.stream.Write(frame.Encode()); err != nil {
		h.closed.Store(true)
		return errors.Wrap(err, "failed to write websocket frame")
	}
	return nil
}

func (h *h3Sender) markClosed() {
	h.closed.Store(true)
}

// Send renders a native frame into its WebSocket form: text-like bodies map
// to text frames, binary to binary, ping/pong to their control frames, and
// everything structured to a JSON text frame.
func (h *h3Sender) Send(frame *message.Frame) error {
	switch body := frame.Body.(type) {
	case message.Text:
		return h.writeFrame(&websocket.Frame{Fin: true, Opcode: websocket.OpcodeText, Payload: []byte(body.Content)})
	case message.Binary:
		return h.writeFrame(&websocket.Frame{Fin: true, Opcode: websocket.OpcodeBinary, Payload: body.Data})
	case message.Ping:
		return h.writeFrame(&websocket.Frame{Fin: true, Opcode: websocket.OpcodePing})
	case message.Pong:
		return h.writeFrame(&websocket.Frame{Fin: true, Opcode: websocket.OpcodePong})
	case message.Close:
		return h.writeFrame(websocket.CloseFrame(body.Code, body.Reason))
	default:
		payload, err := json.Marshal(map[string]interface{}{
			"type": frame.Body.Type().String(),
			"body": frame.Body,
		})
		if err != nil {
			return errors.Wrap(err, "failed to render frame as JSON")
		}
		return h.writeFrame(&websocket.Frame{Fin: true, Opcode: websocket.OpcodeText, Payload: payload})
	}
}

func (h *h3Sender) Close(code uint64, reason string) {
	_ = h.writeFrame(websocket.CloseFrame(uint16(code), reason))
	h.closed.Store(true)
	_ = h.conn.CloseWithError(code, reason)
}

func (h *h3Sender) CloseReason() error {
	if err := h.conn.CloseReason(); err != nil {
		return err
	}
	if h.closed.Load() {
		return errors.New("websocket stream closed")
	}
	return nil
}

func (h *h3Sender) RemoteAddr() net.Addr {
	return h.conn.RemoteAddr()
}
