// Package session tracks admitted client connections: identity, lifecycle
// state, topic subscriptions, and the fan-out paths used to deliver frames
// to them.
package session

import (
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/quicsock/quicsock/message"
)

// State is the lifecycle of a session. Transitions only move forward;
// Closed is terminal and triggers removal from the registry.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender is the opaque handle to a session's underlying connection. The
// native implementation opens one unidirectional QUIC stream per frame; the
// HTTP/3 implementation renders frames as RFC 6455 frames on its request
// stream.
type Sender interface {
	// Send delivers one frame. Concurrent calls are allowed.
	Send(frame *message.Frame) error
	// Close terminates the underlying connection with an application code.
	Close(code uint64, reason string)
	// CloseReason returns nil while the connection is alive and the close
	// cause once the transport has reported one.
	CloseReason() error
	RemoteAddr() net.Addr
}

// Session is one admitted client connection. Name, state and subscriptions
// are guarded by the owning registry's lock; lastSeen and messageCount are
// relaxed counters that race benignly.
type Session struct {
	ID          uuid.UUID
	ConnectedAt uint64

	sender Sender

	name          string
	state         atomic.Int32
	subscriptions map[string]struct{}

	lastSeen     atomic.Uint64
	messageCount atomic.Uint64
}

func newSession(id uuid.UUID, sender Sender) *Session {
	now := message.Now()
	s := &Session{
		ID:            id,
		ConnectedAt:   now,
		sender:        sender,
		subscriptions: make(map[string]struct{}),
	}
	s.lastSeen.Store(now)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// advance moves the state forward; transitions backwards are ignored so the
// lifecycle order is preserved under any interleaving.
func (s *Session) advance(next State) bool {
	for {
		cur := s.state.Load()
		if int32(next) <= cur {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.lastSeen.Store(message.Now())
	s.messageCount.Add(1)
}

// Send delivers a frame over the session's connection handle.
func (s *Session) Send(frame *message.Frame) error {
	return s.sender.Send(frame)
}

// Close terminates the underlying connection.
func (s *Session) Close(code uint64, reason string) {
	s.sender.Close(code, reason)
}

// RemoteAddr reports the peer address.
func (s *Session) RemoteAddr() net.Addr {
	return s.sender.RemoteAddr()
}

// MessageCount returns the number of inbound messages dispatched so far.
func (s *Session) MessageCount() uint64 {
	return s.messageCount.Load()
}

// Info snapshots the session for a ClientList reply.
func (s *Session) Info() message.ClientInfo {
	return message.ClientInfo{
		ID:          s.ID,
		Name:        s.name,
		ConnectedAt: s.ConnectedAt,
		LastSeen:    s.lastSeen.Load(),
	}
}
