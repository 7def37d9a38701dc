package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quicsock/quicsock/message"
)

// Registry is the authoritative session table. Reads (lookup, counting,
// fan-out iteration) proceed in parallel; mutations are serialized behind
// the write lock.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[uuid.UUID]*Session
	maxSessions int

	bus *Bus
	log *zerolog.Logger
}

// NewRegistry creates a registry that admits at most maxSessions sessions
// and mirrors broadcasts onto bus.
func NewRegistry(maxSessions int, bus *Bus, log *zerolog.Logger) *Registry {
	return &Registry{
		sessions:    make(map[uuid.UUID]*Session),
		maxSessions: maxSessions,
		bus:         bus,
		log:         log,
	}
}

// Admit inserts a new session in state Connecting. It returns false without
// inserting when the registry is full; the caller must then close the
// underlying connection with code 1008 "Server full".
func (r *Registry) Admit(id uuid.UUID, sender Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.maxSessions {
		r.log.Warn().Int("max_sessions", r.maxSessions).Msg("Session limit reached, rejecting connection")
		return false
	}
	r.sessions[id] = newSession(id, sender)
	r.log.Info().Str("session", id.String()).Int("total", len(r.sessions)).Msg("Session admitted")
	return true
}

// Evict removes the session, marking it Closed and dropping its
// subscriptions so no stale topic fan-out can reach it. It returns the
// removed session, or nil if the id was unknown.
func (r *Registry) Evict(id uuid.UUID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked(id)
}

func (r *Registry) evictLocked(id uuid.UUID) *Session {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	s.advance(StateClosing)
	s.advance(StateClosed)
	s.subscriptions = make(map[string]struct{})
	delete(r.sessions, id)
	r.log.Info().Str("session", id.String()).Int("total", len(r.sessions)).Msg("Session removed")
	return s
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id uuid.UUID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// SetState advances the session's lifecycle state. Backward transitions are
// ignored.
func (r *Registry) SetState(id uuid.UUID, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.advance(state)
	}
}

// SetName records the display name negotiated during the handshake.
func (r *Registry) SetName(id uuid.UUID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.name = name
	}
}

// Subscribe adds topics to the session's subscription set. Subscriptions
// can only be mutated while the session is Connected.
func (r *Registry) Subscribe(id uuid.UUID, topics []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.State() != StateConnected {
		return false
	}
	for _, topic := range topics {
		s.subscriptions[topic] = struct{}{}
	}
	return true
}

// Unsubscribe removes topics from the session's subscription set.
func (r *Registry) Unsubscribe(id uuid.UUID, topics []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.State() != StateConnected {
		return false
	}
	for _, topic := range topics {
		delete(s.subscriptions, topic)
	}
	return true
}

// Subscriptions snapshots the session's topics.
func (r *Registry) Subscriptions(id uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	topics := make([]string, 0, len(s.subscriptions))
	for topic := range s.subscriptions {
		topics = append(topics, topic)
	}
	return topics
}

// AllInfo snapshots every session for a ClientList reply.
func (r *Registry) AllInfo() []message.ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]message.ClientInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Count returns the number of admitted sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SendTo delivers a frame to one Connected session. An absent target is
// logged and ignored; it is not an error.
func (r *Registry) SendTo(id uuid.UUID, frame *message.Frame) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || s.State() != StateConnected {
		r.log.Warn().Str("session", id.String()).Msg("Send to absent or non-connected session dropped")
		return nil
	}
	return s.Send(frame)
}

// Broadcast delivers the frame to every Connected session and publishes it
// on the bus. Per-session failures are logged and do not abort the
// iteration; the successful delivery count is returned.
func (r *Registry) Broadcast(frame *message.Frame) int {
	r.mu.RLock()
	targets := r.connectedLocked()
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if err := s.Send(frame); err != nil {
			r.log.Error().Err(err).Str("session", s.ID.String()).Msg("Broadcast delivery failed")
			continue
		}
		sent++
	}
	r.bus.Publish(frame)
	return sent
}

// PushToSubscribers delivers the frame to every Connected session
// subscribed to topic, with broadcast failure semantics.
func (r *Registry) PushToSubscribers(topic string, frame *message.Frame) int {
	r.mu.RLock()
	var targets []*Session
	for _, s := range r.sessions {
		if s.State() != StateConnected {
			continue
		}
		if _, ok := s.subscriptions[topic]; ok {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if err := s.Send(frame); err != nil {
			r.log.Error().Err(err).Str("session", s.ID.String()).Str("topic", topic).Msg("Topic push failed")
			continue
		}
		sent++
	}
	return sent
}

// ReapDead evicts every session whose connection has reported a close
// reason. It returns the number of evictions and is idempotent between
// connection state changes.
func (r *Registry) ReapDead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dead []uuid.UUID
	for id, s := range r.sessions {
		if s.sender.CloseReason() != nil {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		r.evictLocked(id)
	}
	return len(dead)
}

// DrainAll closes every session's connection, used during shutdown.
func (r *Registry) DrainAll(code uint64, reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[uuid.UUID]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.advance(StateClosing)
		s.Close(code, reason)
		s.advance(StateClosed)
	}
}

// connectedLocked must be called with at least the read lock held.
func (r *Registry) connectedLocked() []*Session {
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State() == StateConnected {
			targets = append(targets, s)
		}
	}
	return targets
}
