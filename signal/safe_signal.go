// Package signal provides a one-time event that many goroutines can wait on
// or poll. The server uses it to make shutdown idempotent and to tell an
// intentional drain apart from an accept failure.
package signal

import (
	"sync"
)

// Signal is a one-time event. The zero value is not usable; construct with New.
type Signal struct {
	ch   chan struct{}
	once sync.Once
}

func New() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Notify fires the event. Calls after the first are no-ops.
func (s *Signal) Notify() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// Wait returns a channel that is closed once Notify has been called.
func (s *Signal) Wait() <-chan struct{} {
	return s.ch
}

// Notified reports whether Notify has been called, without blocking.
func (s *Signal) Notified() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
