package session

import (
	"sync"

	"github.com/quicsock/quicsock/message"
)

// busCapacity bounds each subscriber's backlog.
const busCapacity = 1000

// Bus is a bounded multi-producer fan-out of frames to side-channel
// observers. Producers never block: when a subscriber's queue is full the
// eldest frames are dropped for that subscriber only. Session delivery does
// not go through the bus; it is an observation channel.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan *message.Frame
	next uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan *message.Frame)}
}

// Subscribe registers an observer. The cancel func unregisters it and
// closes the channel.
func (b *Bus) Subscribe() (<-chan *message.Frame, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan *message.Frame, busCapacity)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish offers the frame to every subscriber, dropping that subscriber's
// eldest frame when its queue is full.
func (b *Bus) Publish(frame *message.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- frame:
			continue
		default:
		}
		// Queue full: lag the subscriber by one and retry once. A racing
		// consumer can only make room, so the second offer is best-effort.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

// SubscriberCount reports the number of registered observers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
