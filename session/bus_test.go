package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicsock/quicsock/message"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	first, cancelFirst := bus.Subscribe()
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe()
	defer cancelSecond()

	frame := message.New(message.Text{Content: "hi", Timestamp: message.Now()})
	bus.Publish(frame)

	assert.Equal(t, frame, <-first)
	assert.Equal(t, frame, <-second)
}

func TestBusNeverBlocksProducer(t *testing.T) {
	bus := NewBus()
	frames, cancel := bus.Subscribe()
	defer cancel()

	// One more than the queue holds; the eldest is dropped, not the producer
	// blocked.
	for i := 0; i <= busCapacity; i++ {
		bus.Publish(message.New(message.Text{
			Content:   fmt.Sprintf("frame %d", i),
			Timestamp: message.Now(),
		}))
	}

	require.Len(t, frames, busCapacity)
	first := <-frames
	assert.Equal(t, "frame 1", first.Body.(message.Text).Content)
}

func TestBusLagIsPerSubscriber(t *testing.T) {
	bus := NewBus()
	lagging, cancelLagging := bus.Subscribe()
	defer cancelLagging()

	for i := 0; i < busCapacity; i++ {
		bus.Publish(message.New(message.Ping{Timestamp: message.Now()}))
	}

	fresh, cancelFresh := bus.Subscribe()
	defer cancelFresh()
	bus.Publish(message.New(message.Pong{Timestamp: message.Now()}))

	assert.Len(t, lagging, busCapacity)
	assert.Len(t, fresh, 1)
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	frames, cancel := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	cancel()
	assert.Zero(t, bus.SubscriberCount())
	_, open := <-frames
	assert.False(t, open)

	cancel() // second cancel is a no-op
}
