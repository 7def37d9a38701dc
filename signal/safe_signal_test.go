package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotifyIsIdempotent(t *testing.T) {
	s := New()
	assert.False(t, s.Notified())

	s.Notify()
	s.Notify()

	assert.True(t, s.Notified())
	select {
	case <-s.Wait():
	case <-time.After(time.Second):
		t.Fatal("Wait channel not closed after Notify")
	}
}

func TestWaitBlocksUntilNotify(t *testing.T) {
	s := New()
	select {
	case <-s.Wait():
		t.Fatal("Wait channel closed before Notify")
	default:
	}

	done := make(chan struct{})
	go func() {
		<-s.Wait()
		close(done)
	}()

	s.Notify()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}
