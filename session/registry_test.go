package session

import (
	"net"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quicsock/quicsock/message"
)

type fakeSender struct {
	mu       sync.Mutex
	frames   []*message.Frame
	sendErr  error
	deadErr  error
	closed   bool
	closeArg struct {
		code   uint64
		reason string
	}
}

func (f *fakeSender) Send(frame *message.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close(code uint64, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeArg.code = code
	f.closeArg.reason = reason
}

func (f *fakeSender) CloseReason() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deadErr
}

func (f *fakeSender) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
}

func (f *fakeSender) received() []*message.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*message.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func newTestRegistry(maxSessions int) *Registry {
	log := zerolog.Nop()
	return NewRegistry(maxSessions, NewBus(), &log)
}

func admitConnected(t *testing.T, r *Registry) (uuid.UUID, *fakeSender) {
	t.Helper()
	id := uuid.New()
	sender := &fakeSender{}
	require.True(t, r.Admit(id, sender))
	r.SetState(id, StateConnected)
	return id, sender
}

func TestAdmitLimit(t *testing.T) {
	r := newTestRegistry(2)
	require.True(t, r.Admit(uuid.New(), &fakeSender{}))
	require.True(t, r.Admit(uuid.New(), &fakeSender{}))

	rejected := uuid.New()
	assert.False(t, r.Admit(rejected, &fakeSender{}))
	assert.Equal(t, 2, r.Count())
	assert.Nil(t, r.Get(rejected))
}

func TestStateNeverMovesBackwards(t *testing.T) {
	r := newTestRegistry(10)
	id, _ := admitConnected(t, r)

	r.SetState(id, StateConnecting)
	assert.Equal(t, StateConnected, r.Get(id).State())

	r.SetState(id, StateClosing)
	r.SetState(id, StateConnected)
	assert.Equal(t, StateClosing, r.Get(id).State())
}

func TestSubscribeRequiresConnected(t *testing.T) {
	r := newTestRegistry(10)
	id := uuid.New()
	require.True(t, r.Admit(id, &fakeSender{}))

	assert.False(t, r.Subscribe(id, []string{"stocks"}))
	assert.Empty(t, r.Subscriptions(id))

	r.SetState(id, StateConnected)
	assert.True(t, r.Subscribe(id, []string{"stocks"}))
	assert.Equal(t, []string{"stocks"}, r.Subscriptions(id))
}

func TestSubscribeUnsubscribeRestoresPriorSet(t *testing.T) {
	r := newTestRegistry(10)
	id, _ := admitConnected(t, r)

	require.True(t, r.Subscribe(id, []string{"news"}))
	before := r.Subscriptions(id)

	require.True(t, r.Subscribe(id, []string{"stocks", "sensors"}))
	require.True(t, r.Unsubscribe(id, []string{"stocks", "sensors"}))
	assert.ElementsMatch(t, before, r.Subscriptions(id))
}

func TestEvictDropsSubscriptions(t *testing.T) {
	r := newTestRegistry(10)
	id, _ := admitConnected(t, r)
	require.True(t, r.Subscribe(id, []string{"stocks"}))

	evicted := r.Evict(id)
	require.NotNil(t, evicted)
	assert.Equal(t, StateClosed, evicted.State())
	assert.Empty(t, evicted.subscriptions)
	assert.Nil(t, r.Get(id))

	assert.Nil(t, r.Evict(id), "second evict of same id")
}

func TestBroadcastConnectedOnly(t *testing.T) {
	r := newTestRegistry(10)
	_, a := admitConnected(t, r)
	_, b := admitConnected(t, r)

	connecting := uuid.New()
	pending := &fakeSender{}
	require.True(t, r.Admit(connecting, pending))

	frame := message.New(message.Text{Content: "hi", Timestamp: message.Now()})
	assert.Equal(t, 2, r.Broadcast(frame))
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
	assert.Empty(t, pending.received())
}

func TestBroadcastSkipsFailingSession(t *testing.T) {
	r := newTestRegistry(10)
	_, healthy := admitConnected(t, r)

	failingID := uuid.New()
	failing := &fakeSender{sendErr: errors.New("stream blocked")}
	require.True(t, r.Admit(failingID, failing))
	r.SetState(failingID, StateConnected)

	frame := message.New(message.Text{Content: "hi", Timestamp: message.Now()})
	assert.Equal(t, 1, r.Broadcast(frame))
	assert.Len(t, healthy.received(), 1)
}

func TestBroadcastPublishesToBus(t *testing.T) {
	log := zerolog.Nop()
	bus := NewBus()
	r := NewRegistry(10, bus, &log)

	frames, cancel := bus.Subscribe()
	defer cancel()

	frame := message.New(message.Text{Content: "observed", Timestamp: message.Now()})
	r.Broadcast(frame)

	select {
	case got := <-frames:
		assert.Equal(t, frame, got)
	default:
		t.Fatal("expected frame on bus")
	}
}

func TestSendToAbsentSession(t *testing.T) {
	r := newTestRegistry(10)
	frame := message.New(message.Text{Content: "hi", Timestamp: message.Now()})
	assert.NoError(t, r.SendTo(uuid.New(), frame))
}

func TestSendToNonConnectedSession(t *testing.T) {
	r := newTestRegistry(10)
	id := uuid.New()
	sender := &fakeSender{}
	require.True(t, r.Admit(id, sender))

	frame := message.New(message.Text{Content: "hi", Timestamp: message.Now()})
	assert.NoError(t, r.SendTo(id, frame))
	assert.Empty(t, sender.received())
}

func TestPushToSubscribers(t *testing.T) {
	r := newTestRegistry(10)
	subID, subscriber := admitConnected(t, r)
	_, bystander := admitConnected(t, r)
	require.True(t, r.Subscribe(subID, []string{"stocks"}))

	frame := message.New(message.ServerPush{Topic: "stocks", Content: "up", Timestamp: message.Now()})
	assert.Equal(t, 1, r.PushToSubscribers("stocks", frame))
	assert.Len(t, subscriber.received(), 1)
	assert.Empty(t, bystander.received())

	assert.Zero(t, r.PushToSubscribers("sensors", frame))
}

func TestReapDeadIdempotent(t *testing.T) {
	r := newTestRegistry(10)
	admitConnected(t, r)

	deadID := uuid.New()
	dead := &fakeSender{deadErr: errors.New("connection reset")}
	require.True(t, r.Admit(deadID, dead))

	assert.Equal(t, 1, r.ReapDead())
	assert.Zero(t, r.ReapDead())
	assert.Equal(t, 1, r.Count())
	assert.Nil(t, r.Get(deadID))
}

func TestDrainAll(t *testing.T) {
	r := newTestRegistry(10)
	_, a := admitConnected(t, r)
	_, b := admitConnected(t, r)

	r.DrainAll(0, "Server shutdown")
	assert.Zero(t, r.Count())
	for _, sender := range []*fakeSender{a, b} {
		assert.True(t, sender.closed)
		assert.Equal(t, uint64(0), sender.closeArg.code)
		assert.Equal(t, "Server shutdown", sender.closeArg.reason)
	}
}

func TestAllInfo(t *testing.T) {
	r := newTestRegistry(10)
	id, _ := admitConnected(t, r)
	r.SetName(id, "Alice")

	infos := r.AllInfo()
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.Equal(t, "Alice", infos[0].Name)
	assert.NotZero(t, infos[0].ConnectedAt)
}
