package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/speakpaint/pkg/broadcast"
)

type recordingSink struct {
	mu     sync.Mutex
	events []broadcast.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev broadcast.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) snapshot() []broadcast.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broadcast.Event(nil), s.events...)
}

func newMemoryBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(context.Background(), Settings{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestBusForwardsEventsInOrder(t *testing.T) {
	bus := newMemoryBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	require.NoError(t, bus.Attach(ctx, sink))

	const n = 500
	want := make([]broadcast.Event, 0, n)
	for i := 0; i < n; i++ {
		want = append(want, broadcast.ImageEvent(fmt.Sprintf("fragment %d", i), fmt.Sprintf("https://x/%d.png", i)))
	}
	for _, ev := range want {
		require.NoError(t, bus.Publish(context.Background(), ev))
	}
	require.Eventually(t, func() bool { return len(sink.snapshot()) == len(want) }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, want, sink.snapshot())
}

func TestBusKeepsForwardingWhenSinkFails(t *testing.T) {
	bus := newMemoryBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{err: errors.New("hub gone")}
	require.NoError(t, bus.Attach(ctx, sink))
	require.NoError(t, bus.Publish(context.Background(), broadcast.ImageEvent("a", "u1")))
	require.NoError(t, bus.Publish(context.Background(), broadcast.ImageEvent("b", "u2")))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestBusDoesNotReplayToLateSubscribers(t *testing.T) {
	bus := newMemoryBus(t)
	require.NoError(t, bus.Publish(context.Background(), broadcast.ImageEvent("early", "u0")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{}
	require.NoError(t, bus.Attach(ctx, sink))
	require.NoError(t, bus.Publish(context.Background(), broadcast.ImageEvent("late", "u1")))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "late", sink.snapshot()[0].Text)
}

func TestWatermillLoggerWith(t *testing.T) {
	l := NewWatermillLogger(zerolog.Nop())
	child := l.With(watermill.LogFields{"topic": "x"})
	require.NotNil(t, child)
	child.Info("subscribed", watermill.LogFields{"n": 1})
	child.Error("failed", errors.New("boom"), nil)
}
