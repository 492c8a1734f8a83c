package messaging

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatroom/internal/chat"
)

type collector struct {
	mu    sync.Mutex
	kinds []string
}

func (c *collector) handle(e chat.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, e.Kind)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.kinds...)
}

func Test_LocalBus_Delivers_In_Order_To_Every_Subscriber(t *testing.T) {
	req := require.New(t)
	bus := NewLocalBus(logs.GetLoggerFromLevel(slog.LevelDebug))

	a, b := &collector{}, &collector{}
	req.NoError(bus.Subscribe(a.handle))
	req.NoError(bus.Subscribe(b.handle))

	ctx := context.Background()
	want := []string{chat.EventParticipantJoined, chat.EventMessageCreated, chat.EventMessageDeleted}
	for _, kind := range want {
		req.NoError(bus.Publish(ctx, chat.Event{Kind: kind}))
	}
	bus.Close()

	req.Equal(want, a.snapshot())
	req.Equal(want, b.snapshot())
}

func Test_LocalBus_Publish_After_Close_Is_Noop(t *testing.T) {
	req := require.New(t)
	bus := NewLocalBus(logs.GetLoggerFromLevel(slog.LevelDebug))
	c := &collector{}
	req.NoError(bus.Subscribe(c.handle))
	bus.Close()
	bus.Close()

	req.NoError(bus.Publish(context.Background(), chat.Event{Kind: chat.EventMessageCreated}))
	req.Empty(c.snapshot())
}

func Test_LocalBus_Drops_When_Subscriber_Is_Full(t *testing.T) {
	req := require.New(t)
	bus := NewLocalBus(logs.GetLoggerFromLevel(slog.LevelDebug))

	release := make(chan struct{})
	c := &collector{}
	req.NoError(bus.Subscribe(func(e chat.Event) {
		<-release
		c.handle(e)
	}))

	for i := 0; i < localQueueSize+10; i++ {
		req.NoError(bus.Publish(context.Background(), chat.Event{Kind: chat.EventMessageCreated}))
	}
	close(release)
	bus.Close()

	got := len(c.snapshot())
	req.LessOrEqual(got, localQueueSize+1)
	req.GreaterOrEqual(got, localQueueSize)
}

func Test_NATSBus_Round_Trip(t *testing.T) {
	req := require.New(t)
	config := DefaultNATSConfig()
	config.MaxReconnects = 0
	bus, err := NewNATSBus(config, logs.GetLoggerFromLevel(slog.LevelDebug))
	if err != nil {
		t.Skipf("nats not available at %s: %v", nats.DefaultURL, err)
	}
	defer bus.Close()

	got := make(chan chat.Event, 1)
	req.NoError(bus.Subscribe(func(e chat.Event) { got <- e }))
	req.NoError(bus.conn.Flush())

	m := chat.Message{ID: "m1", From: "Ana", To: chat.Everyone, Text: "hi", Type: chat.TypeMessage}
	req.NoError(bus.Publish(context.Background(), chat.Event{Kind: chat.EventMessageCreated, Message: &m, Ts: 42}))

	select {
	case e := <-got:
		req.Equal(chat.EventMessageCreated, e.Kind)
		req.Equal(m, *e.Message)
		req.Equal(int64(42), e.Ts)
	case <-time.After(2 * time.Second):
		req.Fail("event not delivered")
	}
}
