package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/whisper/chatroom/internal/chat"
)

// localQueueSize bounds the events buffered per subscriber.
const localQueueSize = 256

// LocalBus delivers events to subscribers in the same process. Each
// subscriber gets its own queue and goroutine, so a slow subscriber never
// blocks the publisher; when its queue is full the event is dropped.
type LocalBus struct {
	log    *slog.Logger
	mu     sync.RWMutex
	queues []chan chat.Event
	wg     sync.WaitGroup
	closed bool
}

// NewLocalBus returns an empty in-process bus.
func NewLocalBus(log *slog.Logger) *LocalBus {
	return &LocalBus{log: log}
}

// Publish enqueues e for every subscriber.
func (b *LocalBus) Publish(_ context.Context, e chat.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, q := range b.queues {
		select {
		case q <- e:
		default:
			b.log.Warn("local bus: subscriber queue full, dropping event", "kind", e.Kind)
		}
	}
	return nil
}

// Subscribe starts delivering events to handler in publish order.
func (b *LocalBus) Subscribe(handler func(chat.Event)) error {
	q := make(chan chat.Event, localQueueSize)

	b.mu.Lock()
	b.queues = append(b.queues, q)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range q {
			handler(e)
		}
	}()
	return nil
}

// Close stops delivery after draining queued events.
func (b *LocalBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.queues = nil
	b.mu.Unlock()

	b.wg.Wait()
}
