// Package messaging fans chat events out to every server replica. NATSBus
// publishes on NATS subjects; LocalBus keeps delivery inside the process
// when no NATS server is configured.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/chatroom/internal/chat"
)

// SubjectEvents prefixes event subjects: chatroom.events.<kind>, where kind
// is one of the chat.Event* constants (e.g. chatroom.events.message.created).
const SubjectEvents = "chatroom.events"

// Bus publishes chat events and delivers them to subscribers.
type Bus interface {
	chat.Publisher
	Subscribe(handler func(chat.Event)) error
	Close()
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chatroom",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NATSBus publishes events as JSON on NATS.
type NATSBus struct {
	conn *nats.Conn
	log  *slog.Logger
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSBus connects to NATS with the given config. It returns an error if
// the initial connection fails.
func NewNATSBus(config NATSConfig, log *slog.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("nats connected", "url", nc.ConnectedUrl())

	return &NATSBus{conn: nc, log: log}, nil
}

// Publish sends e to chatroom.events.<kind>.
func (b *NATSBus) Publish(_ context.Context, e chat.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("nats: marshal event: %w", err)
	}
	return b.conn.Publish(SubjectEvents+"."+e.Kind, data)
}

// Subscribe delivers every event published by any replica to handler.
// Malformed payloads are logged and skipped.
func (b *NATSBus) Subscribe(handler func(chat.Event)) error {
	subject := SubjectEvents + ".>"
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var e chat.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.log.Warn("nats: bad event payload", "subject", msg.Subject, "err", err)
			return
		}
		handler(e)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains all subscriptions and the connection.
func (b *NATSBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.log.Warn("nats: drain subscription", "subject", sub.Subject, "err", err)
		}
	}
	b.subs = nil

	if err := b.conn.Drain(); err != nil {
		b.log.Warn("nats: connection drain", "err", err)
	}
}
