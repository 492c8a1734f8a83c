package ws

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/whisper/chatroom/internal/chat"
	"github.com/whisper/chatroom/internal/metrics"
	"github.com/whisper/chatroom/internal/protocol"
	"github.com/whisper/chatroom/internal/ratelimit"
)

// IdentityHeader carries the caller's participant name, as on the REST API.
const IdentityHeader = "User"

// Room is the part of the chat service the feed drives.
type Room interface {
	Heartbeat(ctx context.Context, name string) error
	PostMessage(ctx context.Context, from string, in chat.MessageInput) (chat.Message, error)
}

// RateLimiter throttles posts made over the feed. *ratelimit.Limiter
// implements it.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Feed pushes room events to WebSocket subscribers and accepts pings and
// posts from them.
type Feed struct {
	server     *Server
	dispatcher *MessageDispatcher
	room       Room
	limiter    RateLimiter
	rule       ratelimit.Rule
	timeout    time.Duration
	log        *slog.Logger
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithRateLimit throttles feed posts with rule.
func WithRateLimit(limiter RateLimiter, rule ratelimit.Rule) FeedOption {
	return func(f *Feed) {
		f.limiter = limiter
		f.rule = rule
	}
}

// WithStoreTimeout bounds the service calls made for one client frame.
func WithStoreTimeout(d time.Duration) FeedOption {
	return func(f *Feed) { f.timeout = d }
}

// NewFeed wires a Server to room.
func NewFeed(config ServerConfig, room Room, log *slog.Logger, opts ...FeedOption) *Feed {
	f := &Feed{
		dispatcher: NewMessageDispatcher(log),
		room:       room,
		timeout:    5 * time.Second,
		log:        log,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.server = NewServer(config, f.dispatcher.Dispatch, log)
	f.dispatcher.Register(protocol.TypePing, f.handlePing)
	f.dispatcher.Register(protocol.TypeMessage, f.handlePost)
	return f
}

// Start launches the underlying server.
func (f *Feed) Start() error {
	return f.server.Start()
}

// Shutdown closes every feed connection.
func (f *Feed) Shutdown() {
	f.server.Shutdown()
}

// Server exposes the underlying WebSocket server.
func (f *Feed) Server() *Server {
	return f.server
}

// HandleUpgrade serves GET /ws. The participant is taken from the "user"
// query parameter, falling back to the User header since browsers cannot set
// headers on a WebSocket handshake.
func (f *Feed) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	name := requester(r)
	if err := chat.ValidateIdentity(name); err != nil {
		http.Error(w, "missing or invalid user", http.StatusUnprocessableEntity)
		return
	}

	if _, err := f.server.Upgrade(w, r, name); err != nil && !errors.Is(err, ErrTooManyConnections) {
		f.log.Info("ws: upgrade failed", "user", name, "err", err)
	}
}

// requester returns the identity exactly as sent, like the REST handlers
// read the User header. Names are matched verbatim.
func requester(r *http.Request) string {
	if name := r.URL.Query().Get("user"); name != "" {
		return name
	}
	return r.Header.Get(IdentityHeader)
}

// Deliver sends the frame for e to every connection allowed to see it.
// Connections that fail the write are dropped.
func (f *Feed) Deliver(e chat.Event) {
	frame, err := protocol.FromEvent(e)
	if err != nil {
		f.log.Error("ws: build event frame", "kind", e.Kind, "err", err)
		return
	}
	if frame == nil {
		return
	}

	for _, c := range f.server.Connections().All() {
		if !e.VisibleTo(c.Name) {
			continue
		}
		if err := f.server.SendMessage(c, frame); err != nil {
			f.log.Debug("ws: deliver failed", "conn", c.ID, "err", err)
			f.server.RemoveConnection(c)
		}
	}
}

// handlePing refreshes the participant's heartbeat. A participant that was
// evicted or never registered gets an error frame; the connection stays open.
func (f *Feed) handlePing(conn *Connection, _ any) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := f.room.Heartbeat(ctx, conn.Name); err != nil {
		f.sendServiceError(conn, err)
	}
}

// handlePost posts a message as the connection's participant. The message
// reaches this and every other subscriber through Deliver.
func (f *Feed) handlePost(conn *Connection, msg any) {
	post, ok := msg.(protocol.PostMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if f.limiter != nil {
		allowed, _ := f.limiter.Allow(ctx, conn.Name, f.rule)
		if !allowed {
			metrics.RateLimited.WithLabelValues(f.rule.Name).Inc()
			retry := f.limiter.RetryAfter(ctx, conn.Name, f.rule)
			f.dispatcher.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(math.Ceil(retry.Seconds())),
			})
			return
		}
	}

	if _, err := f.room.PostMessage(ctx, conn.Name, post.Input()); err != nil {
		f.sendServiceError(conn, err)
	}
}

func (f *Feed) sendServiceError(conn *Connection, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		f.dispatcher.SendError(conn, "validation", err.Error())
	case errors.Is(err, chat.ErrNotFound):
		f.dispatcher.SendError(conn, "not_found", "participant not found")
	default:
		f.log.Error("ws: service call failed", "conn", conn.ID, "user", conn.Name, "err", err)
		f.dispatcher.SendError(conn, "internal", "internal error")
	}
}
