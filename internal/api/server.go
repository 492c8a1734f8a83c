// Package api serves the chat room's HTTP interface.
//
// The caller's identity is whatever the User request header says. It is not
// authentication: any client can claim any name, exactly as the room's
// protocol has always allowed.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/whisper/chatroom/internal/chat"
	"github.com/whisper/chatroom/internal/metrics"
	"github.com/whisper/chatroom/internal/ratelimit"
)

// IdentityHeader names the request header carrying the caller's name.
const IdentityHeader = "User"

// Room is the chat service the handlers call. *chat.Service implements it.
type Room interface {
	Register(ctx context.Context, in chat.ParticipantInput) (chat.Participant, error)
	ListParticipants(ctx context.Context) ([]chat.Participant, error)
	Heartbeat(ctx context.Context, name string) error
	PostMessage(ctx context.Context, from string, in chat.MessageInput) (chat.Message, error)
	ListMessages(ctx context.Context, requester string, limit int) ([]chat.Message, error)
	EditMessage(ctx context.Context, requester, id string, in chat.MessageInput) (chat.Message, error)
	DeleteMessage(ctx context.Context, requester, id string) error
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RateLimiter throttles writes. *ratelimit.Limiter implements it.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// Config holds HTTP layer settings.
type Config struct {
	CORSOrigin   string         // Access-Control-Allow-Origin value
	StoreTimeout time.Duration  // bound on the service call behind one request
	MessageRule  ratelimit.Rule // per identity, POST /messages
	RegisterRule ratelimit.Rule // per remote address, POST /participants
}

// DefaultConfig returns permissive CORS and a 5s store timeout.
func DefaultConfig() Config {
	return Config{
		CORSOrigin:   "*",
		StoreTimeout: 5 * time.Second,
		MessageRule:  ratelimit.MessageRule(20, 10*time.Second),
		RegisterRule: ratelimit.RegisterRule(20, 10*time.Second),
	}
}

// Server holds the handlers' dependencies.
type Server struct {
	room    Room
	store   Pinger
	limiter RateLimiter
	feed    http.HandlerFunc
	config  Config
	log     *slog.Logger
	started time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimiter enables rate limiting on POST /messages and POST /participants.
func WithRateLimiter(l RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithFeed mounts the live feed upgrade handler at GET /ws.
func WithFeed(h http.HandlerFunc) Option {
	return func(s *Server) { s.feed = h }
}

// NewServer builds a Server.
func NewServer(room Room, store Pinger, config Config, log *slog.Logger, opts ...Option) *Server {
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultConfig().StoreTimeout
	}
	s := &Server{
		room:    room,
		store:   store,
		config:  config,
		log:     log,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in the access log and CORS
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /participants", s.limited(s.config.RegisterRule, remoteAddr, s.handleRegister))
	mux.HandleFunc("GET /participants", s.handleListParticipants)
	mux.HandleFunc("POST /messages", s.limited(s.config.MessageRule, identity, s.handlePostMessage))
	mux.HandleFunc("GET /messages", s.handleListMessages)
	mux.HandleFunc("POST /status", s.handleStatus)
	mux.HandleFunc("DELETE /messages/{id}", s.handleDeleteMessage)
	mux.HandleFunc("PUT /messages/{id}", s.handleEditMessage)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	if s.feed != nil {
		mux.HandleFunc("GET /ws", s.feed)
	}

	return s.accessLog(s.cors(mux))
}

// storeContext bounds the service call behind one request.
func (s *Server) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.StoreTimeout)
}
