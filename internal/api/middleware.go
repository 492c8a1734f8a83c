package api

import (
	"bufio"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/whisper/chatroom/internal/metrics"
	"github.com/whisper/chatroom/internal/ratelimit"
)

// statusRecorder captures the response code. It passes Hijack through so
// the WebSocket upgrade still works behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// accessLog logs every request and records its latency by route pattern.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RequestDuration.
			WithLabelValues(route, strconv.Itoa(rec.status)).
			Observe(elapsed.Seconds())
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", elapsed,
			"user", identity(r))
	})
}

// cors answers preflight requests and sets the allow headers on every
// response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.config.CORSOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+IdentityHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limited rejects a request with 429 once key(r) exhausts rule. Requests
// with an empty key pass through and are rejected by validation instead.
// Admitted requests carry X-RateLimit-Limit and X-RateLimit-Remaining.
func (s *Server) limited(rule ratelimit.Rule, key func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	if rule.Limit <= 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := key(r)
		if s.limiter == nil || id == "" {
			next(w, r)
			return
		}

		ctx := r.Context()
		allowed, _ := s.limiter.Allow(ctx, id, rule)
		if !allowed {
			metrics.RateLimited.WithLabelValues(rule.Name).Inc()
			retry := s.limiter.RetryAfter(ctx, id, rule)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Code: "rate_limited", Message: "too many requests"})
			return
		}
		if left, err := s.limiter.Remaining(ctx, id, rule); err == nil {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(left))
		}
		next(w, r)
	}
}

// remoteAddr returns the client IP without the port.
func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
