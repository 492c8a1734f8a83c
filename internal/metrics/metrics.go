// Package metrics provides Prometheus instrumentation for the chat room
// backend. It exposes gauges for participants and live feed connections,
// counters for message and eviction throughput, and histograms for sweep
// and request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Participants is the store's participant count, read after each
	// registration and sweep.
	Participants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatroom_participants",
		Help: "Number of registered participants",
	})

	// MessagesTotal counts stored messages, labeled by message type.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_messages_total",
		Help: "Total number of messages stored",
	}, []string{"type"}) // type = "message", "private_message", "status"

	// Evictions counts participants removed by the inactivity sweep.
	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatroom_evictions_total",
		Help: "Total number of participants evicted for inactivity",
	})

	// SweepDuration records how long one inactivity sweep takes.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatroom_sweep_duration_seconds",
		Help:    "Inactivity sweep duration in seconds",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})

	// RequestDuration records HTTP handler latency.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatroom_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route", "code"})

	// FeedConnections tracks the current number of live feed WebSocket connections.
	FeedConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatroom_feed_connections",
		Help: "Current number of live feed WebSocket connections",
	})

	// RateLimited counts rejected requests, labeled by rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatroom_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		Participants,
		MessagesTotal,
		Evictions,
		SweepDuration,
		RequestDuration,
		FeedConnections,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
