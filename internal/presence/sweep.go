// Package presence runs the inactivity sweep that evicts participants whose
// heartbeat has gone stale.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/whisper/chatroom/internal/chat"
	"github.com/whisper/chatroom/internal/metrics"
)

// SweepConfig holds sweep tuning parameters.
type SweepConfig struct {
	Interval time.Duration // how often to scan participants (default: 15s)
	MaxIdle  time.Duration // heartbeat age past which a participant is evicted (default: 10s)
	Timeout  time.Duration // bound on one pass; zero means Interval
}

// DefaultSweepConfig returns the reference timings.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval: 15 * time.Second,
		MaxIdle:  10 * time.Second,
	}
}

// Expirer evicts idle participants. *chat.Service implements it.
type Expirer interface {
	ExpireIdle(ctx context.Context, maxIdle time.Duration) (chat.SweepResult, error)
}

// Sweeper periodically calls an Expirer.
type Sweeper struct {
	expirer Expirer
	config  SweepConfig
	log     *slog.Logger
}

// NewSweeper builds a Sweeper.
func NewSweeper(expirer Expirer, config SweepConfig, log *slog.Logger) *Sweeper {
	if config.Timeout <= 0 {
		config.Timeout = config.Interval
	}
	return &Sweeper{expirer: expirer, config: config, log: log}
}

// Run sweeps on every tick until ctx is cancelled. A failed pass is logged
// and the next tick scans again from scratch.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.log.Info("sweep started", "interval", s.config.Interval, "max_idle", s.config.MaxIdle)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// Start runs the sweep in its own goroutine. The returned channel is closed
// once Run has returned, after any pass in flight has finished with the store.
func (s *Sweeper) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return done
}

// SweepOnce runs a single bounded pass and returns its result.
func (s *Sweeper) SweepOnce(ctx context.Context) chat.SweepResult {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	start := time.Now()
	result, err := s.expirer.ExpireIdle(ctx, s.config.MaxIdle)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.log.Error("sweep failed", "evicted", len(result.Evicted), "err", err)
		return result
	}
	if len(result.Evicted) > 0 {
		s.log.Info("sweep evicted participants",
			"evicted", len(result.Evicted), "remaining", result.Remaining)
	}
	return result
}
