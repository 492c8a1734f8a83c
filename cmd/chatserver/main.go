package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/chatroom/internal/api"
	"github.com/whisper/chatroom/internal/chat"
	"github.com/whisper/chatroom/internal/config"
	"github.com/whisper/chatroom/internal/messaging"
	"github.com/whisper/chatroom/internal/presence"
	"github.com/whisper/chatroom/internal/ratelimit"
	"github.com/whisper/chatroom/internal/store"
	"github.com/whisper/chatroom/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The store must answer before the listener is bound.
	openCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	backend, err := store.Open(openCtx, cfg.StoreOptions(), log)
	cancel()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := backend.Close(context.Background()); err != nil {
			log.Error("store close failed", "err", err)
		}
	}()

	bus, err := openBus(cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	svc := chat.NewService(backend, bus, log)

	messageRule := ratelimit.MessageRule(cfg.RateLimitMessages, cfg.RateLimitWindow)
	registerRule := ratelimit.RegisterRule(cfg.RateLimitMessages, cfg.RateLimitWindow)

	var (
		apiOpts  []api.Option
		feedOpts = []ws.FeedOption{ws.WithStoreTimeout(cfg.StoreTimeout)}
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		limiter := ratelimit.NewLimiter(rdb, log)
		apiOpts = append(apiOpts, api.WithRateLimiter(limiter))
		feedOpts = append(feedOpts, ws.WithRateLimit(limiter, messageRule))
	}

	if cfg.SweepEnabled {
		sweeper := presence.NewSweeper(svc, presence.SweepConfig{
			Interval: cfg.SweepInterval,
			MaxIdle:  cfg.MaxIdle,
		}, log)
		sweepDone := sweeper.Start(ctx)
		// Runs before the store and bus are closed.
		defer func() {
			stop()
			<-sweepDone
		}()
	}

	if cfg.FeedEnabled {
		feedConfig := ws.DefaultServerConfig()
		feedConfig.WorkerPoolSize = cfg.FeedWorkerPool
		feedConfig.MaxConnections = cfg.FeedMaxConnections

		feed := ws.NewFeed(feedConfig, svc, log, feedOpts...)
		if err := feed.Start(); err != nil {
			return fmt.Errorf("start feed: %w", err)
		}
		defer feed.Shutdown()
		if err := bus.Subscribe(feed.Deliver); err != nil {
			return fmt.Errorf("subscribe feed: %w", err)
		}
		apiOpts = append(apiOpts, api.WithFeed(feed.HandleUpgrade))
	}

	handler := api.NewServer(svc, backend, api.Config{
		CORSOrigin:   cfg.CORSOrigin,
		StoreTimeout: cfg.StoreTimeout,
		MessageRule:  messageRule,
		RegisterRule: registerRule,
	}, log, apiOpts...).Handler()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("chatserver listening",
			"addr", cfg.ListenAddr,
			"store", cfg.StoreDriver,
			"sweep", cfg.SweepEnabled,
			"feed", cfg.FeedEnabled,
			"rate_limit", cfg.RedisAddr != "",
			"nats", cfg.NATSURL != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	log.Info("chatserver stopped")
	return nil
}

// openBus connects to NATS when NATS_URL is set so events reach every
// instance. Otherwise events stay in process.
func openBus(cfg config.Config, log *slog.Logger) (messaging.Bus, error) {
	if cfg.NATSURL == "" {
		return messaging.NewLocalBus(log), nil
	}
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	bus, err := messaging.NewNATSBus(natsConfig, log)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return bus, nil
}
