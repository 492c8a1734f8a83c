package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mama165/sdk-go/logs"

	"github.com/whisper/chatroom/internal/chat"
	"github.com/whisper/chatroom/internal/config"
	"github.com/whisper/chatroom/internal/messaging"
	"github.com/whisper/chatroom/internal/presence"
	"github.com/whisper/chatroom/internal/store"
)

// The sweeper runs the inactivity sweep on its own, for deployments where
// the HTTP instances start with SWEEP_ENABLED=false. Leave notices reach the
// live feeds through NATS when NATS_URL is set.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sweeper: %v\n", err)
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

	openCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	backend, err := store.Open(openCtx, cfg.StoreOptions(), log)
	cancel()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close(context.Background())

	var bus messaging.Bus = messaging.NewLocalBus(log)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "chatroom-sweeper"
		nb, err := messaging.NewNATSBus(natsConfig, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		bus = nb
	}
	defer bus.Close()

	svc := chat.NewService(backend, bus, log)
	sweeper := presence.NewSweeper(svc, presence.SweepConfig{
		Interval: cfg.SweepInterval,
		MaxIdle:  cfg.MaxIdle,
	}, log)

	log.Info("sweeper running", "store", cfg.StoreDriver, "interval", cfg.SweepInterval, "max_idle", cfg.MaxIdle)
	sweeper.Run(ctx)
	return nil
}
