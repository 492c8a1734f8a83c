// Package config loads runtime settings from the environment, after reading
// an optional .env file from the working directory.
package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/whisper/chatroom/internal/store"
)

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=:5000"`
	LogLevel   string `env:"LOG_LEVEL,default=INFO"`
	CORSOrigin string `env:"CORS_ORIGIN,default=*"`

	StoreDriver   string        `env:"STORE_DRIVER,default=mongo"`
	StoreTimeout  time.Duration `env:"STORE_TIMEOUT,default=5s"`
	MongoURI      string        `env:"MONGO_URI,default=mongodb://localhost:27017"`
	MongoDatabase string        `env:"MONGO_DATABASE,default=batepapo_uol_database"`
	PostgresDSN   string        `env:"POSTGRES_DSN"`
	BadgerPath    string        `env:"BADGER_PATH"`

	SweepEnabled  bool          `env:"SWEEP_ENABLED,default=true"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=15s"`
	MaxIdle       time.Duration `env:"MAX_IDLE,default=10s"`

	RedisAddr         string        `env:"REDIS_ADDR"`
	RateLimitMessages int           `env:"RATE_LIMIT_MESSAGES,default=20"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW,default=10s"`

	NATSURL string `env:"NATS_URL"`

	FeedEnabled        bool `env:"FEED_ENABLED,default=true"`
	FeedWorkerPool     int  `env:"FEED_WORKER_POOL,default=64"`
	FeedMaxConnections int  `env:"FEED_MAX_CONNECTIONS,default=10000"`
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case store.DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("config: MONGO_URI is required for the mongo driver")
		}
	case store.DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: POSTGRES_DSN is required for the postgres driver")
		}
	case store.DriverBadger:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("config: SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.MaxIdle <= 0 {
		return fmt.Errorf("config: MAX_IDLE must be positive, got %s", c.MaxIdle)
	}
	if c.FeedWorkerPool <= 0 {
		return fmt.Errorf("config: FEED_WORKER_POOL must be positive, got %d", c.FeedWorkerPool)
	}
	return nil
}

// StoreOptions returns the store selection part of the configuration.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Driver:        c.StoreDriver,
		MongoURI:      c.MongoURI,
		MongoDatabase: c.MongoDatabase,
		PostgresDSN:   c.PostgresDSN,
		BadgerPath:    c.BadgerPath,
	}
}
