// Package store opens the document store selected by configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/whisper/chatroom/internal/chat"
	"github.com/whisper/chatroom/internal/store/badgerstore"
	"github.com/whisper/chatroom/internal/store/mongostore"
	"github.com/whisper/chatroom/internal/store/pgstore"
)

// Supported drivers.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Backend is a ready chat.Store that can be health-checked and closed.
type Backend interface {
	chat.Store
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Options selects and locates a backend.
type Options struct {
	Driver        string
	MongoURI      string
	MongoDatabase string
	PostgresDSN   string
	BadgerPath    string // empty keeps data in memory
}

// Open connects to the configured backend and prepares its schema. The
// returned Backend has already answered a ping.
func Open(ctx context.Context, opts Options, log *slog.Logger) (Backend, error) {
	switch opts.Driver {
	case DriverMongo:
		s, err := mongostore.Connect(ctx, opts.MongoURI, opts.MongoDatabase, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		if err := pgstore.Migrate(opts.PostgresDSN); err != nil {
			return nil, err
		}
		s, err := pgstore.Open(ctx, opts.PostgresDSN, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverBadger:
		s, err := badgerstore.Open(opts.BadgerPath, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}
