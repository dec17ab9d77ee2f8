package main

import (
	"context"
	"fmt"

	"openbudget/internal/httpserver"
	"openbudget/internal/runtime"
	"openbudget/internal/storage/badgerstore"
	"openbudget/internal/storage/pgstore"
	"openbudget/pkg/config"
	"openbudget/pkg/db"
	"openbudget/pkg/outbox"

	"go.uber.org/zap"
)

// backend is an opened account store together with its outbox.
type backend struct {
	store  runtime.Store
	outbox outbox.ReplaySource
	ready  httpserver.Check
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backend, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.NewConnection(ctx, cfg.DB, log)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(pool, log); err != nil {
			pool.Close()
			return nil, err
		}
		store := pgstore.New(pool, log)
		return &backend{
			store:  store,
			outbox: store.Outbox(),
			ready:  func(ctx context.Context) error { return pool.Ping(ctx) },
			close:  pool.Close,
		}, nil

	case "badger", "":
		bc := cfg.Store.Badger
		store, err := badgerstore.Open(badgerstore.Config{
			Path:           bc.Path,
			InMemory:       bc.InMemory,
			SyncWrites:     bc.SyncWrites,
			GCInterval:     bc.GCInterval,
			GCDiscardRatio: bc.GCDiscardRatio,
		}, log)
		if err != nil {
			return nil, err
		}
		return &backend{
			store:  store,
			outbox: store,
			ready: func(ctx context.Context) error {
				return store.View(ctx, func(runtime.Tx) error { return nil })
			},
			close: func() {
				if err := store.Close(); err != nil {
					log.Error("Failed to close store", zap.Error(err))
				}
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
