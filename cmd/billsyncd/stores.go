package main

import (
	"context"
	"fmt"

	gfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/internal/config"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/firestore"
	"github.com/mihaimyh/billsync/storage/memory"
	"github.com/mihaimyh/billsync/storage/postgres"
	"github.com/mihaimyh/billsync/storage/redis"
	"github.com/mihaimyh/billsync/storage/tiered"
)

// openStore builds the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, logger billsync.Logger) (billsync.Store, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		logger.Warn("using in-memory storage, state is lost on restart")
		return memory.New(), func() {}, nil

	case config.BackendRedis:
		store, err := openRedis(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil

	case config.BackendPostgres:
		store, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.BackendFirestore:
		client, err := gfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	case config.BackendTiered:
		cold, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		hot, err := openRedis(ctx, cfg)
		if err != nil {
			cold.Close()
			return nil, nil, err
		}
		store, err := tiered.New(tiered.Config{
			Hot:             hot,
			Cold:            cold,
			AsyncHotRefresh: true,
			AsyncErrorHandler: func(err error) {
				logger.Warn("hot tier refresh failed", billsync.Field{Key: "error", Value: err.Error()})
			},
		})
		if err != nil {
			_ = hot.Close()
			cold.Close()
			return nil, nil, err
		}
		return store, func() {
			_ = store.Close()
			_ = hot.Close()
			cold.Close()
		}, nil
	}

	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Storage, error) {
	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	store, err := redis.New(client, redis.DefaultConfig())
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}
	return store, nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*postgres.Storage, error) {
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.PostgresDSN
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return store, nil
}
