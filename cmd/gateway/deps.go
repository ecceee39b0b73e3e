package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"idlgateway/internal/config"
	"idlgateway/internal/idl"
	"idlgateway/internal/storage"
	"idlgateway/internal/storage/memory"
	"idlgateway/internal/storage/postgres"
	"idlgateway/internal/storage/redis"
)

// openStore builds the IDL cache selected by cfg. The returned func releases it.
func openStore(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (storage.Store, func(), error) {
	switch cfg.Backend {
	case config.CacheNone:
		return storage.Nop{}, func() {}, nil
	case config.CacheRedis:
		store, err := redis.New(redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	case config.CachePostgres:
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		purged, err := store.Purge(ctx)
		if err != nil {
			logger.Warn("purge expired idl cache rows failed", zap.Error(err))
		} else if purged > 0 {
			logger.Info("purged expired idl cache rows", zap.Int64("rows", purged))
		}
		return store, store.Close, nil
	default:
		return memory.New(cfg.Capacity), func() {}, nil
	}
}

// newFetcher consults the local IDL directory before the chain. A nil source
// restricts lookups to the directory.
func newFetcher(source idl.AccountSource, cfg config.RegistryConfig, logger *zap.Logger) idl.Fetcher {
	if source == nil {
		if cfg.IDLDir == "" {
			return nil
		}
		return idl.NewDirFetcher(cfg.IDLDir)
	}
	chainFetcher := idl.NewChainFetcher(source, idl.ChainFetcherConfig{
		Commitment:   cfg.Commitment,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, logger)
	if cfg.IDLDir == "" {
		return chainFetcher
	}
	return idl.MultiFetcher{idl.NewDirFetcher(cfg.IDLDir), chainFetcher}
}
