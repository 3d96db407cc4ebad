package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TheGreatAxios/skale-facilitator/config"
	"github.com/TheGreatAxios/skale-facilitator/kv"
)

// sweepInterval is how often expired rows are purged from the postgres store.
const sweepInterval = 10 * time.Minute

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (kv.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		store, err := kv.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using redis store")
		return store, closer(logger, store), nil

	case config.BackendPostgres:
		store, err := kv.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using postgres store")

		sweepCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			sweep(sweepCtx, store, logger)
		}()
		closeStore := closer(logger, store)
		return store, func() {
			cancel()
			<-done
			closeStore()
		}, nil

	case config.BackendMemory, "":
		logger.Warn("using in-memory store, nonce and discovery state is lost on restart")
		return kv.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func closer(logger *zap.Logger, c kv.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}
}

// sweeper is implemented by stores that cannot expire keys on their own.
type sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

func sweep(ctx context.Context, s sweeper, logger *zap.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn("expired entry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("swept expired entries", zap.Int64("count", n))
			}
		}
	}
}
