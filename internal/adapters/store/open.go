package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/diogoX451/ubiquia-flow/internal/config"
	"github.com/diogoX451/ubiquia-flow/internal/store"
	pgstore "github.com/diogoX451/ubiquia-flow/internal/store/postgres"
	redisstore "github.com/diogoX451/ubiquia-flow/internal/store/redis"
)

// Open escolhe o driver do FlowStore a partir de store.driver
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.FlowStore, error) {
	switch cfg.Store.Driver {
	case config.StoreRedis:
		s, err := redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			EventTTL: cfg.Redis.EventTTL,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("flow store ready", zap.String("driver", cfg.Store.Driver), zap.String("addr", cfg.Redis.Addr))
		return s, nil

	case config.StorePostgres:
		s, err := pgstore.New(ctx, pgstore.Config{
			DSN:          cfg.Postgres.DSN,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("flow store ready", zap.String("driver", cfg.Store.Driver))
		return s, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
