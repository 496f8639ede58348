package backend

import (
	"context"
	"fmt"

	"raffle/internal/config"
	"raffle/internal/store"
	"raffle/internal/store/redisstore"
	"raffle/internal/store/sqlstore"

	"github.com/google/logger"
)

// Open builds the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("store: using in-memory documents; counters are lost on restart")
		return store.NewMemory(), nil
	case "redis":
		return redisstore.New(ctx, redisstore.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			Prefix:      cfg.Redis.Prefix,
			MaxAttempts: cfg.MaxAttempts,
		})
	case "sql":
		s, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:      cfg.SQL.Driver,
			DSN:         cfg.SQL.DSN,
			MaxAttempts: cfg.MaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		if cfg.SQL.Migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownDriver, cfg.Driver)
	}
}
