package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.io/infrasutra/smtpbox/internal/config"
)

// Open builds the backend selected by cfg.Backend and wraps it with
// instrumentation configured by opts.
func Open(ctx context.Context, cfg config.Storage, logger *slog.Logger, opts ...InstrumentOption) (Store, error) {
	bounds := Options{MaxItems: cfg.MaxItems, TTL: cfg.TTL}

	var backend Store
	switch cfg.Backend {
	case config.StorageMemory:
		backend = NewMemory(bounds)
	case config.StorageRedis:
		redisStore, err := OpenRedis(ctx, cfg.RedisURL, bounds, logger)
		if err != nil {
			return nil, err
		}
		backend = redisStore
	case config.StorageSQLite:
		sqliteStore, err := OpenSQLite(ctx, cfg.DBPath, bounds)
		if err != nil {
			return nil, err
		}
		backend = sqliteStore
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", config.ErrInvalid, cfg.Backend)
	}

	instrumented, err := Instrument(backend, append([]InstrumentOption{WithBackendName(cfg.Backend)}, opts...)...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	logger.Info("mailbox store ready", "backend", cfg.Backend, "maxItems", cfg.MaxItems, "ttl", cfg.TTL)
	return instrumented, nil
}
