package qacache

import (
	"context"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/youngjulesverne/rafael-chatbot/internal/config"
)

// Open builds the configured backend and wraps it with the configured
// retry policy.
func Open(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case "sqlite3", "sqlite":
		store, err = NewSQLiteStore(cfg.Driver, cfg.Path)
	case "postgres":
		store, err = NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s cache: %w", cfg.Driver, err)
	}

	logger.Info("question cache opened", "driver", cfg.Driver, "retry_attempts", cfg.Retry.Attempts)
	return NewRetrying(store, cfg.Retry.Backoff, logger), nil
}
