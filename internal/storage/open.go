package storage

import (
	"context"
	"errors"
	"strings"

	logx "cronhub/pkg/logx"
)

// Open initializes the configured store and applies migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
