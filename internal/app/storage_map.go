package app

import (
	"fmt"
	"strings"
	"time"

	"cronhub/internal/config"
	"cronhub/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
