package storage

import (
	"context"
	"fmt"

	"contractai-go/internal/config"
)

// Open builds the configured backend, runs schema setup when enabled and
// wraps it with instrumentation.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case "postgres":
		backend, err = NewPostgresBackend(cfg.PostgresDSN, cfg.MaxOpenConn)
	case "sqlite":
		backend, err = NewSQLiteBackend(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate || cfg.Backend == "sqlite" {
		if err := backend.Initialize(ctx); err != nil {
			_ = backend.Close()
			return nil, err
		}
	}
	return WithInstrumentation(backend, cfg.Backend), nil
}
