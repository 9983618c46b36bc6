package service

import (
	"context"
	"fmt"

	"github.com/okian/mindtriage/internal/adapters/repository"
	"github.com/okian/mindtriage/internal/adapters/repository/postgres"
	"github.com/okian/mindtriage/internal/adapters/repository/sqlite"
	"github.com/okian/mindtriage/internal/config"
)

// OpenStore opens the repository selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (repository.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return repository.NewMemoryStore(ctx), nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalidConfig, cfg.Driver)
}
