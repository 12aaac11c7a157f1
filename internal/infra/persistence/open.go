// Package persistence selects the concrete warehouse implementation.
package persistence

import (
	"context"
	"fmt"

	"crisimport/internal/config"
	"crisimport/internal/infra/persistence/postgres"
	"crisimport/internal/infra/persistence/sqlite"
	"crisimport/internal/warehouse"
)

// Open connects to the configured warehouse. The staging schema is created
// (Postgres) or attached (SQLite) on open; the production schema must
// already exist in Postgres.
func Open(ctx context.Context, cfg config.Database) (warehouse.Database, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DSN(), cfg.ImportSchema)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath, cfg.ImportSchema, cfg.ProductionSchema)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown database driver %s", cfg.Driver)
	}
}
