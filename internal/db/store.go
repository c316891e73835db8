package db

import (
	"context"
	"fmt"

	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/config"
)

// Store is a booking store that can also write reference data.
type Store interface {
	booking.Store
	booking.Registry
}

// Open connects the store selected by cfg.StoreDriver. SQLite applies its
// schema on open; for Postgres callers run Migrate when they own the schema.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := ConnectPostgres(ctx, cfg.PostgresDSN, PoolOptions{})
		if err != nil {
			return nil, err
		}
		return booking.NewPgStore(pool), nil
	case config.DriverSQLite:
		s, err := booking.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
