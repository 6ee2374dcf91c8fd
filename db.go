package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	cfg "github.com/example/objectstore/internal/config"
	"github.com/example/objectstore/internal/store"
	log "github.com/sirupsen/logrus"
)

// openBackend prepares and opens the configured database. Postgres is
// migrated first; a failed migration is fatal.
func openBackend(ctx context.Context, c *cfg.Config) (store.Backend, error) {
	switch c.DBAdapter {
	case "postgres":
		log.WithField("dir", c.MigrationsDir).Info("applying database migrations")
		if err := store.ApplyMigrations(c.MigrationsDir, c.PostgresDSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
	case "sqlite":
		if dir := filepath.Dir(c.SQLiteFile); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite directory: %w", err)
			}
		}
	case "memory":
		log.Warn("using in-memory database (not recommended for production)")
	}

	b, err := store.Open(ctx, c.DBAdapter, c.StoreTarget(), c.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("%s init: %w", c.DBAdapter, err)
	}
	log.WithField("adapter", c.DBAdapter).Info("connected to database")
	return b, nil
}
