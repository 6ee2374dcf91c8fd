package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// migrator opens a migrate instance over migrationsDir. The returned close
// func releases both the instance and the connection.
func migrator(migrationsDir, dsn string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, func() { m.Close() }, nil
}

// ApplyMigrations brings the database at dsn up to the latest version.
// A dirty database is refused.
func ApplyMigrations(migrationsDir, dsn string) error {
	m, done, err := migrator(migrationsDir, dsn)
	if err != nil {
		return err
	}
	defer done()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state (version %d), manual intervention required", version)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.WithField("version", version).Info("database schema is up to date")
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	newVersion, _, _ := m.Version()
	log.WithFields(log.Fields{"from": version, "to": newVersion}).Info("migrated database schema")
	return nil
}

// MigrateSteps moves n steps up (n > 0) or down (n < 0). n == 0 means all
// the way in the given direction.
func MigrateSteps(migrationsDir, dsn string, up bool, n int) error {
	m, done, err := migrator(migrationsDir, dsn)
	if err != nil {
		return err
	}
	defer done()

	switch {
	case n != 0:
		if !up {
			n = -n
		}
		err = m.Steps(n)
	case up:
		err = m.Up()
	default:
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// MigrationVersion reports the current version; 0 when nothing was applied.
func MigrationVersion(migrationsDir, dsn string) (uint, bool, error) {
	m, done, err := migrator(migrationsDir, dsn)
	if err != nil {
		return 0, false, err
	}
	defer done()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func ForceMigrationVersion(migrationsDir, dsn string, version int) error {
	m, done, err := migrator(migrationsDir, dsn)
	if err != nil {
		return err
	}
	defer done()

	if err := m.Force(version); err != nil {
		return fmt.Errorf("forcing version: %w", err)
	}
	return nil
}
