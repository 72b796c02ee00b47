package sqlstore

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies every pending up migration for cfg's driver.
func Migrate(ctx context.Context, cfg Config) error {
	return withMigrator(ctx, cfg, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations: %w", err)
		}
		return nil
	})
}

// MigrationVersion reports the applied schema version and whether the last
// migration left the schema dirty.
func MigrationVersion(ctx context.Context, cfg Config) (version uint, dirty bool, err error) {
	err = withMigrator(ctx, cfg, func(m *migrate.Migrate) error {
		v, d, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("migration version: %w", err)
		}
		version, dirty = v, d
		return nil
	})
	return version, dirty, err
}

// withMigrator uses a dedicated pool because closing a migrate instance
// closes the database it was given.
func withMigrator(ctx context.Context, cfg Config, fn func(*migrate.Migrate) error) error {
	cfg = cfg.withDefaults()
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return err
	}
	db, err := d.open(cfg)
	if err != nil {
		return fmt.Errorf("open db for migrate: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping db for migrate: %w", err)
	}
	src, err := iofs.New(migrations, "migrations/"+d.name())
	if err != nil {
		db.Close()
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := d.migrationDriver(db)
	if err != nil {
		src.Close()
		db.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, d.name(), driver)
	if err != nil {
		src.Close()
		driver.Close()
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()
	return fn(m)
}
