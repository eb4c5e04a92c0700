package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsPath = "migrations"

// RunMigrations applies every pending up migration.
func RunMigrations(databaseURL string, logger *zap.Logger) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		logger.Info("Starting database migration")
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("No new migrations to apply")
				return nil
			}
			return fmt.Errorf("migration failed: %w", err)
		}
		return logVersion(m, logger, "Database migration completed")
	})
}

// RollbackMigrations reverts the given number of applied migrations.
func RollbackMigrations(databaseURL string, steps int, logger *zap.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("No migrations to roll back")
				return nil
			}
			return fmt.Errorf("rollback failed: %w", err)
		}
		return logVersion(m, logger, "Database rollback completed")
	})
}

func withMigrator(databaseURL string, fn func(*migrate.Migrate) error) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	source, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return fmt.Errorf("create migration source failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	return fn(m)
}

func logVersion(m *migrate.Migrate, logger *zap.Logger, msg string) error {
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("get migration version failed: %w", err)
	}
	logger.Info(msg, zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
