package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/aegisshield/compliance-audit/internal/audit"
	"github.com/aegisshield/compliance-audit/internal/config"
	"github.com/aegisshield/compliance-audit/internal/regulatory"
	"github.com/aegisshield/compliance-audit/internal/reporting"
)

// Database wraps the GORM database connection
type Database struct {
	*gorm.DB
	logger *zap.Logger
}

// PoolConfig bounds the underlying connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Debug           bool
}

// NewPostgres connects to the configured PostgreSQL database.
func NewPostgres(cfg *config.Config, log *zap.Logger) (*Database, error) {
	return Open(postgres.Open(cfg.GetDatabaseDSN()), PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Debug:           cfg.Logging.Development,
	}, log)
}

// Open creates a connection through dialector and configures the pool.
func Open(dialector gorm.Dialector, pool PoolConfig, log *zap.Logger) (*Database, error) {
	logLevel := logger.Silent
	if pool.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	log.Info("Database connection established", zap.String("dialect", dialector.Name()))
	return &Database{DB: db, logger: log}, nil
}

// AutoMigrate creates every table from the GORM models. PostgreSQL
// deployments use RunMigrations instead so the audit trigger is installed.
func (db *Database) AutoMigrate() error {
	if err := regulatory.AutoMigrate(db.DB); err != nil {
		return fmt.Errorf("migrate rules: %w", err)
	}
	if err := audit.AutoMigrate(db.DB); err != nil {
		return fmt.Errorf("migrate checks: %w", err)
	}
	if err := reporting.AutoMigrate(db.DB); err != nil {
		return fmt.Errorf("migrate reports: %w", err)
	}
	return nil
}

// Health checks the database connection
func (db *Database) Health(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (db *Database) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	db.logger.Info("Closing database connection")
	return sqlDB.Close()
}
