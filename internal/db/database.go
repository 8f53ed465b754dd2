// Package db wraps the GORM/Postgres connection the dependency graph
// persists its records through.
package db

import (
	"fmt"
	"time"

	"github.com/apexbuild/scheduler/internal/logging"
	"github.com/apexbuild/scheduler/pkg/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM database instance backing the dependency
// graph.
type Database struct {
	DB *gorm.DB
}

// Config holds Postgres connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string
}

// NewDatabase opens the Postgres connection, tunes the pool, and runs
// migrations. Connection pool sizing and the NowFunc/logger.Default
// wiring are kept from the teacher's internal/db/database.go.
func NewDatabase(config *Config) (*Database, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		config.Host, config.Port, config.User, config.Password,
		config.DBName, config.SSLMode, config.TimeZone,
	)

	gdb, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := &Database{DB: gdb}

	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.L().Info("database connected", zap.String("host", config.Host), zap.String("db", config.DBName))
	return database, nil
}

// Migrate auto-migrates the dependency-graph row types and adds the
// staleness-check and signature-lookup indexes the graph relies on.
func (d *Database) Migrate() error {
	if err := d.DB.AutoMigrate(
		&models.DependencyRecord{},
		&models.SignatureRecord{},
		&models.CacheBlobRecord{},
	); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if err := d.createIndexes(); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

func (d *Database) createIndexes() error {
	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_dependency_hash ON dependency_records(hash) WHERE deleted_at IS NULL")
	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_dependency_valid ON dependency_records(valid) WHERE deleted_at IS NULL")
	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_signature_output ON signature_records(output_path)")
	d.DB.Exec("CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_cache_blob_signature ON cache_blob_records(signature)")
	return nil
}

// Health checks database connectivity.
func (d *Database) Health() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB returns the underlying GORM database instance.
func (d *Database) GetDB() *gorm.DB {
	return d.DB
}

// Stats returns connection-pool statistics for observability.
func (d *Database) Stats() map[string]interface{} {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	stats := sqlDB.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

// Transaction wraps a function in a database transaction.
func (d *Database) Transaction(fn func(*gorm.DB) error) error {
	return d.DB.Transaction(fn)
}

// DefaultConfig returns default Postgres configuration for local
// development.
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "password",
		DBName:   "assetbuild",
		SSLMode:  "disable",
		TimeZone: "UTC",
	}
}
