// Package helpers provides testing utilities for database connections,
// environment setup, and test data management for scangate integration tests.
package helpers

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/scangate/scangate/internal/db"
)

const (
	defaultPostgreSQLPort = 5432
	dbConnectionTimeout   = 5 * time.Second
	defaultTestTimeout    = 30 * time.Second
)

// DatabaseConfig represents a database configuration for testing.
type DatabaseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
}

// GetTestDatabaseConfig returns the test database configuration from
// TEST_DB_* environment variables.
func GetTestDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:     getEnvOrDefault("TEST_DB_HOST", "localhost"),
		Port:     getEnvIntOrDefault("TEST_DB_PORT", defaultPostgreSQLPort),
		Database: getEnvOrDefault("TEST_DB_NAME", "scangate_test"),
		Username: getEnvOrDefault("TEST_DB_USER", "test_user"),
		Password: getEnvOrDefault("TEST_DB_PASSWORD", "test_password"),
		SSLMode:  getEnvOrDefault("TEST_DB_SSLMODE", "disable"),
	}
}

func (c DatabaseConfig) dbConfig() *db.Config {
	return &db.Config{
		Host:            c.Host,
		Port:            c.Port,
		Database:        c.Database,
		Username:        c.Username,
		Password:        c.Password,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
	}
}

// IsDatabaseAvailable checks if a database is available and accessible.
func IsDatabaseAvailable(config *DatabaseConfig) bool {
	sqlDB, err := sql.Open("postgres", config.dbConfig().DSN())
	if err != nil {
		return false
	}
	defer func() { _ = sqlDB.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), dbConnectionTimeout)
	defer cancel()

	return sqlDB.PingContext(ctx) == nil
}

// ConnectToTestDatabase connects to the test database and applies migrations.
func ConnectToTestDatabase(ctx context.Context) (*db.DB, error) {
	config := GetTestDatabaseConfig()
	if !IsDatabaseAvailable(&config) {
		return nil, fmt.Errorf("test database %s@%s:%d is not available",
			config.Database, config.Host, config.Port)
	}
	return db.ConnectAndMigrate(ctx, config.dbConfig())
}

// CleanupTestTables removes all rows from the scangate tables.
func CleanupTestTables(ctx context.Context, database *db.DB) error {
	tables := []string{
		"billing_events",
		"reconciled_jobs",
		"scan_jobs",
		"quota_ledger",
		"accounts",
	}

	for _, table := range tables {
		if _, err := database.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clean table %s: %w", table, err)
		}
	}
	return nil
}

// SetupTestDB returns a migrated, empty test database. The test is skipped
// with -short or when no database is reachable.
func SetupTestDB(t testing.TB) *db.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	defer cancel()

	database, err := ConnectToTestDatabase(ctx)
	if err != nil {
		t.Skipf("Skipping test requiring database: %v", err)
	}
	if err := CleanupTestTables(ctx, database); err != nil {
		_ = database.Close()
		t.Fatalf("Failed to clean test database: %v", err)
	}

	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
		defer cancel()
		_ = CleanupTestTables(cleanupCtx, database)
		_ = database.Close()
	})
	return database
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
