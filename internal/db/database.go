// Package db provides Postgres connectivity, schema migrations and the
// repositories for accounts, scan jobs, reconciliation claims and billing
// events.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/scangate/scangate/internal/errors"
	"github.com/scangate/scangate/internal/logging"
)

type pqMapping struct {
	code    errors.ErrorCode
	message string
}

// SQLSTATE codes with a client-safe meaning. Everything else is reported as
// a failed query for the named operation.
var pqErrorCodes = map[pq.ErrorCode]pqMapping{
	"23505": {errors.CodeConflict, "Resource already exists"},
	"23503": {errors.CodeValidation, "Referenced resource does not exist"},
	"23502": {errors.CodeValidation, "Required field is missing"},
	"23514": {errors.CodeValidation, "Data validation failed"},
	"40001": {errors.CodeSerialization, "Concurrent update conflict"},
	"40P01": {errors.CodeSerialization, "Concurrent update conflict"},
	"57014": {errors.CodeCanceled, "Database operation was canceled"},
	"57P01": {errors.CodeDatabaseConnection, "Database connection lost"},
	"08000": {errors.CodeDatabaseConnection, "Database connection error"},
	"08003": {errors.CodeDatabaseConnection, "Database connection error"},
	"08006": {errors.CodeDatabaseConnection, "Database connection error"},
}

// sanitizeDBError converts a driver error into a DatabaseError that is safe
// to show API clients. The driver error stays available as the cause.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	code := errors.CodeDatabaseQuery
	message := fmt.Sprintf("Database operation failed: %s", operation)

	var pqErr *pq.Error
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		code, message = errors.CodeNotFound, "Resource not found"
	case stderrors.As(err, &pqErr):
		if m, ok := pqErrorCodes[pqErr.Code]; ok {
			code, message = m.code, m.message
		}
	case stderrors.Is(err, context.DeadlineExceeded):
		code, message = errors.CodeDatabaseTimeout, "Database operation timed out"
	case stderrors.Is(err, context.Canceled):
		code, message = errors.CodeCanceled, "Database operation was canceled"
	}

	dbErr := errors.WrapDatabaseError(code, message, err)
	dbErr.Operation = operation
	return dbErr
}

// SanitizeError exposes sanitizeDBError to packages that run their own
// statements inside a DB transaction.
func SanitizeError(operation string, err error) error {
	return sanitizeDBError(operation, err)
}

const (
	// Default database configuration values.
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5
	defaultConnMaxIdleTime = 5
)

// DB wraps sqlx.DB with additional functionality.
type DB struct {
	*sqlx.DB
}

// Queryer is implemented by both *DB and *sqlx.Tx.
type Queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Config holds database configuration.
type Config struct {
	Host            string        `yaml:"host" json:"host" mapstructure:"host"`
	Port            int           `yaml:"port" json:"port" mapstructure:"port"`
	Database        string        `yaml:"database" json:"database" mapstructure:"database"`
	Username        string        `yaml:"username" json:"username" mapstructure:"username"`
	Password        string        `yaml:"password" json:"-" mapstructure:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
// Database name, username, and password must be explicitly configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
		ConnMaxIdleTime: defaultConnMaxIdleTime * time.Minute,
	}
}

// DSN renders the key=value connection string understood by lib/pq.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// Connect establishes a connection to PostgreSQL.
// Returns sanitized errors that don't leak credentials or DSN details.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DSN())
	if err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to connect to database", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Component("database").Warn("Failed to close database connection after ping failure",
				"error", closeErr)
		}
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to verify database connection", err)
	}

	logging.Component("database").Info("Connected to database",
		"host", config.Host, "port", config.Port, "database", config.Database)
	return &DB{DB: db}, nil
}

// NewFromSQLX wraps an existing sqlx handle. Used by tests with sqlmock.
func NewFromSQLX(db *sqlx.DB) *DB {
	return &DB{DB: db}
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Close closes the underlying pool.
func (db *DB) Close() error {
	return db.DB.Close()
}

// InTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (db *DB) InTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return sanitizeDBError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit transaction", err)
	}
	return nil
}
