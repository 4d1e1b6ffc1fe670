package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/scangate/scangate/internal/config"
	"github.com/scangate/scangate/internal/db"
)

// DatabaseOperation represents a function that operates on a database connection.
type DatabaseOperation func(context.Context, *config.Config, *db.DB) error

// withDatabase executes the given operation with a database connection.
// It handles all database setup and cleanup, returning any errors that occur.
func withDatabase(ctx context.Context, operation DatabaseOperation) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return operation(ctx, cfg, database)
}

// withApp executes the given operation with every component wired, for
// commands that dispatch or reconcile jobs.
func withApp(ctx context.Context, operation func(context.Context, *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return operation(ctx, a)
}
