package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/scangate/scangate/internal/config"
	"github.com/scangate/scangate/internal/db"
)

var migrateResetConfirm bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
	Long:  "Apply, inspect or reset the embedded PostgreSQL migrations.",
	Example: `  scangate migrate up
  scangate migrate status
  scangate migrate reset --yes`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(commandContext(cmd), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			if err := db.NewMigrator(database.DB).Up(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(commandContext(cmd), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			statuses, err := db.NewMigrator(database.DB).Status(ctx)
			if err != nil {
				return err
			}
			renderMigrations(cmd.OutOrStdout(), statuses)
			return nil
		})
	},
}

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every table and re-apply all migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !migrateResetConfirm {
			return fmt.Errorf("reset destroys all quota and job data; pass --yes to confirm")
		}
		return withDatabase(commandContext(cmd), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			return db.NewMigrator(database.DB).Reset(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd, migrateResetCmd)

	migrateResetCmd.Flags().BoolVar(&migrateResetConfirm, "yes", false, "confirm the reset")
}

func renderMigrations(w io.Writer, statuses []db.MigrationStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Applied", "Applied At", "Modified")

	for _, s := range statuses {
		appliedAt := "-"
		if s.Applied {
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04")
		}
		modified := ""
		if s.Modified {
			modified = "yes"
		}
		_ = table.Append([]string{s.Name, yesNo(s.Applied), appliedAt, modified})
	}

	_ = table.Render()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
