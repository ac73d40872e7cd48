package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/postalscan/internal/db"
)

const databaseTimeout = 5 * time.Minute

var migrateResetConfirm bool

// migrateCmd groups the schema management commands.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
	Long: `Manage the PostgreSQL schema used when jobs.store is postgres.

Migrations are embedded in the binary and recorded in schema_migrations.
"postalscan server" applies pending migrations on start.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, database *db.DB) error {
			ran, err := db.NewMigrator(database.DB).Up(ctx)
			if err != nil {
				return err
			}
			if len(ran) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
				return nil
			}
			for _, name := range ran {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", name)
			}
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, database *db.DB) error {
			status, err := db.NewMigrator(database.DB).Status(ctx)
			if err != nil {
				return err
			}
			printMigrationStatus(cmd.OutOrStdout(), status)
			return nil
		})
	},
}

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all postalscan tables and re-apply migrations",
	Long:  "Drop all postalscan tables and re-apply migrations. All stored jobs are lost.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !migrateResetConfirm {
			return fmt.Errorf("reset deletes all stored jobs; pass --yes to confirm")
		}
		return withDatabase(cmd.Context(), func(ctx context.Context, database *db.DB) error {
			if err := db.NewMigrator(database.DB).Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database reset")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd, migrateResetCmd)

	migrateResetCmd.Flags().BoolVar(&migrateResetConfirm, "yes", false, "Confirm dropping all tables")
}

// withDatabase connects with the configured database settings, runs fn and
// closes the connection.
func withDatabase(ctx context.Context, fn func(context.Context, *db.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, databaseTimeout)
	defer cancel()

	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	defer func() { _ = database.Close() }()

	return fn(ctx, database)
}

func printMigrationStatus(w io.Writer, status []db.MigrationStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Migration", "State", "Applied At")

	for _, st := range status {
		state := "pending"
		applied := "-"
		if st.Applied {
			state = "applied"
			if st.Modified {
				state = "modified"
			}
			applied = st.AppliedAt.Local().Format(timeLayout)
		}
		_ = table.Append([]string{st.Name, state, applied})
	}
	_ = table.Render()
}
