package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"attackmatrix/bootstrap"
	"attackmatrix/config"
	"attackmatrix/storage"
)

// newMigrateCmd creates the 'migrate' command
func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long:  "Apply every registered migration that has not run yet. Applied migrations are verified by checksum.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlite, cleanup, err := openDatabase()
			if err != nil {
				return err
			}
			defer cleanup()

			var s *spinner.Spinner
			if !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Applying migrations..."
				s.Start()
			}
			err = sqlite.RunMigrations()
			if s != nil {
				s.Stop()
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			status, err := sqlite.MigrationStatus()
			if err != nil {
				return fmt.Errorf("failed to read migration status: %w", err)
			}
			if outputJSON {
				return outputAsJSON(status)
			}
			if !quiet {
				successColor.Fprintf(stdout, "✓ Database is at %s (%d migrations applied)\n", status.LatestApplied, status.AppliedCount)
			}
			return nil
		},
	}

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sqlite, cleanup, err := openDatabase()
			if err != nil {
				return err
			}
			defer cleanup()

			status, err := sqlite.MigrationStatus()
			if err != nil {
				return fmt.Errorf("failed to read migration status: %w", err)
			}
			if outputJSON {
				return outputAsJSON(status)
			}
			renderMigrationStatus(status)
			return nil
		},
	})

	return migrateCmd
}

// openDatabase opens the database without migrating it
func openDatabase() (*storage.SQLite, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newCLILogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar := logger.Sugar()

	if err := bootstrap.EnsureDataDirectories(bootstrap.DataDirectoriesFromConfig(cfg), sugar); err != nil {
		return nil, nil, err
	}
	sqlite, err := bootstrap.InitSQLite(cfg.GetSQLitePath(), sugar)
	if err != nil {
		return nil, nil, err
	}
	return sqlite, func() {
		if err := sqlite.Close(); err != nil {
			sugar.Warnf("Failed to close SQLite connection during cleanup: %v", err)
		}
		_ = logger.Sync()
	}, nil
}
