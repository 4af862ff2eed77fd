package cmd

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres:// driver
	_ "github.com/golang-migrate/migrate/v4/source/file"       // file:// source
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/config"
)

const defaultMigrationsPath = "file://migrations"

func newMigrateCommand() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:       "migrate <up|down>",
		Short:     "Apply or roll back the PostgreSQL schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DriverPostgres {
				return fmt.Errorf("migrations need database.driver=%s, got %q", config.DriverPostgres, cfg.Database.Driver)
			}

			m, err := migrate.New(source, cfg.Database.URL())
			if err != nil {
				return fmt.Errorf("create migrate instance: %w", err)
			}
			defer func() { _, _ = m.Close() }()

			if err = runMigration(m, args[0]); err != nil {
				return fmt.Errorf("migration %s failed: %w", args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Migration %s completed successfully\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", defaultMigrationsPath, "migrations source URL")
	return cmd
}

func runMigration(m *migrate.Migrate, direction string) error {
	var err error
	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}

	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
