package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/reframe/internal/config"
	"github.com/kiranshivaraju/reframe/internal/store"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			driver, dsn := migrationTarget(cfg.Database)
			if !statusOnly {
				if err := store.RunMigrations(driver, dsn); err != nil {
					return err
				}
			}
			version, dirty, err := store.MigrationVersion(driver, dsn)
			if err != nil {
				return err
			}
			state := "clean"
			if dirty {
				state = "dirty"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s schema version %d (%s)\n", driver, version, state)
			return err
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "print the applied version without migrating")
	return cmd
}

func migrationTarget(db config.DatabaseConfig) (driver, dsn string) {
	if db.Driver == store.DriverSQLite {
		return store.DriverSQLite, db.SQLitePath
	}
	return store.DriverPostgres, db.URL
}
