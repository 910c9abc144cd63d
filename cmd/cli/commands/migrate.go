package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bountyrelay/bountyrelay/internal/store"
)

// NewMigrateCmd manages the postgres schema.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
		Long: `Manage the postgres schema of the configured store.

Uses store.dsn from the config file. The in-memory store has no schema.`,
	}

	dsn := func() (string, error) {
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		if cfg.Store.Driver != "postgres" || cfg.Store.DSN == "" {
			return "", fmt.Errorf("migrations need store.driver postgres and a store.dsn")
		}
		return cfg.Store.DSN, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			if err := WithSpinner("Migrating", func() error { return store.MigrateUp(cmd.Context(), d) }); err != nil {
				return err
			}
			Success("Schema is up to date")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			if err := store.MigrateDown(cmd.Context(), d); err != nil {
				return err
			}
			Success("Rolled back one migration")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := dsn()
			if err != nil {
				return err
			}
			v, err := store.MigrationVersion(cmd.Context(), d)
			if err != nil {
				return err
			}
			fmt.Println(KeyValue("Version", fmt.Sprintf("%d", v)))
			return nil
		},
	})

	return cmd
}
