package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"baseline/api/internal/store"
)

func migrateCommand() *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFromCommand(cmd)
			logger := newLogger(cfg)
			if err := requireDatabase(cfg); err != nil {
				return err
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			pending, err := store.PendingMigrations(cmd.Context(), db, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			if statusOnly {
				for _, version := range pending {
					fmt.Fprintln(cmd.OutOrStdout(), version)
				}
				return nil
			}
			if err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir); err != nil {
				return err
			}
			logger.Info("migrations applied", "count", len(pending), "dir", cfg.MigrationsDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "list pending migrations without applying them")
	return cmd
}
