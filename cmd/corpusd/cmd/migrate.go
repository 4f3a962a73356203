package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Zykairotis/corpusd/internal/catalog"
	"github.com/Zykairotis/corpusd/internal/config"
)

// newMigrateCmd creates the migrate command.
func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply catalog schema migrations",
		Long:  `Connect to the configured Postgres database and apply any pending schema migrations. Safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}

			cat, err := catalog.Connect(cmd.Context(), cfg.Database.URL, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer cat.Close()

			if err := cat.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
