package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/artifish/skygraph/internal/store/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate {up|down}",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			direction := args[0]
			if err := postgres.Migrate(cfg.Database.DSN, direction); err != nil {
				return err
			}
			logger.Info("migrations applied", zap.String("direction", direction))
			return nil
		},
	}
}
