package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/artifish/skygraph/internal/config"
	"github.com/artifish/skygraph/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skygraph",
		Short: "Incremental crawler for the Bluesky follow graph",
		Long: `skygraph walks the Bluesky follow graph from seed accounts, persisting
accounts and follow edges to Postgres and detecting follows and unfollows
between crawls. Crawl scheduling runs through a durable, lease-based
frontier queue so multiple workers and repeated runs cooperate safely.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// A missing .env is the normal case outside local dev.
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

// setup loads configuration and builds the process logger shared by all
// subcommands.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}
