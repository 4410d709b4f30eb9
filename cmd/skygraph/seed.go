package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/artifish/skygraph/internal/bsky"
	"github.com/artifish/skygraph/internal/config"
	"github.com/artifish/skygraph/internal/graph"
	"github.com/artifish/skygraph/internal/ratelimit"
	"github.com/artifish/skygraph/internal/store/postgres"
)

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed [handle-or-did ...]",
		Short: "Resolve seed accounts and enqueue them at seed priority",
		Long: `Resolves each given handle or DID through the API, upserts the account,
and enqueues it in the frontier at crawler.seed_priority. With no
arguments the configured seeds list is used. Re-seeding an account never
lowers its priority.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			actors := args
			if len(actors) == 0 {
				actors = cfg.Seeds
			}
			if len(actors) == 0 {
				return fmt.Errorf("no seeds given: pass handles as arguments or set the seeds list")
			}
			return runSeed(cmd.Context(), cfg, logger, actors)
		},
	}
}

func runSeed(ctx context.Context, cfg config.Config, logger *zap.Logger, actors []string) error {
	store, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	limiter := ratelimit.New(ratelimit.Config{
		BaseDelay:         time.Duration(cfg.Limiter.BaseDelayMs) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.Limiter.MaxDelayMs) * time.Millisecond,
		Jitter:            cfg.Limiter.Jitter,
		RecoverySuccesses: cfg.Limiter.RecoverySuccesses,
	})
	fetcher := bsky.New(bsky.Config{
		Host:           cfg.API.Host,
		Identifier:     cfg.API.Identifier,
		AppPassword:    cfg.API.AppPassword,
		Timeout:        cfg.APITimeout(),
		MaxRetries:     cfg.API.MaxRetries,
		BackoffInitial: time.Duration(cfg.API.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.API.BackoffMaxMs) * time.Millisecond,
		PageSize:       cfg.API.PageSize,
	}, limiter, logger.Named("bsky"))

	for _, actor := range actors {
		acct, err := fetcher.Profile(ctx, actor)
		if err != nil {
			return fmt.Errorf("resolve seed %q: %w", actor, err)
		}
		acct.CrawlPriority = cfg.Crawler.SeedPriority

		if err := store.UpsertSeed(ctx, acct); err != nil {
			return err
		}
		if err := store.Enqueue(ctx, acct.DID, cfg.Crawler.SeedPriority, graph.ReasonSeed); err != nil {
			return err
		}
		logger.Info("seed enqueued",
			zap.String("actor", actor),
			zap.String("did", acct.DID),
			zap.Int("priority", cfg.Crawler.SeedPriority))
	}
	return nil
}
