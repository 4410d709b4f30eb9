package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/artifish/skygraph/internal/bsky"
	"github.com/artifish/skygraph/internal/config"
	"github.com/artifish/skygraph/internal/ratelimit"
	"github.com/artifish/skygraph/internal/store/postgres"
	"github.com/artifish/skygraph/internal/telemetry"
	"github.com/artifish/skygraph/internal/worker"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run crawl workers against the frontier queue",
		Long: `Starts the configured number of crawl workers. Each worker repeatedly
reserves the highest-priority account from the frontier, enumerates its
follow graph, diffs it against stored state, and persists the changes.
The run ends on SIGINT/SIGTERM or once crawler.max_accounts is reached.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runCrawl(cmd.Context(), cfg, logger)
		},
	}
}

func runCrawl(parent context.Context, cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
			stop()
		}
	}()

	go pollFrontierDepth(ctx, store, logger)

	budget := worker.NewBudget(cfg.Crawler.MaxAccounts)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Crawler.Concurrency; i++ {
		w := worker.New(fetcher, store, store, budget, worker.Config{
			Owner:              fmt.Sprintf("%s-%d", uuid.NewString(), i),
			Lease:              cfg.LeaseDuration(),
			DiscoveredPriority: cfg.Crawler.DiscoveredPriority,
			FailurePenalty:     cfg.Crawler.FailurePenalty,
			FollowerPages:      cfg.Crawler.FollowerPages,
			IdlePoll:           time.Duration(cfg.Crawler.IdlePollSeconds) * time.Second,
		}, logger.Named("worker").With(zap.Int("index", i)))
		g.Go(func() error { return w.Run(gctx) })
	}

	err = g.Wait()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("ops server shutdown error", zap.Error(serr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("crawl: %w", err)
	}
	logger.Info("crawl finished")
	return nil
}

func pollFrontierDepth(ctx context.Context, store *postgres.Store, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		n, err := store.PendingCount(ctx)
		if err != nil {
			logger.Debug("frontier depth poll failed", zap.Error(err))
		} else {
			telemetry.SetFrontierDepth(n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
