package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"lab-usage-backend/internal/api"
	"lab-usage-backend/internal/db"
	"lab-usage-backend/internal/events"
	"lab-usage-backend/internal/notification"
	"lab-usage-backend/internal/scheduler"
	"lab-usage-backend/internal/store"
	"lab-usage-backend/internal/usage"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the expiry sweeper and background workers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	push := pushOptions(cfg)
	if push.VAPIDPublicKey == "" || push.VAPIDPrivateKey == "" {
		logger.Warn("VAPID keys are not configured; push notifications will fail")
	}

	gormDB, err := db.Init(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	appStore := store.NewGormStore(gormDB)
	reg, rec := newRegistry()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	pool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, push, logger, rec)
	g.Go(func() error { return pool.Run(ctx) })

	var publisher usage.EventPublisher
	if cfg.Events.Enabled {
		p := events.NewPublisher(cfg.Events.URL, cfg.Events.Queue, events.Dial, logger, rec)
		g.Go(func() error { return p.Run(ctx) })
		publisher = p
	}

	svc := newService(cfg, appStore, logger, rec, publisher, pool)
	listings := api.NewResponseCache(cfg.Server.CacheTTL)

	if cfg.Scheduler.Enabled {
		sweeper := scheduler.NewSweeper(svc, cfg.Scheduler.Interval, logger)
		sweeper.AfterClose = func(int) { listings.Flush() }
		g.Go(func() error { return sweeper.Run(ctx) })
	}

	handler := api.NewHandler(svc, appStore, push, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		RateLimit: rate.Limit(cfg.Server.RateLimitPerSec),
		Burst:     cfg.Server.RateBurst,
		CacheTTL:  cfg.Server.CacheTTL,
		Gatherer:  reg,
		Logger:    logger,
		Cache:     listings,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	g.Go(func() error {
		logger.Info("HTTP server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server ListenAndServe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received, stopping services")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server gracefully stopped")
	return nil
}
