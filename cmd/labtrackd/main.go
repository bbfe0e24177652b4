package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"lab-usage-backend/config"
	"lab-usage-backend/internal/lock"
	"lab-usage-backend/internal/logging"
	"lab-usage-backend/internal/metrics"
	"lab-usage-backend/internal/retry"
	"lab-usage-backend/internal/store"
	"lab-usage-backend/internal/usage"
)

// Default path for local development
const defaultConfigPath = "./config/config.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "labtrackd",
	Short: "Lab equipment usage tracking backend",
	Long: `labtrackd records who is using which lab instrument, refuses
overlapping sessions, and closes sessions whose planned end has passed.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"),
		"config file (default is "+defaultConfigPath+" when present, env CONFIG_PATH)")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the process logger from it.
func loadConfig() (*config.Config, *slog.Logger, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if path != "" {
		logger.Info("configuration loaded", "path", path)
	} else {
		logger.Info("no config file, using defaults and environment")
	}
	return cfg, logger, nil
}

func pushOptions(cfg *config.Config) *webpush.Options {
	return &webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}
}

func newService(cfg *config.Config, st store.Store, logger *slog.Logger, rec *metrics.Recorder, ev usage.EventPublisher, n usage.Notifier) *usage.Service {
	return usage.New(st, usage.Options{
		Locks: lock.NewManager(cfg.Locking.Timeout, cfg.Locking.BaseDelay, cfg.Locking.MaxDelay, logger, rec),
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: cfg.Retry.BaseBackoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
		Logger:   logger,
		Metrics:  rec,
		Events:   ev,
		Notifier: n,
	})
}

func newRegistry() (*prometheus.Registry, *metrics.Recorder) {
	reg := prometheus.NewRegistry()
	return reg, metrics.New(reg)
}
