package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lab-usage-backend/internal/db"
	"lab-usage-backend/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		_, err = db.Init(&cfg.Database, logger)
		return err
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Close every ACTIVE session whose planned end has passed, once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		gormDB, err := db.Init(&cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		_, rec := newRegistry()
		svc := newService(cfg, store.NewGormStore(gormDB), logger, rec, nil, nil)

		n, err := svc.CloseExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "closed %d expired session(s)\n", n)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed FILE",
	Short: "Load users and equipment from a YAML file",
	Long: `Seed inserts the users and equipment listed in FILE. Users already
present (by email) and equipment already present (by code) are skipped,
so the command can be re-run safely.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		gormDB, err := db.Init(&cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		res, err := seed(cmd.Context(), store.NewGormStore(gormDB), f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d user(s) and %d equipment, skipped %d existing\n",
			res.Users, res.Equipment, res.Skipped)
		return nil
	},
}
