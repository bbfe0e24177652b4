package db

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lab-usage-backend/config"
	"lab-usage-backend/internal/logging"
	"lab-usage-backend/internal/model"
)

// Init opens the database and runs migrations.
func Init(cfg *config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, log); err != nil {
		return nil, err
	}
	return db, nil
}

// Open connects to the configured driver and applies the pool settings.
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql", "":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	return db, nil
}

// Migrate creates or updates the schema. Beyond AutoMigrate it installs the
// single-ACTIVE-session index and the interval check where the dialect allows.
func Migrate(db *gorm.DB, log *slog.Logger) error {
	log = logging.OrDiscard(log)

	log.Info("running database migrations", "dialect", db.Dialector.Name())
	if err := db.AutoMigrate(
		&model.User{},
		&model.Equipment{},
		&model.UsageSession{},
		&model.DescriptionHistory{},
		&model.PushSubscription{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}

	if err := applyConstraints(db); err != nil {
		return err
	}

	log.Info("database initialization complete")
	return nil
}

const (
	activeSessionIndex   = "uniq_usage_sessions_active_equipment"
	sessionIntervalCheck = "chk_usage_sessions_interval"
)

func applyConstraints(db *gorm.DB) error {
	var ddls []string
	switch db.Dialector.Name() {
	case "postgres":
		ddls = append(ddls,
			"CREATE UNIQUE INDEX IF NOT EXISTS "+activeSessionIndex+
				" ON usage_sessions (equipment_id) WHERE status = 'ACTIVE';")
		if !db.Migrator().HasConstraint(&model.UsageSession{}, sessionIntervalCheck) {
			ddls = append(ddls,
				"ALTER TABLE usage_sessions ADD CONSTRAINT "+sessionIntervalCheck+
					" CHECK (end_time IS NULL OR end_time > start_time);")
		}
	case "sqlite":
		ddls = append(ddls,
			"CREATE UNIQUE INDEX IF NOT EXISTS "+activeSessionIndex+
				" ON usage_sessions (equipment_id) WHERE status = 'ACTIVE';")
	}
	// MySQL has no partial indexes; the row lock on the equipment is the only guard there.

	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}

func logLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
