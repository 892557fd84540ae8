// Command migrate applies the watchlist schema to Postgres and the
// archive schema to ClickHouse.
//
//	migrate -db postgres -action up|down|version
//	migrate -db clickhouse
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/remit-analytics/internal/config"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/storage"
)

func main() {
	action := flag.String("action", "up", "postgres action: up, down or version")
	db := flag.String("db", "postgres", "target database: postgres or clickhouse")
	dir := flag.String("dir", "migrations", "migrations root directory")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.FormatText)
	logger := logging.GetGlobalLogger().WithFields(map[string]interface{}{
		"db":     *db,
		"action": *action,
	})

	path := filepath.Join(*dir, *db)
	if _, err := os.Stat(path); err != nil {
		logger.WithError(err).Fatal("Migrations directory not found")
	}

	switch *db {
	case "postgres":
		err = migratePostgres(cfg, *action, path, logger)
	case "clickhouse":
		err = migrateClickHouse(cfg, *action, path, logger)
	default:
		err = fmt.Errorf("unknown database %q", *db)
	}
	if err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
}

func migratePostgres(cfg *config.Config, action, path string, logger *logging.Logger) error {
	mg, err := storage.NewMigrator(cfg.PostgresURL(), path, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := mg.Close(); err != nil {
			logger.WithError(err).Warn("Error closing migrator")
		}
	}()

	switch action {
	case "up":
		err = mg.Up()
	case "down":
		err = mg.Down()
	case "version":
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return err
	}

	version, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{"version": version, "dirty": dirty}).Info("Postgres schema version")
	return nil
}

func migrateClickHouse(cfg *config.Config, action, path string, logger *logging.Logger) error {
	if action != "up" {
		return fmt.Errorf("clickhouse only supports the up action")
	}

	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return storage.RunClickHouseMigrations(ctx, db, path, logger)
}
