package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/remit-analytics/internal/logging"
)

// Migrator applies the versioned watchlist schema in migrations/postgres
type Migrator struct {
	m      *migrate.Migrate
	logger *logging.Logger
}

// NewMigrator opens the migration source at dir against databaseURL
func NewMigrator(databaseURL, dir string, logger *logging.Logger) (*Migrator, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations in %s: %w", dir, err)
	}
	logger = logger.WithField("component", "migrate")
	m.Log = migrateLog{logger}
	return &Migrator{m: m, logger: logger}, nil
}

// Up applies every pending migration. Being current is not an error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Down rolls back the latest migration only
func (mg *Migrator) Down() error {
	if err := mg.m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Version returns the applied version; 0 when nothing is applied
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the source and database handles
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// RunMigrations brings the database at databaseURL up to date
func RunMigrations(databaseURL, dir string) error {
	mg, err := NewMigrator(databaseURL, dir, nil)
	if err != nil {
		return err
	}
	defer func() { _ = mg.Close() }()
	return mg.Up()
}

// migrateLog routes golang-migrate progress into the structured logger
type migrateLog struct {
	logger *logging.Logger
}

func (l migrateLog) Printf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLog) Verbose() bool { return false }
