package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/remit-analytics/internal/logging"
)

const clickHouseMigrationsTable = "schema_migrations"

// RunClickHouseMigrations applies the .sql files of dir in name order,
// skipping files already recorded in the schema_migrations table
func RunClickHouseMigrations(ctx context.Context, db *ClickHouseDB, dir string, logger *logging.Logger) error {
	return runClickHouseMigrations(ctx, db, os.DirFS(dir), logger)
}

func runClickHouseMigrations(ctx context.Context, db *ClickHouseDB, fsys fs.FS, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithField("component", "clickhouse_migrate")

	names, err := migrationFiles(fsys)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		logger.Warn("No ClickHouse migration files found")
		return nil
	}

	if err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+clickHouseMigrationsTable+` (
		name String,
		applied_at DateTime64(3, 'UTC') DEFAULT now64(3)
	) ENGINE = ReplacingMergeTree ORDER BY name`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	for _, name := range names {
		if applied[name] {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		for i, stmt := range splitSQLStatements(string(content)) {
			if err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%s statement %d (%s): %w", name, i+1, truncate(stmt, 80), err)
			}
		}
		if err := db.Exec(ctx, `INSERT INTO `+clickHouseMigrationsTable+` (name) VALUES (?)`, name); err != nil {
			return fmt.Errorf("failed to record %s: %w", name, err)
		}
		logger.WithField("file", name).Info("Applied ClickHouse migration")
	}
	return nil
}

func migrationFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func appliedMigrations(ctx context.Context, db *ClickHouseDB) (map[string]bool, error) {
	rows, err := db.Query(ctx, `SELECT name FROM `+clickHouseMigrationsTable+` FINAL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// splitSQLStatements splits a script on statement-ending semicolons,
// dropping comment lines
func splitSQLStatements(content string) []string {
	var (
		stmts []string
		buf   []string
	)
	emit := func() {
		stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(strings.Join(buf, "\n")), ";"))
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
		buf = buf[:0]
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		buf = append(buf, line)
		if strings.HasSuffix(trimmed, ";") {
			emit()
		}
	}
	emit()
	return stmts
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
