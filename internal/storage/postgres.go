// Package storage provides database connections and repositories for the
// watchlist, the transaction archive and the price cache.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/remit-analytics/internal/config"
)

const storePostgres = "postgres"

// PostgresDB is the pgx pool behind the watchlist
type PostgresDB struct {
	pool *pgxpool.Pool
}

// PostgresConnString builds a pgx connection URL from cfg
func PostgresConnString(cfg *config.PostgresConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   cfg.Host + ":" + cfg.Port,
		Path:   "/" + cfg.Database,
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	if cfg.MaxConnections > 0 {
		q.Set("pool_max_conns", fmt.Sprint(cfg.MaxConnections))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// NewPostgresDB connects to the configured database
func NewPostgresDB(cfg *config.PostgresConfig) (*PostgresDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ConnectPostgres(ctx, PostgresConnString(cfg))
}

// ConnectPostgres opens a pool for a DSN or URL and checks it is reachable
func ConnectPostgres(ctx context.Context, connString string) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// The watchlist is small and read once per reload
	if poolConfig.MinConns == 0 {
		poolConfig.MinConns = 1
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database %s: %w", poolConfig.ConnConfig.Database, err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the database connection pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping checks if the database is reachable
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Exec runs a statement and returns its command tag
func (db *PostgresDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	defer observe(storePostgres, "exec", time.Now())
	tag, err := db.pool.Exec(ctx, sql, args...)
	countError(storePostgres, "exec", err)
	return tag, err
}

// Query runs a read. The caller closes the rows.
func (db *PostgresDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	defer observe(storePostgres, "query", time.Now())
	rows, err := db.pool.Query(ctx, sql, args...)
	countError(storePostgres, "query", err)
	return rows, err
}

// QueryRow runs a single-row read. Errors surface on Scan.
func (db *PostgresDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	defer observe(storePostgres, "query_row", time.Now())
	return db.pool.QueryRow(ctx, sql, args...)
}
