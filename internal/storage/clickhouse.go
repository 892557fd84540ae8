package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/remit-analytics/internal/config"
	"github.com/remit-analytics/internal/metrics"
)

const storeClickHouse = "clickhouse"

// ClickHouseDB is the connection to the transaction archive. Every call is
// timed under remit_store_query_duration_seconds.
type ClickHouseDB struct {
	conn     driver.Conn
	database string
}

func clickHouseOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}

	return &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": int(queryTimeout / time.Second),
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
}

// NewClickHouseDB connects to ClickHouse and verifies the connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(clickHouseOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse at %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	return &ClickHouseDB{conn: conn, database: cfg.Database}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Database returns the configured database name
func (db *ClickHouseDB) Database() string {
	return db.database
}

// Ping checks if the archive is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec runs a statement that returns no rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	defer observe(storeClickHouse, "exec", time.Now())
	err := db.conn.Exec(ctx, query, args...)
	countError(storeClickHouse, "exec", err)
	return err
}

// Query runs a read. The caller closes the rows.
func (db *ClickHouseDB) Query(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	defer observe(storeClickHouse, "query", time.Now())
	rows, err := db.conn.Query(ctx, query, args...)
	countError(storeClickHouse, "query", err)
	return rows, err
}

// PrepareBatch starts a batch insert
func (db *ClickHouseDB) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	defer observe(storeClickHouse, "prepare_batch", time.Now())
	batch, err := db.conn.PrepareBatch(ctx, query)
	countError(storeClickHouse, "prepare_batch", err)
	return batch, err
}

func observe(store, op string, start time.Time) {
	metrics.StoreQueryLatency.WithLabelValues(store, op).Observe(time.Since(start).Seconds())
}

func countError(store, op string, err error) {
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues(store, op).Inc()
	}
}
