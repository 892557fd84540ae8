package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/remit-analytics/internal/adapter"
	"github.com/remit-analytics/internal/config"
)

var (
	walletA = adapter.EncodeAddress([32]byte{21})
	walletB = adapter.EncodeAddress([32]byte{22})
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// findProjectRoot walks up from the working directory to go.mod
func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (go.mod)")
		}
		dir = parent
	}
}

// setupPostgres starts a Postgres container and applies the watchlist migrations
func setupPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	dsn := startPostgres(t)
	require.NoError(t, RunMigrations(dsn, migrationsDir(t, "postgres")))

	db, err := ConnectPostgres(testContext(t), dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func migrationsDir(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(findProjectRoot(t), "migrations", name)
}

// startPostgres starts an empty Postgres container and returns its DSN
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("remit_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("Skipping test - Postgres container not available: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

// setupClickHouse starts a ClickHouse container with the archive schema
func setupClickHouse(t *testing.T) *ClickHouseDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.1-alpine",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"CLICKHOUSE_DB":       "remit_test",
				"CLICKHOUSE_USER":     "default",
				"CLICKHOUSE_PASSWORD": "",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready for connections").WithStartupTimeout(60*time.Second),
				wait.ForListeningPort("9000/tcp"),
			),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Skipping test - ClickHouse container not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	db, err := NewClickHouseDB(&config.ClickHouseConfig{
		Host:     host,
		Port:     port.Port(),
		Database: "remit_test",
		User:     "default",
	})
	require.NoError(t, err, fmt.Sprintf("connect %s:%s", host, port.Port()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}
