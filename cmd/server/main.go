// Package main provides the API server entry point for the wallet analytics service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/remit-analytics/internal/adapter"
	"github.com/remit-analytics/internal/api"
	"github.com/remit-analytics/internal/circuitbreaker"
	"github.com/remit-analytics/internal/config"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/poller"
	"github.com/remit-analytics/internal/price"
	"github.com/remit-analytics/internal/ratelimit"
	"github.com/remit-analytics/internal/service"
	"github.com/remit-analytics/internal/storage"
	"github.com/remit-analytics/internal/types"
)

func main() {
	fmt.Println("Remit Analytics API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	logger.WithFields(map[string]interface{}{
		"network":    cfg.Algorand.Network,
		"sourceMode": cfg.Algorand.SourceMode,
	}).Info("Server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := make(map[string]api.HealthCheck)

	// Redis caches rate tables; without it every TTL refetches
	var cache price.Cache
	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, rate tables will not be cached")
	} else {
		defer redis.Close()
		cache = redis
		checks["redis"] = redis.Ping
	}

	prices := price.NewServiceFromConfig(cfg.Prices, cache, logger)

	// Transaction source
	var budget adapter.RequestBudget
	if redis != nil {
		waiter, err := ratelimit.NewIndexerWaiter(cfg.Algorand, redis.Client(), ratelimit.PriorityHigh, logger)
		if err != nil {
			logger.WithError(err).Warn("Shared indexer budget disabled")
		} else if waiter != nil {
			budget = waiter
		}
	}
	breakers := circuitbreaker.NewCircuitBreakerManager()
	manager := adapter.NewClientManager(adapter.NewAlgorandFactory(adapter.AlgorandConfig{
		Network:           cfg.Algorand.Network,
		IndexerURL:        cfg.Algorand.IndexerURL,
		AlgodURL:          cfg.Algorand.AlgodURL,
		Token:             cfg.Algorand.Token,
		RequestsPerSecond: cfg.Algorand.RequestsPerSecond,
		Timeout:           cfg.Algorand.Timeout,
		MaxRetries:        cfg.Algorand.MaxRetries,
		Prices:            prices,
		Breakers:          breakers,
		Budget:            budget,
		Logger:            logger,
	}), logger)
	if _, err := manager.Get(ctx); err != nil {
		// The manager retries on the next request
		logger.WithError(err).Warn("Transaction source not reachable yet")
	}

	var source adapter.Source = manager
	if cfg.Algorand.SourceMode == config.SourceModeArchive {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Archive source mode requires ClickHouse")
		}
		defer clickhouse.Close()

		archive := storage.NewTransactionArchive(clickhouse)
		if err := archive.EnsureSchema(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to prepare transaction archive")
		}
		source = adapter.SplitSource{Transactions: archive, Balances: manager}
		checks["clickhouse"] = clickhouse.Ping
		logger.Info("Reading transactions from the archive")
	}

	// Watchlist
	var watchlist api.Watchlist
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Warn("Postgres unavailable, watchlist endpoints disabled")
	} else {
		defer postgres.Close()
		watchlist = storage.NewWatchlistRepository(postgres)
		checks["postgres"] = postgres.Ping
	}

	defaultRange, err := types.ParseTimeRange(cfg.Poller.DefaultRange)
	if err != nil {
		logger.WithError(err).Fatal("Invalid POLL_DEFAULT_RANGE")
	}

	analytics := service.NewAnalyticsService(service.AnalyticsConfig{
		Source:       source,
		Prices:       prices,
		DefaultRange: defaultRange,
		DefaultLimit: cfg.Poller.TransactionLimit,
		Logger:       logger,
	})

	livePoller := poller.New(poller.Config{
		Source:              source,
		Prices:              prices,
		Logger:              logger,
		TransactionInterval: cfg.Poller.TransactionInterval,
		BalanceInterval:     cfg.Poller.BalanceInterval,
		MinInterval:         cfg.Poller.MinInterval,
	})

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		Analytics: analytics,
		Poller:    livePoller,
		Rates:     prices,
		Watchlist: watchlist,
		Breakers:  breakers,
		Endpoints: manager,
		Checks:    checks,
		Logger:    logger,
	})

	go server.PruneLimiters(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.WithError(err).Error("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := livePoller.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Live subscriptions did not stop in time")
	}

	logger.Info("Server exited")
}
