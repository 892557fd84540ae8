// Package main provides the archive worker entry point for the wallet analytics service.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/remit-analytics/internal/adapter"
	"github.com/remit-analytics/internal/circuitbreaker"
	"github.com/remit-analytics/internal/config"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/poller"
	"github.com/remit-analytics/internal/price"
	"github.com/remit-analytics/internal/ratelimit"
	"github.com/remit-analytics/internal/storage"
	"github.com/remit-analytics/internal/worker"
)

func main() {
	fmt.Println("Remit Analytics Archive Worker")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("service", "worker")
	defer func() { _ = logger.Sync() }()

	if cfg.Algorand.SourceMode == config.SourceModeArchive {
		logger.Warn("SOURCE_MODE=archive is ignored by the worker, it always polls the indexer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	var cache price.Cache
	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, rate tables will not be cached")
	} else {
		defer redis.Close()
		cache = redis
	}

	logger.Info("Database connections established")

	archive := storage.NewTransactionArchive(clickhouse)
	if err := archive.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to prepare transaction archive")
	}

	prices := price.NewServiceFromConfig(cfg.Prices, cache, logger)
	var budget adapter.RequestBudget
	if redis != nil {
		waiter, err := ratelimit.NewIndexerWaiter(cfg.Algorand, redis.Client(), ratelimit.PriorityLow, logger)
		if err != nil {
			logger.WithError(err).Warn("Shared indexer budget disabled")
		} else if waiter != nil {
			budget = waiter
		}
	}
	source := adapter.NewClientManager(adapter.NewAlgorandFactory(adapter.AlgorandConfig{
		Network:           cfg.Algorand.Network,
		IndexerURL:        cfg.Algorand.IndexerURL,
		AlgodURL:          cfg.Algorand.AlgodURL,
		Token:             cfg.Algorand.Token,
		RequestsPerSecond: cfg.Algorand.RequestsPerSecond,
		Timeout:           cfg.Algorand.Timeout,
		MaxRetries:        cfg.Algorand.MaxRetries,
		Prices:            prices,
		Breakers:          circuitbreaker.NewCircuitBreakerManager(),
		Budget:            budget,
		Logger:            logger,
	}), logger)

	livePoller := poller.New(poller.Config{
		Source:              source,
		Prices:              prices,
		Logger:              logger,
		TransactionInterval: cfg.Poller.TransactionInterval,
		BalanceInterval:     cfg.Poller.BalanceInterval,
		MinInterval:         cfg.Poller.MinInterval,
	})

	archiveWorker, err := worker.NewArchiveWorker(&worker.ArchiveWorkerConfig{
		Watchlist: storage.NewWatchlistRepository(postgres),
		Poller:    livePoller,
		Archive:   archive,
		Logger:    logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create archive worker")
	}

	if err := archiveWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start archive worker")
	}

	status := archiveWorker.GetStatus()
	logger.WithField("wallets", len(status.Wallets)).Info("Worker running")

	<-ctx.Done()
	logger.Info("Shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := archiveWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping archive worker")
	}
	if err := livePoller.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Subscriptions did not stop in time")
	}

	final := archiveWorker.GetStatus()
	logger.WithFields(map[string]interface{}{
		"archived": final.Archived,
		"dropped":  final.Dropped,
	}).Info("Worker exited")
}
