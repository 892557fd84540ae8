package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/remit-analytics/internal/adapter"
	"github.com/remit-analytics/internal/analytics"
	apperrors "github.com/remit-analytics/internal/errors"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/types"
	"github.com/remit-analytics/internal/valuation"
)

const (
	// DefaultRange is used when a request names no time range
	DefaultRange = types.Range30d
	// MaxLimit caps the number of transactions a request may ask for
	MaxLimit = 1000
)

// AnalyticsConfig configures an AnalyticsService
type AnalyticsConfig struct {
	Source       adapter.Source
	Prices       adapter.PriceProvider // optional; without it positions are valued at zero
	DefaultRange types.TimeRange
	DefaultLimit int
	Now          func() time.Time
	Logger       *logging.Logger

	// ValidateAddress defaults to the Algorand address check
	ValidateAddress func(string) bool
}

// AnalyticsService answers one-shot analytics requests for a wallet by
// combining the transaction source, aggregator and valuator
type AnalyticsService struct {
	source       adapter.Source
	prices       adapter.PriceProvider
	defaultRange types.TimeRange
	defaultLimit int
	now          func() time.Time
	validate     func(string) bool
	logger       *logging.Logger
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(cfg AnalyticsConfig) *AnalyticsService {
	if cfg.DefaultRange == "" {
		cfg.DefaultRange = DefaultRange
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = adapter.DefaultTransactionLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ValidateAddress == nil {
		cfg.ValidateAddress = adapter.ValidateAddress
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}

	return &AnalyticsService{
		source:       cfg.Source,
		prices:       cfg.Prices,
		defaultRange: cfg.DefaultRange,
		defaultLimit: cfg.DefaultLimit,
		now:          cfg.Now,
		validate:     cfg.ValidateAddress,
		logger:       cfg.Logger.WithField("component", "analytics_service"),
	}
}

// TransactionsResult is a fetched transaction window
type TransactionsResult struct {
	Address      string              `json:"address"`
	Transactions []types.Transaction `json:"transactions"`
	Count        int                 `json:"count"`
	Range        types.TimeRange     `json:"range,omitempty"`
	FetchedAt    time.Time           `json:"fetchedAt"`
}

// StatsResult is the aggregate of a transaction window
type StatsResult struct {
	Address string               `json:"address"`
	Range   types.TimeRange      `json:"range,omitempty"`
	Stats   types.AggregateStats `json:"stats"`
	Days    []string             `json:"days"`
}

// GetTransactions returns the deduplicated, newest-first transactions of address
func (s *AnalyticsService) GetTransactions(ctx context.Context, address string, filters types.Filters) (*TransactionsResult, error) {
	filters, err := s.prepare(address, filters)
	if err != nil {
		return nil, err
	}

	txs, err := s.fetchTransactions(ctx, address, filters)
	if err != nil {
		return nil, err
	}

	return &TransactionsResult{
		Address:      address,
		Transactions: txs,
		Count:        len(txs),
		Range:        filters.Range,
		FetchedAt:    s.now().UTC(),
	}, nil
}

// GetStats aggregates the transactions of address in the filtered window
func (s *AnalyticsService) GetStats(ctx context.Context, address string, filters types.Filters) (*StatsResult, error) {
	filters, err := s.prepare(address, filters)
	if err != nil {
		return nil, err
	}

	txs, err := s.fetchTransactions(ctx, address, filters)
	if err != nil {
		return nil, err
	}

	stats := analytics.Aggregate(txs, address)
	return &StatsResult{
		Address: address,
		Range:   filters.Range,
		Stats:   stats,
		Days:    analytics.SortedDays(stats.ByDay),
	}, nil
}

// GetPortfolio values the current balance of address
func (s *AnalyticsService) GetPortfolio(ctx context.Context, address string) (*types.Portfolio, error) {
	if err := s.validateAddress(address); err != nil {
		return nil, err
	}

	portfolio, err := s.fetchPortfolio(ctx, address)
	if err != nil {
		return nil, err
	}
	return &portfolio, nil
}

// GetLiveAnalytics builds the dashboard summary of address. Transactions and
// balance are fetched concurrently; either failing fails the request.
func (s *AnalyticsService) GetLiveAnalytics(ctx context.Context, address string, filters types.Filters) (*analytics.LiveAnalytics, error) {
	filters, err := s.prepare(address, filters)
	if err != nil {
		return nil, err
	}

	var (
		txs       []types.Transaction
		portfolio types.Portfolio
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		txs, err = s.fetchTransactions(gctx, address, filters)
		return err
	})
	g.Go(func() error {
		var err error
		portfolio, err = s.fetchPortfolio(gctx, address)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := analytics.Aggregate(txs, address)
	summary := analytics.Summarize(stats, portfolio, txs, address, s.now().UTC())
	return &summary, nil
}

func (s *AnalyticsService) prepare(address string, filters types.Filters) (types.Filters, error) {
	if err := s.validateAddress(address); err != nil {
		return filters, err
	}
	if err := filters.Validate(); err != nil {
		return filters, apperrors.NewInvalidParameterError("filters", err.Error())
	}
	if filters.Limit > MaxLimit {
		return filters, apperrors.NewInvalidParameterError("limit", "must not exceed 1000")
	}
	if filters.Range == "" && filters.AfterTime == nil {
		filters.Range = s.defaultRange
	}
	if filters.Limit == 0 {
		filters.Limit = s.defaultLimit
	}
	return filters.Resolve(s.now()), nil
}

func (s *AnalyticsService) validateAddress(address string) error {
	if address == "" {
		return apperrors.NewConfigurationError("address is required")
	}
	if !s.validate(address) {
		return apperrors.NewInvalidAddressError(address)
	}
	if s.source == nil {
		return apperrors.NewConfigurationError("no transaction source configured")
	}
	return nil
}

func (s *AnalyticsService) fetchTransactions(ctx context.Context, address string, filters types.Filters) ([]types.Transaction, error) {
	txs, err := s.source.FetchTransactions(ctx, address, filters)
	if err != nil {
		s.logger.WithField("address", address).WithError(err).Warn("Transaction fetch failed")
		return nil, sourceError(err)
	}

	txs = analytics.Dedupe(txs)
	analytics.SortNewestFirst(txs)
	return txs, nil
}

func (s *AnalyticsService) fetchPortfolio(ctx context.Context, address string) (types.Portfolio, error) {
	snapshot, err := s.source.FetchBalance(ctx, address)
	if err != nil {
		s.logger.WithField("address", address).WithError(err).Warn("Balance fetch failed")
		return types.Portfolio{}, sourceError(err)
	}

	var lookup valuation.PriceLookup
	if s.prices != nil {
		lookup = s.prices.Lookup(ctx)
	}
	return valuation.Valuate(snapshot, lookup), nil
}

// sourceError keeps categorized errors and reports anything else as a
// source outage
func sourceError(err error) error {
	if apperrors.IsSourceUnavailable(err) || apperrors.IsConfigurationError(err) {
		return err
	}
	if ce := apperrors.Categorize(err); ce != nil && ce.Code != apperrors.CodeInternalError {
		return err
	}
	return apperrors.NewSourceUnavailableError("transaction source", err)
}
