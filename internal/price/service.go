package price

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/remit-analytics/internal/config"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/metrics"
	"github.com/remit-analytics/internal/valuation"
)

const (
	freshKey = "prices:rates"
	lastKey  = "prices:rates:last"

	// DefaultTTL is how long a fetched table is served without refetching
	DefaultTTL = 5 * time.Minute
)

// Cache is the key/value store rate tables are kept in
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Service serves rate tables from cache, a live fetcher, or static rates, in that order.
// It never fails: the worst case is the static table with a warning.
type Service struct {
	cache   Cache
	fetcher Fetcher
	static  map[string]Quote
	ttl     time.Duration
	now     func() time.Time
	logger  *logging.Logger

	group singleflight.Group

	mu   sync.RWMutex
	last *RateTable
}

// ServiceConfig configures a Service
type ServiceConfig struct {
	Cache   Cache   // optional
	Fetcher Fetcher // optional; nil serves static rates only
	Static  map[string]Quote
	TTL     time.Duration
	Now     func() time.Time
	Logger  *logging.Logger
}

// NewService creates a price service
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		cache:   cfg.Cache,
		fetcher: cfg.Fetcher,
		static:  cfg.Static,
		ttl:     cfg.TTL,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
	if s.static == nil {
		s.static = StaticRates()
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = logging.GetGlobalLogger()
	}
	s.logger = s.logger.WithField("component", "prices")
	return s
}

// NewServiceFromConfig builds the service the binaries use: the static table
// from cfg (falling back to built-in rates), CoinGecko when enabled, and cache.
func NewServiceFromConfig(cfg config.PricesConfig, cache Cache, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	static, err := LoadStaticRates(cfg.StaticRatesFile)
	if err != nil {
		logger.WithError(err).WithField("path", cfg.StaticRatesFile).Warn("Using built-in static rates")
		static = StaticRates()
	}

	var fetcher Fetcher
	if cfg.Enabled {
		fetcher = NewCoinGeckoClient(cfg.CoinGeckoURL, cfg.Timeout, static)
	}

	return NewService(ServiceConfig{
		Cache:   cache,
		Fetcher: fetcher,
		Static:  static,
		TTL:     cfg.CacheTTL,
		Logger:  logger,
	})
}

// Rates returns the current rate table
func (s *Service) Rates(ctx context.Context) RateTable {
	if table, ok := s.readCache(ctx, freshKey); ok {
		table.Cached = true
		table.Stale = false
		metrics.PriceTableServed.WithLabelValues(OriginCache).Inc()
		return table
	}

	if s.fetcher != nil {
		v, err, _ := s.group.Do("rates", func() (interface{}, error) {
			return s.refresh(ctx)
		})
		if err == nil {
			metrics.PriceTableServed.WithLabelValues(OriginLive).Inc()
			return v.(RateTable)
		}

		metrics.PriceFetchErrors.Inc()
		s.logger.WithError(err).Warn("Live rate fetch failed")

		if table, ok := s.lastKnown(ctx); ok {
			table.Cached = true
			table.Stale = true
			table.Warning = "Using cached rates due to API error"
			metrics.PriceTableServed.WithLabelValues(OriginStale).Inc()
			return table
		}
	}

	metrics.PriceTableServed.WithLabelValues(OriginStatic).Inc()
	return RateTable{
		Rates:       copyRates(s.static),
		LastUpdated: s.now(),
		Origin:      OriginStatic,
		Warning:     "Using static fallback rates",
	}
}

func (s *Service) refresh(ctx context.Context) (RateTable, error) {
	rates, err := s.fetcher.FetchRates(ctx)
	if err != nil {
		return RateTable{}, err
	}

	table := RateTable{
		Rates:       rates,
		LastUpdated: s.now(),
		Origin:      OriginLive,
	}

	s.mu.Lock()
	last := table
	s.last = &last
	s.mu.Unlock()

	s.writeCache(ctx, freshKey, table, s.ttl)
	s.writeCache(ctx, lastKey, table, 0)
	return table, nil
}

func (s *Service) lastKnown(ctx context.Context) (RateTable, bool) {
	if table, ok := s.readCache(ctx, lastKey); ok {
		return table, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return RateTable{}, false
	}
	table := *s.last
	table.Rates = copyRates(table.Rates)
	return table, true
}

func (s *Service) readCache(ctx context.Context, key string) (RateTable, bool) {
	if s.cache == nil {
		return RateTable{}, false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.WithError(err).WithField("key", key).Warn("Rate cache read failed")
		}
		return RateTable{}, false
	}
	var table RateTable
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Discarding unreadable cached rates")
		return RateTable{}, false
	}
	return table, true
}

func (s *Service) writeCache(ctx context.Context, key string, table RateTable, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(table)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, ttl); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("Rate cache write failed")
	}
}

// Price returns the USD price of symbol; unknown symbols are zero
func (s *Service) Price(ctx context.Context, symbol string) decimal.Decimal {
	return s.Rates(ctx).USD(symbol)
}

// Lookup snapshots the current table into a lookup for the valuator
func (s *Service) Lookup(ctx context.Context) valuation.PriceLookup {
	return TableLookup(s.Rates(ctx))
}

// TableLookup returns a USD lookup over a fixed table
func TableLookup(table RateTable) valuation.PriceLookup {
	return func(symbol string) decimal.Decimal {
		return table.USD(strings.ToUpper(symbol))
	}
}

func copyRates(in map[string]Quote) map[string]Quote {
	out := make(map[string]Quote, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
