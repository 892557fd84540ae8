// Package api provides the HTTP and websocket surface of the analytics engine.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/remit-analytics/internal/adapter"
	"github.com/remit-analytics/internal/analytics"
	"github.com/remit-analytics/internal/circuitbreaker"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/poller"
	"github.com/remit-analytics/internal/price"
	"github.com/remit-analytics/internal/service"
	"github.com/remit-analytics/internal/storage"
	"github.com/remit-analytics/internal/types"
)

// Service interfaces for dependency injection and testing

// AnalyticsService answers one-shot wallet queries
type AnalyticsService interface {
	GetTransactions(ctx context.Context, address string, filters types.Filters) (*service.TransactionsResult, error)
	GetStats(ctx context.Context, address string, filters types.Filters) (*service.StatsResult, error)
	GetPortfolio(ctx context.Context, address string) (*types.Portfolio, error)
	GetLiveAnalytics(ctx context.Context, address string, filters types.Filters) (*analytics.LiveAnalytics, error)
}

// LivePoller opens live subscriptions
type LivePoller interface {
	Subscribe(ctx context.Context, in poller.SubscribeInput) (*poller.Subscription, error)
	Subscriptions() []poller.Status
}

// RateService serves exchange rate tables
type RateService interface {
	Rates(ctx context.Context) price.RateTable
}

// Watchlist stores the wallets the worker keeps live
type Watchlist interface {
	Add(ctx context.Context, entry *storage.WatchlistEntry) error
	Get(ctx context.Context, address string) (*storage.WatchlistEntry, error)
	List(ctx context.Context) ([]*storage.WatchlistEntry, error)
	Remove(ctx context.Context, address string) error
}

// EndpointHealthReporter reports the health of source endpoints
type EndpointHealthReporter interface {
	Health() []*adapter.EndpointHealth
}

// HealthCheck pings one dependency
type HealthCheck func(ctx context.Context) error

// Dependencies are the collaborators of the server. Only Analytics is required.
type Dependencies struct {
	Analytics AnalyticsService
	Poller    LivePoller
	Rates     RateService
	Watchlist Watchlist
	Breakers  *circuitbreaker.CircuitBreakerManager
	Endpoints EndpointHealthReporter
	Checks    map[string]HealthCheck
	Logger    *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	config     *ServerConfig
	logger     *logging.Logger

	analytics AnalyticsService
	poller    LivePoller
	rates     RateService
	watchlist Watchlist
	breakers  *circuitbreaker.CircuitBreakerManager
	endpoints EndpointHealthReporter
	checks    map[string]HealthCheck

	limiter *RateLimiter
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.GetGlobalLogger()
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 20
	}
	if config.Burst <= 0 {
		config.Burst = int(2 * config.RequestsPerSecond)
	}

	s := &Server{
		router:    mux.NewRouter(),
		config:    config,
		logger:    deps.Logger.WithField("component", "api"),
		analytics: deps.Analytics,
		poller:    deps.Poller,
		rates:     deps.Rates,
		watchlist: deps.Watchlist,
		breakers:  deps.Breakers,
		endpoints: deps.Endpoints,
		checks:    deps.Checks,
		limiter:   NewRateLimiter(config.RequestsPerSecond, config.Burst),
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Order matters: logging first so every later layer has a request logger
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(MetricsMiddleware)
	s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	s.router.Use(RateLimitMiddleware(s.limiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	// Wallet analytics
	api.HandleFunc("/wallets/{address}/transactions", s.handleGetTransactions).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{address}/stats", s.handleGetStats).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{address}/portfolio", s.handleGetPortfolio).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{address}/analytics", s.handleGetAnalytics).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{address}/live", s.handleLive).Methods(http.MethodGet)
	api.HandleFunc("/live/subscriptions", s.handleListSubscriptions).Methods(http.MethodGet)

	// Rates
	api.HandleFunc("/rates", s.handleGetRates).Methods(http.MethodGet)
	api.HandleFunc("/rates/convert", s.handleConvert).Methods(http.MethodPost)

	// Watchlist
	api.HandleFunc("/watchlist", s.handleListWatchlist).Methods(http.MethodGet)
	api.HandleFunc("/watchlist", s.handleAddWatchlist).Methods(http.MethodPost)
	api.HandleFunc("/watchlist/{address}", s.handleGetWatchlist).Methods(http.MethodGet)
	api.HandleFunc("/watchlist/{address}", s.handleRemoveWatchlist).Methods(http.MethodDelete)
}

// Handler returns the routed handler with all middleware applied
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// PruneLimiters drops idle client rate limiters until ctx is done
func (s *Server) PruneLimiters(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Prune(); n > 0 {
				s.logger.WithField("pruned", n).Debug("Pruned idle rate limiters")
			}
		}
	}
}
