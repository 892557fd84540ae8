package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/remit-analytics/internal/circuitbreaker"
	apperrors "github.com/remit-analytics/internal/errors"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/metrics"
	"github.com/remit-analytics/internal/retry"
	"github.com/remit-analytics/internal/types"
	"github.com/remit-analytics/internal/valuation"
)

// Endpoint names used for breakers, health and metrics
const (
	EndpointIndexer = "indexer"
	EndpointAlgod   = "algod"
)

const (
	// DefaultTransactionLimit is the page size requested when filters set none
	DefaultTransactionLimit = 50

	maxConcurrentAssetLookups = 4
	maxErrorBodyBytes         = 512
)

// PriceProvider supplies the USD rates used to value decoded transactions
type PriceProvider interface {
	Lookup(ctx context.Context) valuation.PriceLookup
}

// RequestBudget gates upstream requests on a quota shared with other
// processes. Wait blocks until one request may be sent.
type RequestBudget interface {
	Wait(ctx context.Context) error
}

// AlgorandConfig configures an AlgorandClient
type AlgorandConfig struct {
	Network           string
	IndexerURL        string
	AlgodURL          string
	Token             string
	RequestsPerSecond float64
	Timeout           time.Duration
	MaxRetries        int

	Prices     PriceProvider                        // optional; without it USD values are absent
	Breakers   *circuitbreaker.CircuitBreakerManager // optional
	Budget     RequestBudget                         // optional
	HTTPClient *http.Client                          // optional
	Logger     *logging.Logger
	Now        func() time.Time
}

// AlgorandClient reads transactions from an Algorand indexer and balances
// from an algod node
type AlgorandClient struct {
	network    string
	indexerURL string
	algodURL   string
	token      string

	client   *http.Client
	limiter  *rate.Limiter
	budget   RequestBudget
	breakers *circuitbreaker.CircuitBreakerManager
	retryCfg *retry.RetryConfig
	prices   PriceProvider
	logger   *logging.Logger
	now      func() time.Time

	health map[string]*endpointTracker

	assetMu sync.RWMutex
	assets  map[uint64]*AssetParams
}

// NewAlgorandClient creates a client for the configured indexer and algod node
func NewAlgorandClient(cfg AlgorandConfig) (*AlgorandClient, error) {
	if cfg.IndexerURL == "" {
		return nil, apperrors.NewConfigurationError("indexer URL cannot be empty")
	}
	if cfg.AlgodURL == "" {
		return nil, apperrors.NewConfigurationError("algod URL cannot be empty")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Breakers == nil {
		cfg.Breakers = circuitbreaker.NewCircuitBreakerManager()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	retryCfg := retry.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = cfg.MaxRetries
	}
	retryCfg.ShouldRetry = isTransient

	logger := cfg.Logger.WithFields(map[string]interface{}{
		"component": "algorand",
		"network":   cfg.Network,
	})

	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	c := &AlgorandClient{
		network:    cfg.Network,
		indexerURL: strings.TrimRight(cfg.IndexerURL, "/"),
		algodURL:   strings.TrimRight(cfg.AlgodURL, "/"),
		token:      cfg.Token,
		client:     httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		budget:     cfg.Budget,
		breakers:   cfg.Breakers,
		retryCfg:   retryCfg,
		prices:     cfg.Prices,
		logger:     logger,
		now:        cfg.Now,
		health: map[string]*endpointTracker{
			EndpointIndexer: newEndpointTracker(EndpointIndexer, cfg.IndexerURL),
			EndpointAlgod:   newEndpointTracker(EndpointAlgod, cfg.AlgodURL),
		},
		assets: make(map[uint64]*AssetParams),
	}

	for _, name := range []string{EndpointIndexer, EndpointAlgod} {
		bc := circuitbreaker.DefaultConfig(name)
		bc.IsFailure = isOutage
		bc.Logger = logger
		c.breakers.GetOrCreate(name, bc)
	}

	return c, nil
}

// isTransient reports whether a request error is worth retrying
func isTransient(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	return isOutage(err)
}

// isOutage reports whether err indicates the endpoint itself is unhealthy
func isOutage(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderTimeout) ||
		errors.Is(err, ErrProviderRateLimit)
}

// Network returns the configured network name
func (c *AlgorandClient) Network() string {
	return c.network
}

// Health returns request statistics for the indexer and algod endpoints
func (c *AlgorandClient) Health() []*EndpointHealth {
	return healthOf(c.health)
}

// Ping checks that both endpoints answer their health routes
func (c *AlgorandClient) Ping(ctx context.Context) error {
	if err := c.get(ctx, EndpointIndexer, c.indexerURL+"/health", nil, ErrProviderUnavailable, nil); err != nil {
		return apperrors.NewSourceUnavailableError(EndpointIndexer, newFetchError(c.network, "Ping", err, nil))
	}
	if err := c.get(ctx, EndpointAlgod, c.algodURL+"/health", nil, ErrProviderUnavailable, nil); err != nil {
		return apperrors.NewSourceUnavailableError(EndpointAlgod, newFetchError(c.network, "Ping", err, nil))
	}
	return nil
}

// FetchTransactions returns the decoded transactions of address within
// filters, newest first. Amount bounds are applied after decoding, in whole
// units of each transaction's currency.
func (c *AlgorandClient) FetchTransactions(ctx context.Context, address string, filters types.Filters) ([]types.Transaction, error) {
	if !ValidateAddress(address) {
		return nil, apperrors.NewInvalidAddressError(address)
	}
	if err := filters.Validate(); err != nil {
		return nil, apperrors.NewInvalidParameterError("filters", err.Error())
	}
	filters = filters.Resolve(c.now())

	query := url.Values{}
	limit := filters.Limit
	if limit == 0 {
		limit = DefaultTransactionLimit
	}
	query.Set("limit", strconv.Itoa(limit))
	if filters.AfterTime != nil {
		query.Set("after-time", filters.AfterTime.UTC().Format(time.RFC3339))
	}
	if filters.BeforeTime != nil {
		query.Set("before-time", filters.BeforeTime.UTC().Format(time.RFC3339))
	}

	endpoint := fmt.Sprintf("%s/v2/accounts/%s/transactions", c.indexerURL, url.PathEscape(address))
	var resp indexerTransactionsResponse
	if err := c.get(ctx, EndpointIndexer, endpoint, query, ErrAccountNotFound, &resp); err != nil {
		return nil, apperrors.NewSourceUnavailableError(EndpointIndexer, newFetchError(c.network, "FetchTransactions", err, map[string]interface{}{
			"address": address,
		}))
	}

	d := &decoder{
		assets: c.resolveAssets(ctx, assetIDs(resp.Transactions)),
		logger: c.logger,
	}
	if c.prices != nil {
		d.prices = c.prices.Lookup(ctx)
	}

	txs := d.decodeTransactions(resp.Transactions, address, filters)

	c.logger.WithFields(map[string]interface{}{
		"address":  address,
		"received": len(resp.Transactions),
		"returned": len(txs),
		"round":    resp.CurrentRound,
	}).Debug("Fetched transactions")

	return txs, nil
}

// FetchBalance returns the native balance and asset holdings of address.
// Assets whose parameters cannot be read keep their raw amount under a
// synthetic symbol.
func (c *AlgorandClient) FetchBalance(ctx context.Context, address string) (types.BalanceSnapshot, error) {
	if !ValidateAddress(address) {
		return types.BalanceSnapshot{}, apperrors.NewInvalidAddressError(address)
	}

	endpoint := fmt.Sprintf("%s/v2/accounts/%s", c.algodURL, url.PathEscape(address))
	var account algodAccount
	if err := c.get(ctx, EndpointAlgod, endpoint, nil, ErrAccountNotFound, &account); err != nil {
		return types.BalanceSnapshot{}, apperrors.NewSourceUnavailableError(EndpointAlgod, newFetchError(c.network, "FetchBalance", err, map[string]interface{}{
			"address": address,
		}))
	}

	ids := make([]uint64, 0, len(account.Assets))
	for _, a := range account.Assets {
		ids = append(ids, a.AssetID)
	}
	params := c.resolveAssets(ctx, ids)

	holdings := make([]types.Holding, 0, len(account.Assets))
	for _, a := range account.Assets {
		p := params[a.AssetID]
		if p == nil {
			metrics.SourceDecodeErrors.WithLabelValues("asset-params").Inc()
		}
		holdings = append(holdings, types.Holding{
			AssetSymbol: symbolFor(a.AssetID, p),
			AssetID:     a.AssetID,
			Amount:      scaleAssetAmount(a.Amount, p),
		})
	}

	return types.BalanceSnapshot{
		NativeSymbol: types.NativeSymbol,
		NativeAmount: microToWhole(account.Amount),
		Holdings:     holdings,
		FetchedAt:    c.now().UTC(),
	}, nil
}

// AssetParams returns the parameters of an asset, reading through the cache
func (c *AlgorandClient) AssetParams(ctx context.Context, assetID uint64) (*AssetParams, error) {
	c.assetMu.RLock()
	p, ok := c.assets[assetID]
	c.assetMu.RUnlock()
	if ok {
		return p, nil
	}

	endpoint := fmt.Sprintf("%s/v2/assets/%d", c.algodURL, assetID)
	var asset algodAsset
	if err := c.get(ctx, EndpointAlgod, endpoint, nil, ErrAssetNotFound, &asset); err != nil {
		return nil, newFetchError(c.network, "AssetParams", err, map[string]interface{}{
			"assetId": assetID,
		})
	}

	p = &asset.Params
	c.assetMu.Lock()
	c.assets[assetID] = p
	c.assetMu.Unlock()
	return p, nil
}

// resolveAssets looks up parameters for ids concurrently. Failed lookups are
// left out of the result and are not cached.
func (c *AlgorandClient) resolveAssets(ctx context.Context, ids []uint64) map[uint64]*AssetParams {
	out := make(map[uint64]*AssetParams, len(ids))
	if len(ids) == 0 {
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentAssetLookups)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			p, err := c.AssetParams(gctx, id)
			if err != nil {
				c.logger.WithField("assetId", id).WithError(err).Warn("Asset lookup failed, using synthetic symbol")
				return nil
			}
			mu.Lock()
			out[id] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// get performs a throttled, retried GET guarded by the endpoint's breaker and
// decodes the JSON body into out
func (c *AlgorandClient) get(ctx context.Context, endpoint, rawURL string, query url.Values, notFound error, out interface{}) error {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}
	cb := c.breakers.GetOrCreate(endpoint, nil)
	tracker := c.health[endpoint]

	return retry.Do(ctx, c.retryCfg, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(fmt.Errorf("%w: %v", ErrProviderTimeout, err))
		}
		if c.budget != nil {
			if err := c.budget.Wait(ctx); err != nil {
				return retry.Permanent(fmt.Errorf("%w: %v", ErrProviderTimeout, err))
			}
		}

		start := time.Now()
		err := cb.Execute(ctx, func() error {
			return c.do(ctx, endpoint, rawURL, notFound, out)
		})
		elapsed := time.Since(start)
		metrics.SourceRequestLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())

		switch {
		case err == nil:
			metrics.SourceRequestsTotal.WithLabelValues(endpoint, "success").Inc()
			tracker.RecordSuccess(elapsed)
		case errors.Is(err, circuitbreaker.ErrCircuitOpen):
			metrics.SourceRequestsTotal.WithLabelValues(endpoint, "circuit_open").Inc()
			return retry.Permanent(fmt.Errorf("%w: %w", ErrProviderUnavailable, err))
		case errors.Is(err, ErrProviderRateLimit):
			metrics.SourceRequestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
			tracker.RecordFailure(err)
		case isOutage(err):
			metrics.SourceRequestsTotal.WithLabelValues(endpoint, "error").Inc()
			tracker.RecordFailure(err)
		default:
			metrics.SourceRequestsTotal.WithLabelValues(endpoint, "rejected").Inc()
		}
		return err
	})
}

// do sends one request. Rejections (4xx other than 429) and undecodable
// bodies are permanent.
func (c *AlgorandClient) do(ctx context.Context, endpoint, rawURL string, notFound error, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		if endpoint == EndpointIndexer {
			req.Header.Set("X-Indexer-API-Token", c.token)
		} else {
			req.Header.Set("X-Algo-API-Token", c.token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return retry.Permanent(err)
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.After(fmt.Errorf("%w: status %d", ErrProviderRateLimit, resp.StatusCode), retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, readSnippet(resp.Body))
	case resp.StatusCode == http.StatusNotFound:
		return retry.Permanent(fmt.Errorf("%w: %s", notFound, readSnippet(resp.Body)))
	case resp.StatusCode >= http.StatusBadRequest:
		return retry.Permanent(fmt.Errorf("request rejected: status %d: %s", resp.StatusCode, readSnippet(resp.Body)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("%w: %v", ErrInvalidTransaction, apperrors.NewDecodeError("response body", err)))
	}
	return nil
}

// retryAfter parses a Retry-After header given in seconds
func retryAfter(header string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	return strings.TrimSpace(string(b))
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

var _ Source = (*AlgorandClient)(nil)
