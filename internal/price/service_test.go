package price

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remit-analytics/internal/config"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/storage"
)

type stubFetcher struct {
	calls int32
	rates map[string]Quote
	err   error
}

func (f *stubFetcher) FetchRates(ctx context.Context) (map[string]Quote, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.rates, nil
}

func newTestService(t *testing.T, fetcher Fetcher) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cache := storage.NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	svc := NewService(ServiceConfig{
		Cache:   cache,
		Fetcher: fetcher,
		TTL:     5 * time.Minute,
		Logger:  logging.NewNop(),
	})
	return svc, mr
}

func liveRates() map[string]Quote {
	rates := StaticRates()
	algo := rates["ALGO"]
	algo.USD = d("0.31")
	rates["ALGO"] = algo
	return rates
}

func TestServiceRates_FetchThenCache(t *testing.T) {
	fetcher := &stubFetcher{rates: liveRates()}
	svc, mr := newTestService(t, fetcher)
	ctx := context.Background()

	first := svc.Rates(ctx)
	assert.False(t, first.Cached)
	assert.Equal(t, OriginLive, first.Origin)
	assert.True(t, first.USD("ALGO").Equal(d("0.31")))

	second := svc.Rates(ctx)
	assert.True(t, second.Cached)
	assert.False(t, second.Stale)
	assert.True(t, second.USD("ALGO").Equal(d("0.31")))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))

	mr.FastForward(6 * time.Minute)

	third := svc.Rates(ctx)
	assert.False(t, third.Cached)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetcher.calls))
}

func TestServiceRates_StaleFallback(t *testing.T) {
	fetcher := &stubFetcher{rates: liveRates()}
	svc, mr := newTestService(t, fetcher)
	ctx := context.Background()

	svc.Rates(ctx)
	mr.FastForward(6 * time.Minute)
	fetcher.err = errors.New("upstream down")

	table := svc.Rates(ctx)
	assert.True(t, table.Cached)
	assert.True(t, table.Stale)
	assert.NotEmpty(t, table.Warning)
	assert.True(t, table.USD("ALGO").Equal(d("0.31")))
}

func TestServiceRates_StaleFallbackWithoutRedis(t *testing.T) {
	fetcher := &stubFetcher{rates: liveRates()}
	svc, mr := newTestService(t, fetcher)
	ctx := context.Background()

	svc.Rates(ctx)
	mr.Close()
	fetcher.err = errors.New("upstream down")

	table := svc.Rates(ctx)
	assert.True(t, table.Stale)
	assert.True(t, table.USD("ALGO").Equal(d("0.31")))
}

func TestServiceRates_StaticWhenNothingCached(t *testing.T) {
	svc, _ := newTestService(t, &stubFetcher{err: errors.New("down")})

	table := svc.Rates(context.Background())
	assert.Equal(t, OriginStatic, table.Origin)
	assert.False(t, table.Stale)
	assert.True(t, table.USD("ALGO").Equal(d("0.25")))
}

func TestServicePriceAndLookup(t *testing.T) {
	svc := NewService(ServiceConfig{Logger: logging.NewNop()})
	ctx := context.Background()

	assert.True(t, svc.Price(ctx, "USDC").Equal(d("1")))
	assert.True(t, svc.Price(ctx, "UNKNOWN").IsZero())

	lookup := svc.Lookup(ctx)
	assert.True(t, lookup("eurc").Equal(d("1.18")))
	assert.True(t, lookup("ASA-9").IsZero())
}

func TestCoinGeckoClient(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"algorand":{"usd":0.19,"eur":0.17,"usd_24h_change":-2.5},"usd-coin":{"usd":1.001}}`))
	}))
	defer server.Close()

	client := NewCoinGeckoClient(server.URL, time.Second, nil)
	rates, err := client.FetchRates(context.Background())
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "vs_currencies=usd%2Ceur%2Cbrl%2Cinr")
	assert.True(t, rates["ALGO"].USD.Equal(d("0.19")))
	assert.True(t, rates["ALGO"].EUR.Equal(d("0.17")))
	assert.True(t, rates["ALGO"].BRL.Equal(d("1.25")), "missing field falls back to static")
	assert.True(t, rates["ALGO"].Change24h.Equal(d("-2.5")))
	assert.True(t, rates["USDC"].USD.Equal(d("1.001")))
	assert.True(t, rates["INR"].USD.Equal(d("0.012")))
}

func TestCoinGeckoClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{}`},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`},
		{name: "malformed body", status: http.StatusOK, body: `not json`},
		{name: "no known assets", status: http.StatusOK, body: `{"dogecoin":{"usd":0.1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewCoinGeckoClient(server.URL, time.Second, nil).FetchRates(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestNewServiceFromConfig_StaticOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rates:\n  ALGO: {usd: \"0.30\", eur: \"0.25\", brl: \"1.50\", inr: \"25\"}\n"), 0o600))

	svc := NewServiceFromConfig(config.PricesConfig{StaticRatesFile: path}, nil, logging.NewNop())

	table := svc.Rates(context.Background())
	assert.Equal(t, OriginStatic, table.Origin)
	assert.True(t, table.USD("ALGO").Equal(d("0.30")))
	assert.True(t, table.USD("USDC").Equal(d("1")), "built-in rates stay under the override")
}

func TestNewServiceFromConfig_MissingFileFallsBack(t *testing.T) {
	svc := NewServiceFromConfig(config.PricesConfig{StaticRatesFile: "/does/not/exist.yaml"}, nil, logging.NewNop())

	table := svc.Rates(context.Background())
	assert.True(t, table.USD("ALGO").Equal(d("0.25")))
}
