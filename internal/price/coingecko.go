package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Fetcher produces a live rate table
type Fetcher interface {
	FetchRates(ctx context.Context) (map[string]Quote, error)
}

// coinGeckoIDs maps quoted symbols to CoinGecko coin ids
var coinGeckoIDs = map[string]string{
	"ALGO": "algorand",
	"USDC": "usd-coin",
	"USDT": "tether",
	"EURC": "euro-coin",
	"BRZ":  "brazilian-digital-token",
}

// CoinGeckoClient fetches quotes from the CoinGecko simple price API
type CoinGeckoClient struct {
	baseURL string
	client  *http.Client
	static  map[string]Quote
}

// NewCoinGeckoClient creates a client. Fields missing from a response are
// filled from static.
func NewCoinGeckoClient(baseURL string, timeout time.Duration, static map[string]Quote) *CoinGeckoClient {
	if static == nil {
		static = StaticRates()
	}
	return &CoinGeckoClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		static:  static,
	}
}

// FetchRates implements Fetcher
func (c *CoinGeckoClient) FetchRates(ctx context.Context) (map[string]Quote, error) {
	ids := make([]string, 0, len(coinGeckoIDs))
	for _, id := range coinGeckoIDs {
		ids = append(ids, id)
	}

	params := url.Values{}
	params.Set("ids", strings.Join(ids, ","))
	params.Set("vs_currencies", "usd,eur,brl,inr")
	params.Set("include_24hr_change", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d - %s", resp.StatusCode, string(body))
	}

	var raw map[string]map[string]float64
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return c.merge(raw)
}

func (c *CoinGeckoClient) merge(raw map[string]map[string]float64) (map[string]Quote, error) {
	out := make(map[string]Quote, len(c.static))
	for k, v := range c.static {
		out[k] = v
	}

	found := 0
	for symbol, id := range coinGeckoIDs {
		fields, ok := raw[id]
		if !ok {
			continue
		}
		found++
		quote := out[symbol]
		set := func(key string, dst *decimal.Decimal) {
			if v, ok := fields[key]; ok && v > 0 {
				*dst = decimal.NewFromFloat(v)
			}
		}
		set("usd", &quote.USD)
		set("eur", &quote.EUR)
		set("brl", &quote.BRL)
		set("inr", &quote.INR)
		if v, ok := fields["usd_24h_change"]; ok {
			quote.Change24h = decimal.NewFromFloat(v)
		}
		out[symbol] = quote
	}

	if found == 0 {
		return nil, fmt.Errorf("price response contained no known assets")
	}
	return out, nil
}
