// Package price provides exchange rates for the assets a wallet can hold.
package price

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Fiat currencies quoted for every asset
const (
	FiatUSD = "USD"
	FiatEUR = "EUR"
	FiatBRL = "BRL"
	FiatINR = "INR"
)

// Table origins
const (
	OriginLive   = "live"
	OriginCache  = "cache"
	OriginStale  = "stale"
	OriginStatic = "static"
)

const convertPlaces = 6

// Quote is the price of one unit of an asset in each fiat currency
type Quote struct {
	USD       decimal.Decimal `json:"USD"`
	EUR       decimal.Decimal `json:"EUR"`
	BRL       decimal.Decimal `json:"BRL"`
	INR       decimal.Decimal `json:"INR"`
	Change24h decimal.Decimal `json:"change24h"`
}

// In returns the quote in fiat
func (q Quote) In(fiat string) (decimal.Decimal, bool) {
	switch strings.ToUpper(fiat) {
	case FiatUSD:
		return q.USD, true
	case FiatEUR:
		return q.EUR, true
	case FiatBRL:
		return q.BRL, true
	case FiatINR:
		return q.INR, true
	default:
		return decimal.Zero, false
	}
}

// RateTable is a set of quotes keyed by asset symbol
type RateTable struct {
	Rates       map[string]Quote `json:"rates"`
	LastUpdated time.Time        `json:"lastUpdated"`
	Origin      string           `json:"origin"`
	Cached      bool             `json:"cached"`
	Stale       bool             `json:"stale,omitempty"`
	Warning     string           `json:"warning,omitempty"`
}

// USD returns the USD price of symbol, zero when the symbol is not quoted
func (t RateTable) USD(symbol string) decimal.Decimal {
	if q, ok := t.Rates[strings.ToUpper(symbol)]; ok {
		return q.USD
	}
	return decimal.Zero
}

func q(usd, eur, brl, inr string) Quote {
	return Quote{
		USD:       decimal.RequireFromString(usd),
		EUR:       decimal.RequireFromString(eur),
		BRL:       decimal.RequireFromString(brl),
		INR:       decimal.RequireFromString(inr),
		Change24h: decimal.Zero,
	}
}

// StaticRates returns the built-in fallback table
func StaticRates() map[string]Quote {
	return map[string]Quote{
		"ALGO": q("0.25", "0.21", "1.25", "20.75"),
		"USDC": q("1.00", "0.85", "5.00", "83.00"),
		"USDT": q("1.00", "0.85", "5.00", "83.00"),
		"EURC": q("1.18", "1.00", "5.90", "98.00"),
		"BRZ":  q("0.20", "0.17", "1.00", "16.60"),
		"INR":  q("0.012", "0.010", "0.060", "1.00"),
	}
}

// staticRatesFile is the YAML layout of a static rates override
//
//	rates:
//	  ALGO: {usd: "0.30", eur: "0.25", brl: "1.50", inr: "25"}
type staticRatesFile struct {
	Rates map[string]struct {
		USD string `yaml:"usd"`
		EUR string `yaml:"eur"`
		BRL string `yaml:"brl"`
		INR string `yaml:"inr"`
	} `yaml:"rates"`
}

// LoadStaticRates reads a YAML override and merges it over the built-in table.
// An empty path returns the built-in table.
func LoadStaticRates(path string) (map[string]Quote, error) {
	rates := StaticRates()
	if path == "" {
		return rates, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read static rates: %w", err)
	}
	return ParseStaticRates(data, rates)
}

// ParseStaticRates merges a YAML document over base
func ParseStaticRates(data []byte, base map[string]Quote) (map[string]Quote, error) {
	var file staticRatesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse static rates: %w", err)
	}

	out := make(map[string]Quote, len(base)+len(file.Rates))
	for k, v := range base {
		out[k] = v
	}
	for symbol, raw := range file.Rates {
		symbol = strings.ToUpper(symbol)
		quote := out[symbol]
		for _, f := range []struct {
			name string
			in   string
			dst  *decimal.Decimal
		}{
			{"usd", raw.USD, &quote.USD},
			{"eur", raw.EUR, &quote.EUR},
			{"brl", raw.BRL, &quote.BRL},
			{"inr", raw.INR, &quote.INR},
		} {
			if f.in == "" {
				continue
			}
			v, err := decimal.NewFromString(f.in)
			if err != nil {
				return nil, fmt.Errorf("invalid %s rate for %s: %w", f.name, symbol, err)
			}
			if v.IsNegative() {
				return nil, fmt.Errorf("negative %s rate for %s", f.name, symbol)
			}
			*f.dst = v
		}
		out[symbol] = quote
	}
	return out, nil
}

// Conversion is the result of converting between two quoted symbols
type Conversion struct {
	FromCurrency string          `json:"fromCurrency"`
	ToCurrency   string          `json:"toCurrency"`
	FromAmount   decimal.Decimal `json:"fromAmount"`
	ToAmount     decimal.Decimal `json:"toAmount"`
	ExchangeRate decimal.Decimal `json:"exchangeRate"`
}

// Convert converts amount of from into to through their USD prices.
// Amount and rate are rounded to six decimal places.
func Convert(from, to string, amount decimal.Decimal, table RateTable) (Conversion, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if !amount.IsPositive() {
		return Conversion{}, fmt.Errorf("amount must be greater than 0")
	}

	conv := Conversion{FromCurrency: from, ToCurrency: to, FromAmount: amount}
	if from == to {
		conv.ToAmount = amount
		conv.ExchangeRate = decimal.NewFromInt(1)
		return conv, nil
	}

	fromQuote, okFrom := table.Rates[from]
	toQuote, okTo := table.Rates[to]
	if !okFrom || !okTo {
		return Conversion{}, fmt.Errorf("unsupported currency pair %s/%s", from, to)
	}
	if !toQuote.USD.IsPositive() {
		return Conversion{}, fmt.Errorf("no USD price for %s", to)
	}

	conv.ToAmount = fromQuote.USD.Mul(amount).Div(toQuote.USD).Round(convertPlaces)
	conv.ExchangeRate = fromQuote.USD.Div(toQuote.USD).Round(convertPlaces)
	return conv, nil
}
