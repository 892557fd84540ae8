// Package valuation converts balance snapshots into USD-valued portfolios.
package valuation

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/remit-analytics/internal/types"
)

var hundred = decimal.NewFromInt(100)

// PriceLookup returns the USD price of one unit of symbol, or zero when unknown
type PriceLookup func(symbol string) decimal.Decimal

// StaticLookup returns a PriceLookup over a fixed table
func StaticLookup(prices map[string]decimal.Decimal) PriceLookup {
	return func(symbol string) decimal.Decimal {
		if p, ok := prices[symbol]; ok {
			return p
		}
		return decimal.Zero
	}
}

// Valuate prices every position of snapshot, including the native asset.
// Unknown prices value a position at zero but keep it listed. Assets are
// sorted by USD value descending with ties broken by symbol.
func Valuate(snapshot types.BalanceSnapshot, lookup PriceLookup) types.Portfolio {
	nativeSymbol := snapshot.NativeSymbol
	if nativeSymbol == "" {
		nativeSymbol = types.NativeSymbol
	}

	amounts := map[string]decimal.Decimal{nativeSymbol: snapshot.NativeAmount}
	for _, h := range snapshot.Holdings {
		amounts[h.AssetSymbol] = amounts[h.AssetSymbol].Add(h.Amount)
	}

	assets := make([]types.AssetValue, 0, len(amounts))
	total := decimal.Zero
	for symbol, amount := range amounts {
		value := amount.Mul(price(lookup, symbol))
		total = total.Add(value)
		assets = append(assets, types.AssetValue{
			Symbol:     symbol,
			Amount:     amount,
			USDValue:   value,
			Percentage: decimal.Zero,
		})
	}

	if total.IsPositive() {
		for i := range assets {
			assets[i].Percentage = assets[i].USDValue.Div(total).Mul(hundred)
		}
	}

	sort.Slice(assets, func(i, j int) bool {
		if c := assets[i].USDValue.Cmp(assets[j].USDValue); c != 0 {
			return c > 0
		}
		return assets[i].Symbol < assets[j].Symbol
	})

	return types.Portfolio{
		Assets:      assets,
		TotalValue:  total,
		LastUpdated: snapshot.FetchedAt,
	}
}

func price(lookup PriceLookup, symbol string) decimal.Decimal {
	if lookup == nil {
		return decimal.Zero
	}
	p := lookup(symbol)
	if p.IsNegative() {
		return decimal.Zero
	}
	return p
}
