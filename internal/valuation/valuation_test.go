package valuation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remit-analytics/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestValuateExampleScenario(t *testing.T) {
	snapshot := types.BalanceSnapshot{
		NativeSymbol: types.NativeSymbol,
		NativeAmount: d("100"),
		Holdings:     []types.Holding{{AssetSymbol: "USDC", AssetID: 31566704, Amount: d("50")}},
		FetchedAt:    time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
	}
	lookup := StaticLookup(map[string]decimal.Decimal{"ALGO": d("0.25"), "USDC": d("1.0")})

	p := Valuate(snapshot, lookup)

	require.Len(t, p.Assets, 2)
	assert.True(t, p.TotalValue.Equal(d("75")), "total = %s", p.TotalValue)
	assert.Equal(t, "USDC", p.Assets[0].Symbol)
	assert.Equal(t, "ALGO", p.Assets[1].Symbol)

	algo, ok := p.Asset("ALGO")
	require.True(t, ok)
	assert.True(t, algo.USDValue.Equal(d("25")))
	assert.Equal(t, "33.33", algo.Percentage.StringFixed(2))

	usdc := p.BySymbol()["USDC"]
	assert.True(t, usdc.USDValue.Equal(d("50")))
	assert.Equal(t, "66.67", usdc.Percentage.StringFixed(2))
	assert.Equal(t, snapshot.FetchedAt, p.LastUpdated)
}

func TestValuate(t *testing.T) {
	tests := []struct {
		name        string
		snapshot    types.BalanceSnapshot
		prices      map[string]decimal.Decimal
		wantOrder   []string
		wantTotal   string
		wantPercent map[string]string
	}{
		{
			name:        "missing price keeps asset at zero",
			snapshot:    types.BalanceSnapshot{NativeAmount: d("10"), Holdings: []types.Holding{{AssetSymbol: "ASA-7", Amount: d("5")}}},
			prices:      map[string]decimal.Decimal{"ALGO": d("1")},
			wantOrder:   []string{"ALGO", "ASA-7"},
			wantTotal:   "10",
			wantPercent: map[string]string{"ALGO": "100.00", "ASA-7": "0.00"},
		},
		{
			name:        "zero total gives zero percentages",
			snapshot:    types.BalanceSnapshot{NativeAmount: d("0"), Holdings: []types.Holding{{AssetSymbol: "USDC", Amount: d("0")}}},
			prices:      map[string]decimal.Decimal{"ALGO": d("0.25"), "USDC": d("1")},
			wantOrder:   []string{"ALGO", "USDC"},
			wantTotal:   "0",
			wantPercent: map[string]string{"ALGO": "0.00", "USDC": "0.00"},
		},
		{
			name:        "ties sorted by symbol",
			snapshot:    types.BalanceSnapshot{NativeAmount: d("4"), Holdings: []types.Holding{{AssetSymbol: "EURC", Amount: d("1")}, {AssetSymbol: "BRZ", Amount: d("1")}}},
			prices:      map[string]decimal.Decimal{"ALGO": d("0.25"), "EURC": d("1"), "BRZ": d("1")},
			wantOrder:   []string{"ALGO", "BRZ", "EURC"},
			wantTotal:   "3",
			wantPercent: map[string]string{"ALGO": "33.33", "BRZ": "33.33", "EURC": "33.33"},
		},
		{
			name:        "holdings with the same symbol are merged",
			snapshot:    types.BalanceSnapshot{Holdings: []types.Holding{{AssetSymbol: "USDC", Amount: d("1")}, {AssetSymbol: "USDC", Amount: d("2")}}},
			prices:      map[string]decimal.Decimal{"USDC": d("1")},
			wantOrder:   []string{"USDC", "ALGO"},
			wantTotal:   "3",
			wantPercent: map[string]string{"USDC": "100.00", "ALGO": "0.00"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Valuate(tt.snapshot, StaticLookup(tt.prices))

			order := make([]string, 0, len(p.Assets))
			for _, a := range p.Assets {
				order = append(order, a.Symbol)
			}
			assert.Equal(t, tt.wantOrder, order)
			assert.True(t, p.TotalValue.Equal(d(tt.wantTotal)), "total = %s", p.TotalValue)
			for symbol, want := range tt.wantPercent {
				a, ok := p.Asset(symbol)
				require.True(t, ok, symbol)
				assert.Equal(t, want, a.Percentage.StringFixed(2), symbol)
			}
		})
	}
}

func TestValuateNilLookup(t *testing.T) {
	p := Valuate(types.BalanceSnapshot{NativeAmount: d("3")}, nil)

	require.Len(t, p.Assets, 1)
	assert.True(t, p.TotalValue.IsZero())
}
