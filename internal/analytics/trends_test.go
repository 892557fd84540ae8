package analytics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remit-analytics/internal/types"
)

func TestTrendsFillsGaps(t *testing.T) {
	now := time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)
	txs := []types.Transaction{
		tx("in", "X", viewer, "4", usd("1"), now.Add(-2*time.Hour)),
		tx("out", viewer, "X", "8", usd("2"), now.AddDate(0, 0, -6)),
		tx("old", viewer, "X", "8", usd("100"), now.AddDate(0, 0, -20)),
	}

	points := Trends(txs, viewer, now, TrendDays)

	require.Len(t, points, 7)
	assert.Equal(t, "2024-03-10", points[0].Date)
	assert.Equal(t, "2024-03-16", points[6].Date)
	assertDecimal(t, "2", points[0].Sent)
	assertDecimal(t, "1", points[6].Received)
	assertDecimal(t, "1", points[6].Volume)
	for _, p := range points[1:6] {
		assertDecimal(t, "0", p.Volume, p.Date)
	}
}

func TestWeeklyGrowth(t *testing.T) {
	mk := func(vols ...int64) []TrendPoint {
		out := make([]TrendPoint, len(vols))
		for i, v := range vols {
			out[i] = TrendPoint{Volume: decimal.NewFromInt(v)}
		}
		return out
	}

	tests := []struct {
		name   string
		trends []TrendPoint
		want   string
	}{
		{name: "doubling", trends: mk(1, 1, 1, 50, 2, 2, 2), want: "100"},
		{name: "halving", trends: mk(2, 2, 2, 0, 1, 1, 1), want: "-50"},
		{name: "zero base", trends: mk(0, 0, 0, 0, 5, 5, 5), want: "0"},
		{name: "short window", trends: mk(1, 2), want: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertDecimal(t, tt.want, WeeklyGrowth(tt.trends))
		})
	}
}

func TestRecentActivityAndToday(t *testing.T) {
	now := time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)
	txs := []types.Transaction{
		tx("c", "X", viewer, "3", nil, now.Add(-time.Hour)),
		tx("b", viewer, "X", "2", nil, now.Add(-2*time.Hour)),
		tx("a", viewer, "X", "1", nil, now.AddDate(0, 0, -1)),
	}

	items := RecentActivity(txs, viewer, 2)
	require.Len(t, items, 2)
	assert.Equal(t, "received", items[0].Type)
	assert.Equal(t, types.DirectionIn, items[0].Direction)
	assert.Equal(t, "sent", items[1].Type)
	assert.Equal(t, now.Add(-2*time.Hour).UnixMilli(), items[1].Timestamp)

	assert.Equal(t, 2, TodayCount(txs, now))
}

func TestSummarize(t *testing.T) {
	now := time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)
	txs := []types.Transaction{
		tx("b", "X", viewer, "10", usd("2.5"), now.Add(-time.Hour)),
		tx("a", viewer, "X", "5", usd("1.25"), now.Add(-2*time.Hour)),
	}
	stats := Aggregate(txs, viewer)
	portfolio := types.Portfolio{
		Assets: []types.AssetValue{
			{Symbol: "USDC", Amount: decimal.NewFromInt(50), USDValue: decimal.NewFromInt(50)},
			{Symbol: types.NativeSymbol, Amount: decimal.NewFromInt(100), USDValue: decimal.NewFromInt(25)},
		},
		TotalValue: decimal.NewFromInt(75),
	}

	summary := Summarize(stats, portfolio, txs, viewer, now)

	assert.Equal(t, viewer, summary.Address)
	assertDecimal(t, "75", summary.TotalBalance)
	assertDecimal(t, "100", summary.NativeBalance)
	assertDecimal(t, "3.75", summary.MonthlyVolume)
	assert.Equal(t, 2, summary.TotalTransactions)
	assert.Equal(t, 2, summary.TodayTransactions)
	assert.Len(t, summary.TopAssets, 2)
	assert.Len(t, summary.RecentActivity, 2)
	assert.Len(t, summary.TransactionTrends, TrendDays)
}
