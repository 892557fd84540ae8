package analytics

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/remit-analytics/internal/types"
)

const (
	// TrendDays is the length of the dashboard trend window
	TrendDays = 7
	// TopAssetCount is the number of positions shown in a summary
	TopAssetCount = 5
	// RecentActivityCount is the number of transactions shown in a summary
	RecentActivityCount = 10
)

// TrendPoint is the USD flow of one UTC day
type TrendPoint struct {
	Date     string          `json:"date"`
	Sent     decimal.Decimal `json:"sent"`
	Received decimal.Decimal `json:"received"`
	Volume   decimal.Decimal `json:"volume"`
}

// ActivityItem is a condensed view of one transaction
type ActivityItem struct {
	ID        string                     `json:"id"`
	Direction types.TransactionDirection `json:"direction"`
	Type      string                     `json:"type"` // sent or received
	Amount    decimal.Decimal            `json:"amount"`
	Currency  string                     `json:"currency"`
	Timestamp int64                      `json:"timestamp"`
}

// LiveAnalytics is the dashboard summary of one wallet
type LiveAnalytics struct {
	Address           string             `json:"address"`
	TotalBalance      decimal.Decimal    `json:"totalBalance"`
	NativeBalance     decimal.Decimal    `json:"algoBalance"`
	TotalTransactions int                `json:"totalTransactions"`
	TotalSent         decimal.Decimal    `json:"totalSent"`
	TotalReceived     decimal.Decimal    `json:"totalReceived"`
	TodayTransactions int                `json:"todayTransactions"`
	WeeklyGrowth      decimal.Decimal    `json:"weeklyGrowth"`
	MonthlyVolume     decimal.Decimal    `json:"monthlyVolume"`
	TopAssets         []types.AssetValue `json:"topAssets"`
	RecentActivity    []ActivityItem     `json:"recentActivity"`
	TransactionTrends []TrendPoint       `json:"transactionTrends"`
	GeneratedAt       time.Time          `json:"generatedAt"`
}

// Trends returns one point per UTC day for the `days` days ending at now,
// oldest first. Days without activity are filled with zeros.
func Trends(txs []types.Transaction, viewer string, now time.Time, days int) []TrendPoint {
	if days <= 0 {
		return []TrendPoint{}
	}

	today := now.UTC().Truncate(24 * time.Hour)
	points := make([]TrendPoint, days)
	index := make(map[string]int, days)
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, i-days+1)
		key := day.Format(types.DayLayout)
		points[i] = TrendPoint{Date: key, Sent: decimal.Zero, Received: decimal.Zero, Volume: decimal.Zero}
		index[key] = i
	}

	for _, tx := range Dedupe(txs) {
		i, ok := index[types.DayKey(tx.Timestamp)]
		if !ok {
			continue
		}
		usd := tx.USDOrZero()
		if tx.IsReceivedBy(viewer) {
			points[i].Received = points[i].Received.Add(usd)
		} else {
			points[i].Sent = points[i].Sent.Add(usd)
		}
		points[i].Volume = points[i].Volume.Add(usd)
	}

	return points
}

// WeeklyGrowth compares the volume of the last three days of a seven day
// trend with the first three, in percent. A zero base yields zero.
func WeeklyGrowth(trends []TrendPoint) decimal.Decimal {
	if len(trends) < TrendDays {
		return decimal.Zero
	}
	base := decimal.Zero
	for _, p := range trends[:3] {
		base = base.Add(p.Volume)
	}
	recent := decimal.Zero
	for _, p := range trends[4:7] {
		recent = recent.Add(p.Volume)
	}
	if !base.IsPositive() {
		return decimal.Zero
	}
	return recent.Sub(base).Div(base).Mul(decimal.NewFromInt(100))
}

// TodayCount counts transactions finalized on now's UTC day
func TodayCount(txs []types.Transaction, now time.Time) int {
	today := types.DayKey(now)
	n := 0
	for _, tx := range Dedupe(txs) {
		if types.DayKey(tx.Timestamp) == today {
			n++
		}
	}
	return n
}

// RecentActivity condenses the first n transactions of a newest-first list
func RecentActivity(txs []types.Transaction, viewer string, n int) []ActivityItem {
	txs = Dedupe(txs)
	if n < len(txs) {
		txs = txs[:n]
	}
	items := make([]ActivityItem, 0, len(txs))
	for _, tx := range txs {
		dir := tx.Direction(viewer)
		label := "sent"
		if dir == types.DirectionIn {
			label = "received"
		}
		items = append(items, ActivityItem{
			ID:        tx.ID,
			Direction: dir,
			Type:      label,
			Amount:    tx.Amount,
			Currency:  tx.Currency,
			Timestamp: tx.TimestampMillis(),
		})
	}
	return items
}

// Summarize builds the dashboard view from already aggregated statistics,
// a valued portfolio and the newest-first transaction window.
func Summarize(stats types.AggregateStats, portfolio types.Portfolio, txs []types.Transaction, viewer string, now time.Time) LiveAnalytics {
	trends := Trends(txs, viewer, now, TrendDays)

	native := decimal.Zero
	if a, ok := portfolio.Asset(types.NativeSymbol); ok {
		native = a.Amount
	}

	top := portfolio.Assets
	if len(top) > TopAssetCount {
		top = top[:TopAssetCount]
	}
	topCopy := make([]types.AssetValue, len(top))
	copy(topCopy, top)

	return LiveAnalytics{
		Address:           viewer,
		TotalBalance:      portfolio.TotalValue,
		NativeBalance:     native,
		TotalTransactions: stats.TotalTransactions,
		TotalSent:         stats.TotalSent,
		TotalReceived:     stats.TotalReceived,
		TodayTransactions: TodayCount(txs, now),
		WeeklyGrowth:      WeeklyGrowth(trends),
		MonthlyVolume:     stats.TotalSent.Add(stats.TotalReceived),
		TopAssets:         topCopy,
		RecentActivity:    RecentActivity(txs, viewer, RecentActivityCount),
		TransactionTrends: trends,
		GeneratedAt:       now,
	}
}
