// Package analytics folds wallet transaction windows into statistics.
// Every function here is pure: time enters only as an argument.
package analytics

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/remit-analytics/internal/types"
)

// Aggregate folds txs into statistics from viewer's perspective.
//
// A transaction whose receiver is viewer counts as received, anything else as
// sent. Source-classified swaps are counted under byKind "swap" instead of
// send/receive, but their USD value still lands in the sent or received total.
// Transactions sharing an ID are aggregated once (first occurrence wins).
func Aggregate(txs []types.Transaction, viewer string) types.AggregateStats {
	stats := types.AggregateStats{
		TotalSent:     decimal.Zero,
		TotalReceived: decimal.Zero,
		ByDay:         make(map[string]types.DailyBucket),
		ByKind:        make(map[types.ActivityKind]int),
	}

	for _, tx := range Dedupe(txs) {
		usd := tx.USDOrZero()
		received := tx.IsReceivedBy(viewer)

		if received {
			stats.TotalReceived = stats.TotalReceived.Add(usd)
		} else {
			stats.TotalSent = stats.TotalSent.Add(usd)
		}

		switch {
		case tx.IsSwap():
			stats.ByKind[types.KindSwap]++
		case received:
			stats.ByKind[types.KindReceive]++
		default:
			stats.ByKind[types.KindSend]++
		}

		day := types.DayKey(tx.Timestamp)
		bucket, ok := stats.ByDay[day]
		if !ok {
			bucket.Amount = decimal.Zero
		}
		bucket.Amount = bucket.Amount.Add(usd)
		bucket.Count++
		stats.ByDay[day] = bucket

		stats.TotalTransactions++
	}

	return stats
}

// Dedupe drops repeated transaction IDs, keeping the first occurrence.
// The input slice is not modified.
func Dedupe(txs []types.Transaction) []types.Transaction {
	seen := make(map[string]struct{}, len(txs))
	out := make([]types.Transaction, 0, len(txs))
	for _, tx := range txs {
		if _, dup := seen[tx.ID]; dup {
			continue
		}
		seen[tx.ID] = struct{}{}
		out = append(out, tx)
	}
	return out
}

// SortNewestFirst orders txs by timestamp descending, ties broken by ID descending
func SortNewestFirst(txs []types.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].Timestamp.After(txs[j].Timestamp)
		}
		return txs[i].ID > txs[j].ID
	})
}

// SortedDays returns the keys of byDay in ascending date order
func SortedDays(byDay map[string]types.DailyBucket) []string {
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)
	return days
}
