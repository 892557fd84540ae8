package poller

import "github.com/remit-analytics/internal/types"

// detectNovelty compares a newest-first transaction list with the baseline in
// state, then moves the baseline to txs. It returns nil on the first poll and
// whenever nothing new was seen. An empty list leaves the baseline alone.
func detectNovelty(state *types.PollState, txs []types.Transaction) *types.NewActivityEvent {
	if len(txs) == 0 {
		return nil
	}

	var event types.NewActivityEvent
	fired := false

	if state.LastSeenCount > 0 && len(txs) > state.LastSeenCount {
		event.NewCount = len(txs) - state.LastSeenCount
		fired = true
	}

	if state.LastSeenID != nil && txs[0].ID != *state.LastSeenID {
		latest := txs[0]
		event.LatestTransaction = &latest
		fired = true
	}

	id := txs[0].ID
	state.LastSeenID = &id
	state.LastSeenCount = len(txs)

	if !fired {
		return nil
	}
	return &event
}
