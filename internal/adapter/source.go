package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/remit-analytics/internal/types"
)

// Source is the transaction source consumed by the analytics core.
// Both calls return a SOURCE_UNAVAILABLE error when the backend cannot be
// reached; callers keep their last-known data.
type Source interface {
	// FetchTransactions returns the decoded transactions of address that
	// satisfy filters, newest first
	FetchTransactions(ctx context.Context, address string, filters types.Filters) ([]types.Transaction, error)

	// FetchBalance returns a point-in-time balance of address
	FetchBalance(ctx context.Context, address string) (types.BalanceSnapshot, error)
}

// TransactionSource is the transaction half of a Source, implemented on its
// own by offline stores such as the archive
type TransactionSource interface {
	FetchTransactions(ctx context.Context, address string, filters types.Filters) ([]types.Transaction, error)
}

// SplitSource reads transactions from one backend and balances from another
type SplitSource struct {
	Transactions TransactionSource
	Balances     Source
}

func (s SplitSource) FetchTransactions(ctx context.Context, address string, filters types.Filters) ([]types.Transaction, error) {
	return s.Transactions.FetchTransactions(ctx, address, filters)
}

func (s SplitSource) FetchBalance(ctx context.Context, address string) (types.BalanceSnapshot, error) {
	return s.Balances.FetchBalance(ctx, address)
}

var (
	ErrInvalidTransaction  = errors.New("invalid transaction format")
	ErrProviderUnavailable = errors.New("data provider unavailable")
	ErrProviderRateLimit   = errors.New("provider rate limit exceeded")
	ErrProviderTimeout     = errors.New("provider request timeout")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAssetNotFound       = errors.New("asset not found")
)

// FetchError records which call against which network failed
type FetchError struct {
	Network string
	Op      string
	Err     error
	Params  map[string]interface{}
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v", e.Network, e.Op, e.Err)
	if len(e.Params) > 0 {
		keys := make([]string, 0, len(e.Params))
		for k := range e.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Params[k])
		}
	}
	return b.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func newFetchError(network, op string, err error, params map[string]interface{}) *FetchError {
	return &FetchError{Network: network, Op: op, Err: err, Params: params}
}
