// Package types provides common type definitions for the wallet analytics engine.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NativeSymbol is the symbol of the ledger's native asset
const NativeSymbol = "ALGO"

// TxType represents the payload kind of a ledger transaction
type TxType string

const (
	// TxTypePayment represents a native asset payment
	TxTypePayment TxType = "payment"
	// TxTypeAssetTransfer represents a transfer of a standard asset
	TxTypeAssetTransfer TxType = "asset-transfer"
	// TxTypeApplicationCall represents a smart contract call
	TxTypeApplicationCall TxType = "application-call"
)

// ActivityKind classifies a transaction from the viewer's perspective
type ActivityKind string

const (
	// KindSend represents value leaving the viewer's wallet
	KindSend ActivityKind = "send"
	// KindReceive represents value arriving in the viewer's wallet
	KindReceive ActivityKind = "receive"
	// KindSwap represents an exchange between assets, as classified by the source
	KindSwap ActivityKind = "swap"
)

// TxStatus represents transaction finality
type TxStatus string

const (
	// StatusConfirmed represents a transaction with a finality marker
	StatusConfirmed TxStatus = "confirmed"
	// StatusPending represents a transaction not yet included in a round
	StatusPending TxStatus = "pending"
)

// TransactionDirection represents whether a transaction is incoming or outgoing
type TransactionDirection string

const (
	// DirectionIn represents an incoming transaction (viewer is receiver)
	DirectionIn TransactionDirection = "in"
	// DirectionOut represents an outgoing transaction (viewer is not receiver)
	DirectionOut TransactionDirection = "out"
)

// DayLayout is the layout of daily bucket keys
const DayLayout = "2006-01-02"

// DayKey truncates t to its UTC calendar day
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// Transaction is a decoded ledger transaction. Once observed it is never mutated.
type Transaction struct {
	ID             string           `json:"id"`
	Type           TxType           `json:"type"`
	Sender         string           `json:"sender"`
	Receiver       string           `json:"receiver,omitempty"`
	Amount         decimal.Decimal  `json:"amount"`
	Currency       string           `json:"currency"`
	AssetID        *uint64          `json:"assetId,omitempty"`
	Fee            decimal.Decimal  `json:"fee"`
	Note           *string          `json:"note,omitempty"`
	Timestamp      time.Time        `json:"-"`
	ConfirmedRound *uint64          `json:"round,omitempty"`
	USDValue       *decimal.Decimal `json:"usdValue,omitempty"`
	Classification *ActivityKind    `json:"classification,omitempty"`
}

// Status derives finality from the confirmed round
func (t *Transaction) Status() TxStatus {
	if t.ConfirmedRound == nil {
		return StatusPending
	}
	return StatusConfirmed
}

// IsReceivedBy reports whether viewer is the receiver of the transaction
func (t *Transaction) IsReceivedBy(viewer string) bool {
	return t.Receiver != "" && t.Receiver == viewer
}

// Direction returns the direction of the transaction relative to viewer
func (t *Transaction) Direction(viewer string) TransactionDirection {
	if t.IsReceivedBy(viewer) {
		return DirectionIn
	}
	return DirectionOut
}

// Counterparty returns the other side of the transaction relative to viewer
func (t *Transaction) Counterparty(viewer string) string {
	if t.IsReceivedBy(viewer) {
		return t.Sender
	}
	return t.Receiver
}

// USDOrZero returns the derived USD value, or zero when no rate was available
func (t *Transaction) USDOrZero() decimal.Decimal {
	if t.USDValue == nil {
		return decimal.Zero
	}
	return *t.USDValue
}

// IsSwap reports whether the source classified the transaction as a swap
func (t *Transaction) IsSwap() bool {
	return t.Classification != nil && *t.Classification == KindSwap
}

// TimestampMillis returns the finalization time in milliseconds since epoch
func (t *Transaction) TimestampMillis() int64 {
	return t.Timestamp.UnixMilli()
}

// TimeRange is a relative lookback window
type TimeRange string

const (
	Range7d  TimeRange = "7d"
	Range30d TimeRange = "30d"
	Range90d TimeRange = "90d"
	Range1y  TimeRange = "1y"
)

// Duration returns the lookback length; unknown ranges fall back to 30 days
func (r TimeRange) Duration() time.Duration {
	day := 24 * time.Hour
	switch r {
	case Range7d:
		return 7 * day
	case Range90d:
		return 90 * day
	case Range1y:
		return 365 * day
	default:
		return 30 * day
	}
}

// ParseTimeRange parses a range string such as "7d"
func ParseTimeRange(s string) (TimeRange, error) {
	switch r := TimeRange(strings.ToLower(strings.TrimSpace(s))); r {
	case Range7d, Range30d, Range90d, Range1y:
		return r, nil
	case "":
		return Range30d, nil
	default:
		return "", fmt.Errorf("unsupported time range %q", s)
	}
}

// Filters narrows a transaction fetch
type Filters struct {
	AfterTime  *time.Time       `json:"afterTime,omitempty"`
	BeforeTime *time.Time       `json:"beforeTime,omitempty"`
	MinAmount  *decimal.Decimal `json:"minAmount,omitempty"`
	MaxAmount  *decimal.Decimal `json:"maxAmount,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Range      TimeRange        `json:"range,omitempty"`
}

// Validate checks the filter bounds are coherent
func (f Filters) Validate() error {
	if f.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	if f.AfterTime != nil && f.BeforeTime != nil && f.AfterTime.After(*f.BeforeTime) {
		return fmt.Errorf("afterTime must not be later than beforeTime")
	}
	if f.MinAmount != nil && f.MinAmount.IsNegative() {
		return fmt.Errorf("minAmount cannot be negative")
	}
	if f.MinAmount != nil && f.MaxAmount != nil && f.MinAmount.GreaterThan(*f.MaxAmount) {
		return fmt.Errorf("minAmount must not exceed maxAmount")
	}
	return nil
}

// Resolve turns a relative range into an absolute AfterTime using now.
// An explicit AfterTime always wins.
func (f Filters) Resolve(now time.Time) Filters {
	if f.AfterTime != nil || f.Range == "" {
		return f
	}
	after := now.Add(-f.Range.Duration())
	f.AfterTime = &after
	return f
}

// Matches reports whether tx satisfies the filter bounds
func (f Filters) Matches(tx *Transaction) bool {
	if f.AfterTime != nil && tx.Timestamp.Before(*f.AfterTime) {
		return false
	}
	if f.BeforeTime != nil && tx.Timestamp.After(*f.BeforeTime) {
		return false
	}
	if f.MinAmount != nil && tx.Amount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && tx.Amount.GreaterThan(*f.MaxAmount) {
		return false
	}
	return true
}

// Holding is a non-native asset position
type Holding struct {
	AssetSymbol string          `json:"assetSymbol"`
	AssetID     uint64          `json:"assetId,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// BalanceSnapshot is a point-in-time balance read. It is superseded on every fetch.
type BalanceSnapshot struct {
	NativeSymbol string          `json:"nativeSymbol"`
	NativeAmount decimal.Decimal `json:"nativeAmount"`
	Holdings     []Holding       `json:"holdings"`
	FetchedAt    time.Time       `json:"fetchedAt"`
}

// DailyBucket accumulates USD volume and count for one calendar day
type DailyBucket struct {
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

// AggregateStats is derived fresh from a transaction window
type AggregateStats struct {
	TotalSent         decimal.Decimal        `json:"totalSent"`
	TotalReceived     decimal.Decimal        `json:"totalReceived"`
	TotalTransactions int                    `json:"totalTransactions"`
	ByDay             map[string]DailyBucket `json:"byDay"`
	ByKind            map[ActivityKind]int   `json:"byKind"`
}

// AssetValue is one valued position of a portfolio
type AssetValue struct {
	Symbol     string          `json:"symbol"`
	Amount     decimal.Decimal `json:"amount"`
	USDValue   decimal.Decimal `json:"usdValue"`
	Percentage decimal.Decimal `json:"percentage"`
}

// Portfolio is a valued balance snapshot. Assets are ordered by USD value descending.
type Portfolio struct {
	Assets      []AssetValue    `json:"assets"`
	TotalValue  decimal.Decimal `json:"totalValue"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Asset returns the position for symbol
func (p *Portfolio) Asset(symbol string) (AssetValue, bool) {
	for _, a := range p.Assets {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return AssetValue{}, false
}

// BySymbol returns the positions keyed by symbol
func (p *Portfolio) BySymbol() map[string]AssetValue {
	out := make(map[string]AssetValue, len(p.Assets))
	for _, a := range p.Assets {
		out[a.Symbol] = a
	}
	return out
}

// NewActivityEvent reports transactions observed for the first time
type NewActivityEvent struct {
	NewCount          int          `json:"newCount"`
	LatestTransaction *Transaction `json:"latestTransaction,omitempty"`
}

// PollState is the novelty baseline owned by one live subscription
type PollState struct {
	LastSeenID    *string `json:"lastSeenId,omitempty"`
	LastSeenCount int     `json:"lastSeenCount"`
	IsLive        bool    `json:"isLive"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
