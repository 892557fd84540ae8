package adapter

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	apperrors "github.com/remit-analytics/internal/errors"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/metrics"
	"github.com/remit-analytics/internal/types"
	"github.com/remit-analytics/internal/valuation"
)

// Indexer transaction discriminants
const (
	rawTypePayment         = "pay"
	rawTypeAssetTransfer   = "axfer"
	rawTypeApplicationCall = "appl"
)

// microAlgosPerAlgo converts payment amounts and fees
var microAlgosPerAlgo = decimal.New(1, 6)

// indexerTransactionsResponse is the body of GET /v2/accounts/{address}/transactions
type indexerTransactionsResponse struct {
	Transactions []rawTransaction `json:"transactions"`
	CurrentRound uint64           `json:"current-round"`
	NextToken    string           `json:"next-token,omitempty"`
}

// rawTransaction is an indexer transaction. Exactly one payload object is
// present, selected by TxType.
type rawTransaction struct {
	ID             string  `json:"id"`
	TxType         string  `json:"tx-type"`
	Sender         string  `json:"sender"`
	Fee            uint64  `json:"fee"`
	RoundTime      int64   `json:"round-time"`
	ConfirmedRound *uint64 `json:"confirmed-round,omitempty"`
	Note           string  `json:"note,omitempty"`
	Group          string  `json:"group,omitempty"`

	Payment         *rawPayment         `json:"payment-transaction,omitempty"`
	AssetTransfer   *rawAssetTransfer   `json:"asset-transfer-transaction,omitempty"`
	ApplicationCall *rawApplicationCall `json:"application-transaction,omitempty"`
}

type rawPayment struct {
	Amount   uint64 `json:"amount"`
	Receiver string `json:"receiver"`
}

type rawAssetTransfer struct {
	Amount   uint64 `json:"amount"`
	AssetID  uint64 `json:"asset-id"`
	Receiver string `json:"receiver"`
}

type rawApplicationCall struct {
	ApplicationID uint64 `json:"application-id"`
}

// algodAccount is the body of GET /v2/accounts/{address}
type algodAccount struct {
	Address string              `json:"address"`
	Amount  uint64              `json:"amount"`
	Assets  []algodAssetHolding `json:"assets"`
}

type algodAssetHolding struct {
	AssetID uint64 `json:"asset-id"`
	Amount  uint64 `json:"amount"`
}

// algodAsset is the body of GET /v2/assets/{id}
type algodAsset struct {
	Index  uint64      `json:"index"`
	Params AssetParams `json:"params"`
}

// AssetParams are the ledger parameters of a standard asset
type AssetParams struct {
	Decimals uint32 `json:"decimals"`
	UnitName string `json:"unit-name"`
	Name     string `json:"name"`
}

// syntheticSymbol names an asset whose parameters could not be read
func syntheticSymbol(assetID uint64) string {
	return "ASA-" + strconv.FormatUint(assetID, 10)
}

// symbolFor returns the display symbol for an asset, falling back to the
// synthetic name when the unit name is unknown
func symbolFor(assetID uint64, params *AssetParams) string {
	if params == nil || params.UnitName == "" {
		return syntheticSymbol(assetID)
	}
	return params.UnitName
}

// scaleAssetAmount converts base units to whole units when decimals are known
func scaleAssetAmount(amount uint64, params *AssetParams) decimal.Decimal {
	d := decimal.NewFromUint64(amount)
	if params == nil || params.Decimals == 0 {
		return d
	}
	return d.Shift(-int32(params.Decimals))
}

func microToWhole(amount uint64) decimal.Decimal {
	return decimal.NewFromUint64(amount).Div(microAlgosPerAlgo)
}

// decoder converts raw indexer records to transactions. Field-level decode
// failures are recovered here and never reach the caller.
type decoder struct {
	assets map[uint64]*AssetParams
	prices valuation.PriceLookup
	logger *logging.Logger
}

// recovered records a decode failure that was replaced by a default
func (d *decoder) recovered(txID, field string, cause error) {
	metrics.SourceDecodeErrors.WithLabelValues(field).Inc()
	d.logger.WithFields(map[string]interface{}{
		"txId":  txID,
		"field": field,
	}).WithError(apperrors.NewDecodeError(field, cause)).Debug("Recovered malformed transaction field")
}

// decode converts one raw transaction. It returns false for records that
// carry an unknown discriminant or lack the payload their type requires.
func (d *decoder) decode(raw rawTransaction) (types.Transaction, bool) {
	tx := types.Transaction{
		ID:             raw.ID,
		Sender:         raw.Sender,
		Currency:       types.NativeSymbol,
		Amount:         decimal.Zero,
		Fee:            microToWhole(raw.Fee),
		Timestamp:      time.Unix(raw.RoundTime, 0).UTC(),
		ConfirmedRound: raw.ConfirmedRound,
		Note:           d.decodeNote(raw),
	}

	switch raw.TxType {
	case rawTypePayment:
		if raw.Payment == nil {
			d.skip(raw, "missing payment payload")
			return types.Transaction{}, false
		}
		tx.Type = types.TxTypePayment
		tx.Receiver = raw.Payment.Receiver
		tx.Amount = microToWhole(raw.Payment.Amount)

	case rawTypeAssetTransfer:
		if raw.AssetTransfer == nil {
			d.skip(raw, "missing asset transfer payload")
			return types.Transaction{}, false
		}
		assetID := raw.AssetTransfer.AssetID
		params := d.assets[assetID]
		if params == nil {
			d.recovered(raw.ID, "asset-params", fmt.Errorf("%w: %d", ErrAssetNotFound, assetID))
		}
		tx.Type = types.TxTypeAssetTransfer
		tx.Receiver = raw.AssetTransfer.Receiver
		tx.AssetID = &assetID
		tx.Currency = symbolFor(assetID, params)
		tx.Amount = scaleAssetAmount(raw.AssetTransfer.Amount, params)

	case rawTypeApplicationCall:
		tx.Type = types.TxTypeApplicationCall

	default:
		d.skip(raw, "unknown transaction type")
		return types.Transaction{}, false
	}

	if d.prices != nil {
		if rate := d.prices(tx.Currency); rate.IsPositive() {
			usd := tx.Amount.Mul(rate)
			tx.USDValue = &usd
		}
	}

	return tx, true
}

func (d *decoder) skip(raw rawTransaction, reason string) {
	d.logger.WithFields(map[string]interface{}{
		"txId":   raw.ID,
		"txType": raw.TxType,
	}).Warn("Skipping transaction: " + reason)
}

// decodeNote returns the UTF-8 note, or nil when it is absent or malformed
func (d *decoder) decodeNote(raw rawTransaction) *string {
	if raw.Note == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(raw.Note)
	if err != nil {
		d.recovered(raw.ID, "note", err)
		return nil
	}
	if !utf8.Valid(b) {
		d.recovered(raw.ID, "note", fmt.Errorf("note is not valid UTF-8"))
		return nil
	}
	note := string(b)
	return &note
}

// classifySwaps marks atomic groups in which viewer both sends and receives
func classifySwaps(raws []rawTransaction, txs []types.Transaction, viewer string) {
	type side struct{ sent, received bool }
	groups := make(map[string]*side)
	for i, raw := range raws {
		if raw.Group == "" {
			continue
		}
		s, ok := groups[raw.Group]
		if !ok {
			s = &side{}
			groups[raw.Group] = s
		}
		if txs[i].Sender == viewer {
			s.sent = true
		}
		if txs[i].IsReceivedBy(viewer) {
			s.received = true
		}
	}

	swap := types.KindSwap
	for i, raw := range raws {
		if s := groups[raw.Group]; s != nil && s.sent && s.received {
			txs[i].Classification = &swap
		}
	}
}

// assetIDs returns the distinct asset ids referenced by raws
func assetIDs(raws []rawTransaction) []uint64 {
	seen := make(map[uint64]struct{})
	var ids []uint64
	for _, raw := range raws {
		if raw.TxType != rawTypeAssetTransfer || raw.AssetTransfer == nil {
			continue
		}
		if _, ok := seen[raw.AssetTransfer.AssetID]; ok {
			continue
		}
		seen[raw.AssetTransfer.AssetID] = struct{}{}
		ids = append(ids, raw.AssetTransfer.AssetID)
	}
	return ids
}

// decodeTransactions converts a page of raw records for viewer, keeping only
// those that satisfy filters, newest first
func (d *decoder) decodeTransactions(raws []rawTransaction, viewer string, filters types.Filters) []types.Transaction {
	decodedRaws := make([]rawTransaction, 0, len(raws))
	txs := make([]types.Transaction, 0, len(raws))
	for _, raw := range raws {
		tx, ok := d.decode(raw)
		if !ok {
			continue
		}
		decodedRaws = append(decodedRaws, raw)
		txs = append(txs, tx)
	}

	classifySwaps(decodedRaws, txs, viewer)

	out := txs[:0]
	for i := range txs {
		if filters.Matches(&txs[i]) {
			out = append(out, txs[i])
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
