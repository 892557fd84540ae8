package adapter

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/types"
	"github.com/remit-analytics/internal/valuation"
)

var (
	walletA = EncodeAddress([32]byte{1})
	walletB = EncodeAddress([32]byte{2})
	pool    = EncodeAddress([32]byte{3})
)

func u64(v uint64) *uint64 { return &v }

func testPrices() valuation.PriceLookup {
	return valuation.StaticLookup(map[string]decimal.Decimal{
		"ALGO": decimal.RequireFromString("0.25"),
		"USDC": decimal.NewFromInt(1),
	})
}

func newTestDecoder(assets map[uint64]*AssetParams) *decoder {
	return &decoder{assets: assets, prices: testPrices(), logger: logging.NewNop()}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got.String())
}

func TestDecode_Payment(t *testing.T) {
	d := newTestDecoder(nil)
	raw := rawTransaction{
		ID:             "TX1",
		TxType:         "pay",
		Sender:         walletA,
		Fee:            1000,
		RoundTime:      1710072000,
		ConfirmedRound: u64(100),
		Note:           base64.StdEncoding.EncodeToString([]byte("rent march")),
		Payment:        &rawPayment{Amount: 12_500_000, Receiver: walletB},
	}

	tx, ok := d.decode(raw)
	require.True(t, ok)

	assert.Equal(t, types.TxTypePayment, tx.Type)
	assert.Equal(t, walletB, tx.Receiver)
	assert.Equal(t, "ALGO", tx.Currency)
	assertDecimal(t, "12.5", tx.Amount)
	assertDecimal(t, "0.001", tx.Fee)
	assert.Equal(t, time.Unix(1710072000, 0).UTC(), tx.Timestamp)
	assert.Equal(t, types.StatusConfirmed, tx.Status())
	require.NotNil(t, tx.Note)
	assert.Equal(t, "rent march", *tx.Note)
	require.NotNil(t, tx.USDValue)
	assertDecimal(t, "3.125", *tx.USDValue)
	assert.Nil(t, tx.AssetID)
}

func TestDecode_AssetTransfer(t *testing.T) {
	d := newTestDecoder(map[uint64]*AssetParams{
		31566704: {Decimals: 6, UnitName: "USDC", Name: "USDC"},
	})

	tx, ok := d.decode(rawTransaction{
		ID:            "TX2",
		TxType:        "axfer",
		Sender:        walletB,
		RoundTime:     1710072000,
		AssetTransfer: &rawAssetTransfer{Amount: 50_000_000, AssetID: 31566704, Receiver: walletA},
	})
	require.True(t, ok)

	assert.Equal(t, types.TxTypeAssetTransfer, tx.Type)
	assert.Equal(t, "USDC", tx.Currency)
	require.NotNil(t, tx.AssetID)
	assert.Equal(t, uint64(31566704), *tx.AssetID)
	assertDecimal(t, "50", tx.Amount)
	require.NotNil(t, tx.USDValue)
	assertDecimal(t, "50", *tx.USDValue)
	assert.Equal(t, types.StatusPending, tx.Status())
}

func TestDecode_AssetTransferUnknownParams(t *testing.T) {
	d := newTestDecoder(nil)

	tx, ok := d.decode(rawTransaction{
		ID:            "TX3",
		TxType:        "axfer",
		Sender:        walletB,
		AssetTransfer: &rawAssetTransfer{Amount: 42, AssetID: 777, Receiver: walletA},
	})
	require.True(t, ok)

	assert.Equal(t, "ASA-777", tx.Currency)
	assertDecimal(t, "42", tx.Amount)
	assert.Nil(t, tx.USDValue, "no rate means no USD value")
}

func TestDecode_ApplicationCall(t *testing.T) {
	d := newTestDecoder(nil)

	tx, ok := d.decode(rawTransaction{
		ID:              "TX4",
		TxType:          "appl",
		Sender:          walletA,
		Fee:             2000,
		ApplicationCall: &rawApplicationCall{ApplicationID: 1234},
	})
	require.True(t, ok)

	assert.Equal(t, types.TxTypeApplicationCall, tx.Type)
	assert.True(t, tx.Amount.IsZero())
	assert.Empty(t, tx.Receiver)
	assertDecimal(t, "0.002", tx.Fee)
}

func TestDecode_Skipped(t *testing.T) {
	d := newTestDecoder(nil)

	tests := []struct {
		name string
		raw  rawTransaction
	}{
		{"unknown type", rawTransaction{ID: "X", TxType: "keyreg"}},
		{"payment without payload", rawTransaction{ID: "Y", TxType: "pay"}},
		{"asset transfer without payload", rawTransaction{ID: "Z", TxType: "axfer"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := d.decode(tt.raw)
			assert.False(t, ok)
		})
	}
}

func TestDecode_MalformedNote(t *testing.T) {
	d := newTestDecoder(nil)

	tests := []struct {
		name string
		note string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"not utf8", base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0xfd})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, ok := d.decode(rawTransaction{
				ID:      "N",
				TxType:  "pay",
				Note:    tt.note,
				Payment: &rawPayment{Amount: 1, Receiver: walletB},
			})
			require.True(t, ok, "a bad note never drops the transaction")
			assert.Nil(t, tx.Note)
		})
	}
}

func TestDecodeTransactions_SwapsFiltersAndOrder(t *testing.T) {
	d := newTestDecoder(map[uint64]*AssetParams{
		31566704: {Decimals: 6, UnitName: "USDC"},
	})

	raws := []rawTransaction{
		{ID: "OLD", TxType: "pay", Sender: walletB, RoundTime: 1000, Payment: &rawPayment{Amount: 1_000_000, Receiver: walletA}},
		{ID: "SWAP-OUT", TxType: "pay", Sender: walletA, RoundTime: 3000, Group: "g1", Payment: &rawPayment{Amount: 4_000_000, Receiver: pool}},
		{ID: "SWAP-IN", TxType: "axfer", Sender: pool, RoundTime: 3000, Group: "g1", AssetTransfer: &rawAssetTransfer{Amount: 1_000_000, AssetID: 31566704, Receiver: walletA}},
		{ID: "GROUPED-SEND", TxType: "pay", Sender: walletA, RoundTime: 2000, Group: "g2", Payment: &rawPayment{Amount: 2_000_000, Receiver: walletB}},
		{ID: "DUST", TxType: "pay", Sender: walletB, RoundTime: 2500, Payment: &rawPayment{Amount: 1000, Receiver: walletA}},
		{ID: "ODD", TxType: "stpf"},
	}

	minAmount := decimal.RequireFromString("0.5")
	txs := d.decodeTransactions(raws, walletA, types.Filters{MinAmount: &minAmount})

	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []string{"SWAP-OUT", "SWAP-IN", "GROUPED-SEND", "OLD"}, ids)

	byID := make(map[string]*types.Transaction)
	for i := range txs {
		byID[txs[i].ID] = &txs[i]
	}
	assert.True(t, byID["SWAP-OUT"].IsSwap())
	assert.True(t, byID["SWAP-IN"].IsSwap())
	assert.False(t, byID["GROUPED-SEND"].IsSwap(), "a group that only sends is not a swap")
	assert.False(t, byID["OLD"].IsSwap())
}

func TestAssetIDs_Distinct(t *testing.T) {
	raws := []rawTransaction{
		{TxType: "axfer", AssetTransfer: &rawAssetTransfer{AssetID: 5}},
		{TxType: "pay", Payment: &rawPayment{}},
		{TxType: "axfer", AssetTransfer: &rawAssetTransfer{AssetID: 7}},
		{TxType: "axfer", AssetTransfer: &rawAssetTransfer{AssetID: 5}},
		{TxType: "axfer"},
	}
	assert.Equal(t, []uint64{5, 7}, assetIDs(raws))
}
