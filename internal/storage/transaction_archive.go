package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/remit-analytics/internal/adapter"
	apperrors "github.com/remit-analytics/internal/errors"
	"github.com/remit-analytics/internal/metrics"
	"github.com/remit-analytics/internal/types"
)

// archiveSchema mirrors migrations/clickhouse/001_transaction_archive.sql
const archiveSchema = `
CREATE TABLE IF NOT EXISTS transaction_archive (
    wallet          String,
    id              String,
    tx_type         LowCardinality(String),
    sender          String,
    receiver        String,
    amount          Decimal(38, 18),
    currency        LowCardinality(String),
    asset_id        Nullable(UInt64),
    fee             Decimal(38, 18),
    note            Nullable(String),
    timestamp       DateTime64(3, 'UTC'),
    confirmed_round Nullable(UInt64),
    usd_value       Nullable(Decimal(38, 18)),
    classification  LowCardinality(String),
    archived_at     DateTime64(3, 'UTC')
)
ENGINE = ReplacingMergeTree(archived_at)
PARTITION BY toYYYYMM(timestamp)
ORDER BY (wallet, id)`

const archiveColumns = `id, tx_type, sender, receiver, amount, currency, asset_id, fee, note, timestamp, confirmed_round, usd_value, classification`

// TransactionArchive stores decoded transactions per wallet in ClickHouse.
// It also serves as an offline transaction source.
type TransactionArchive struct {
	db  *ClickHouseDB
	now func() time.Time
}

var _ adapter.TransactionSource = (*TransactionArchive)(nil)

// NewTransactionArchive creates a new transaction archive
func NewTransactionArchive(db *ClickHouseDB) *TransactionArchive {
	return &TransactionArchive{db: db, now: time.Now}
}

// EnsureSchema creates the archive table when missing
func (a *TransactionArchive) EnsureSchema(ctx context.Context) error {
	if err := a.db.Exec(ctx, archiveSchema); err != nil {
		return apperrors.NewDatabaseError("create transaction archive", err)
	}
	return nil
}

// Archive writes txs for wallet. Writing a transaction twice is harmless:
// rows with the same wallet and id are merged.
func (a *TransactionArchive) Archive(ctx context.Context, wallet string, txs []types.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	batch, err := a.db.PrepareBatch(ctx, `INSERT INTO transaction_archive (wallet, `+archiveColumns+`, archived_at)`)
	if err != nil {
		return 0, apperrors.NewDatabaseError("prepare archive batch", err)
	}

	archivedAt := a.now().UTC()
	for i := range txs {
		tx := &txs[i]
		classification := ""
		if tx.Classification != nil {
			classification = string(*tx.Classification)
		}
		err := batch.Append(
			wallet,
			tx.ID,
			string(tx.Type),
			tx.Sender,
			tx.Receiver,
			tx.Amount,
			tx.Currency,
			tx.AssetID,
			tx.Fee,
			tx.Note,
			tx.Timestamp.UTC(),
			tx.ConfirmedRound,
			tx.USDValue,
			classification,
			archivedAt,
		)
		if err != nil {
			_ = batch.Abort()
			return 0, apperrors.NewDatabaseError("append archive row", err)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, apperrors.NewDatabaseError("send archive batch", err)
	}
	metrics.ArchiveTransactionsWritten.Add(float64(len(txs)))
	return len(txs), nil
}

// FetchTransactions reads the archived transactions of address, newest first
func (a *TransactionArchive) FetchTransactions(ctx context.Context, address string, filters types.Filters) ([]types.Transaction, error) {
	if !adapter.ValidateAddress(address) {
		return nil, apperrors.NewInvalidAddressError(address)
	}

	query, args := buildArchiveQuery(address, filters.Resolve(a.now()))
	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewSourceUnavailableError("archive", err)
	}
	defer rows.Close()

	txs := make([]types.Transaction, 0)
	for rows.Next() {
		var (
			tx             types.Transaction
			txType         string
			classification string
		)
		err := rows.Scan(
			&tx.ID,
			&txType,
			&tx.Sender,
			&tx.Receiver,
			&tx.Amount,
			&tx.Currency,
			&tx.AssetID,
			&tx.Fee,
			&tx.Note,
			&tx.Timestamp,
			&tx.ConfirmedRound,
			&tx.USDValue,
			&classification,
		)
		if err != nil {
			return nil, apperrors.NewSourceUnavailableError("archive", fmt.Errorf("scan: %w", err))
		}
		tx.Type = types.TxType(txType)
		tx.Timestamp = tx.Timestamp.UTC()
		if classification != "" {
			kind := types.ActivityKind(classification)
			tx.Classification = &kind
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewSourceUnavailableError("archive", err)
	}
	return txs, nil
}

// buildArchiveQuery renders the filters as a parameterized query
func buildArchiveQuery(address string, f types.Filters) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + archiveColumns + ` FROM transaction_archive FINAL WHERE wallet = ?`)
	args := []interface{}{address}

	if f.AfterTime != nil {
		sb.WriteString(` AND timestamp >= ?`)
		args = append(args, f.AfterTime.UTC())
	}
	if f.BeforeTime != nil {
		sb.WriteString(` AND timestamp <= ?`)
		args = append(args, f.BeforeTime.UTC())
	}
	if f.MinAmount != nil {
		sb.WriteString(` AND amount >= toDecimal128(?, 18)`)
		args = append(args, decimalArg(*f.MinAmount))
	}
	if f.MaxAmount != nil {
		sb.WriteString(` AND amount <= toDecimal128(?, 18)`)
		args = append(args, decimalArg(*f.MaxAmount))
	}

	sb.WriteString(` ORDER BY timestamp DESC, id DESC`)

	limit := f.Limit
	if limit <= 0 {
		limit = adapter.DefaultTransactionLimit
	}
	sb.WriteString(` LIMIT ?`)
	args = append(args, limit)

	return sb.String(), args
}

func decimalArg(d decimal.Decimal) string {
	return d.String()
}
