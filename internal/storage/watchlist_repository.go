package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/remit-analytics/internal/adapter"
	apperrors "github.com/remit-analytics/internal/errors"
	"github.com/remit-analytics/internal/types"
)

// WatchlistEntry is a wallet the worker keeps live
type WatchlistEntry struct {
	ID              string          `json:"id"`
	Address         string          `json:"address"`
	Label           string          `json:"label"`
	Range           types.TimeRange `json:"range"`
	TxInterval      time.Duration   `json:"txInterval"`
	BalanceInterval time.Duration   `json:"balanceInterval"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// WatchlistRepository persists watched wallets in Postgres
type WatchlistRepository struct {
	db *PostgresDB
}

// NewWatchlistRepository creates a new watchlist repository
func NewWatchlistRepository(db *PostgresDB) *WatchlistRepository {
	return &WatchlistRepository{db: db}
}

const watchlistColumns = `id, address, label, time_range, tx_interval_ms, bal_interval_ms, created_at, updated_at`

// Add inserts a wallet, or updates its settings when it is already watched
func (r *WatchlistRepository) Add(ctx context.Context, entry *WatchlistEntry) error {
	if !adapter.ValidateAddress(entry.Address) {
		return apperrors.NewInvalidAddressError(entry.Address)
	}
	if entry.Range == "" {
		entry.Range = types.Range30d
	}
	if _, err := types.ParseTimeRange(string(entry.Range)); err != nil {
		return apperrors.NewInvalidParameterError("range", err.Error())
	}
	if entry.TxInterval < 0 || entry.BalanceInterval < 0 {
		return apperrors.NewInvalidParameterError("interval", "cannot be negative")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO watchlist (id, address, label, time_range, tx_interval_ms, bal_interval_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO UPDATE SET
			label = EXCLUDED.label,
			time_range = EXCLUDED.time_range,
			tx_interval_ms = EXCLUDED.tx_interval_ms,
			bal_interval_ms = EXCLUDED.bal_interval_ms,
			updated_at = NOW()
		RETURNING ` + watchlistColumns

	row := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.Address,
		entry.Label,
		string(entry.Range),
		entry.TxInterval.Milliseconds(),
		entry.BalanceInterval.Milliseconds(),
	)
	if err := scanWatchlistEntry(row, entry); err != nil {
		return apperrors.NewDatabaseError("add watchlist entry", err)
	}
	return nil
}

// Get returns the entry for address
func (r *WatchlistRepository) Get(ctx context.Context, address string) (*WatchlistEntry, error) {
	query := `SELECT ` + watchlistColumns + ` FROM watchlist WHERE address = $1`

	var entry WatchlistEntry
	if err := scanWatchlistEntry(r.db.QueryRow(ctx, query, address), &entry); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("watchlist entry", address)
		}
		return nil, apperrors.NewDatabaseError("get watchlist entry", err)
	}
	return &entry, nil
}

// List returns every watched wallet, oldest first
func (r *WatchlistRepository) List(ctx context.Context) ([]*WatchlistEntry, error) {
	query := `SELECT ` + watchlistColumns + ` FROM watchlist ORDER BY created_at, address`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list watchlist", err)
	}
	defer rows.Close()

	entries := make([]*WatchlistEntry, 0)
	for rows.Next() {
		var entry WatchlistEntry
		if err := scanWatchlistEntry(rows, &entry); err != nil {
			return nil, apperrors.NewDatabaseError("scan watchlist entry", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list watchlist", err)
	}
	return entries, nil
}

// Remove stops watching address
func (r *WatchlistRepository) Remove(ctx context.Context, address string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM watchlist WHERE address = $1`, address)
	if err != nil {
		return apperrors.NewDatabaseError("remove watchlist entry", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("watchlist entry", address)
	}
	return nil
}

func scanWatchlistEntry(row pgx.Row, entry *WatchlistEntry) error {
	var (
		timeRange     string
		txIntervalMs  int64
		balIntervalMs int64
	)
	err := row.Scan(
		&entry.ID,
		&entry.Address,
		&entry.Label,
		&timeRange,
		&txIntervalMs,
		&balIntervalMs,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	entry.Range = types.TimeRange(timeRange)
	entry.TxInterval = time.Duration(txIntervalMs) * time.Millisecond
	entry.BalanceInterval = time.Duration(balIntervalMs) * time.Millisecond
	return nil
}
