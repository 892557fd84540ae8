package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remit-analytics/internal/adapter"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/poller"
	"github.com/remit-analytics/internal/storage"
	"github.com/remit-analytics/internal/types"
)

var (
	walletA = adapter.EncodeAddress([32]byte{41})
	walletB = adapter.EncodeAddress([32]byte{42})
)

type memWatchlist struct {
	mu      sync.Mutex
	entries []*storage.WatchlistEntry
	err     error
}

func (m *memWatchlist) List(ctx context.Context) ([]*storage.WatchlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*storage.WatchlistEntry, len(m.entries))
	for i, e := range m.entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *memWatchlist) set(entries ...*storage.WatchlistEntry) {
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
}

type memArchive struct {
	mu     sync.Mutex
	byAddr map[string]int
	err    error
}

func (m *memArchive) Archive(ctx context.Context, wallet string, txs []types.Transaction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if m.byAddr == nil {
		m.byAddr = make(map[string]int)
	}
	m.byAddr[wallet] += len(txs)
	return len(txs), nil
}

func (m *memArchive) count(wallet string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byAddr[wallet]
}

type oneTxSource struct{}

func (oneTxSource) FetchTransactions(ctx context.Context, address string, filters types.Filters) ([]types.Transaction, error) {
	return []types.Transaction{{
		ID:        "tx-" + address[:4],
		Type:      types.TxTypePayment,
		Sender:    walletB,
		Receiver:  address,
		Amount:    decimal.NewFromInt(1),
		Currency:  "ALGO",
		Timestamp: time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC),
	}}, nil
}

func (oneTxSource) FetchBalance(ctx context.Context, address string) (types.BalanceSnapshot, error) {
	return types.BalanceSnapshot{NativeSymbol: "ALGO"}, nil
}

func newTestWorker(t *testing.T, wl *memWatchlist, ar *memArchive) (*ArchiveWorker, *poller.Poller) {
	t.Helper()
	p := poller.New(poller.Config{
		Source:              oneTxSource{},
		Logger:              logging.NewNop(),
		TransactionInterval: time.Hour,
		BalanceInterval:     time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})

	w, err := NewArchiveWorker(&ArchiveWorkerConfig{
		Watchlist:      wl,
		Poller:         p,
		Archive:        ar,
		ReloadInterval: time.Hour,
		Logger:         logging.NewNop(),
	})
	require.NoError(t, err)
	return w, p
}

func entry(addr string) *storage.WatchlistEntry {
	return &storage.WatchlistEntry{Address: addr, Range: types.Range30d}
}

func TestNewArchiveWorker_RequiresDependencies(t *testing.T) {
	_, err := NewArchiveWorker(&ArchiveWorkerConfig{})
	assert.Error(t, err)

	_, err = NewArchiveWorker(&ArchiveWorkerConfig{Watchlist: &memWatchlist{}})
	assert.Error(t, err)
}

func TestArchiveWorker_ArchivesWatchedWallets(t *testing.T) {
	wl := &memWatchlist{}
	wl.set(entry(walletA), entry(walletB))
	ar := &memArchive{}
	w, p := newTestWorker(t, wl, ar)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop(ctx) }()

	assert.Eventually(t, func() bool {
		return ar.count(walletA) == 1 && ar.count(walletB) == 1
	}, 5*time.Second, 10*time.Millisecond)

	status := w.GetStatus()
	assert.True(t, status.Running)
	assert.ElementsMatch(t, []string{walletA, walletB}, status.Wallets)
	assert.Len(t, p.Subscriptions(), 2)
	assert.Error(t, w.Start(ctx), "second start is rejected")
}

func TestArchiveWorker_ReconcileFollowsWatchlist(t *testing.T) {
	wl := &memWatchlist{}
	wl.set(entry(walletA), entry(walletB))
	w, p := newTestWorker(t, wl, &memArchive{})

	ctx := context.Background()
	added, removed, err := w.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, removed)

	// Unchanged watchlist is a no-op
	added, removed, err = w.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Zero(t, removed)

	changed := entry(walletA)
	changed.TxInterval = 20 * time.Second
	wl.set(changed)

	added, removed, err = w.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added, "changed settings resubscribe")
	assert.Equal(t, 1, removed)

	assert.Eventually(t, func() bool {
		subs := p.Subscriptions()
		return len(subs) == 1 && subs[0].TxInterval == 20*time.Second
	}, 5*time.Second, 10*time.Millisecond)
}

func TestArchiveWorker_BadEntryDoesNotBlockOthers(t *testing.T) {
	wl := &memWatchlist{}
	wl.set(entry("W1"), entry(walletA))
	w, _ := newTestWorker(t, wl, &memArchive{})

	added, _, err := w.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	status := w.GetStatus()
	assert.Equal(t, []string{walletA}, status.Wallets)
	assert.NotEmpty(t, status.LastError)
}

func TestArchiveWorker_StartFailsWhenWatchlistUnreadable(t *testing.T) {
	wl := &memWatchlist{err: errors.New("connection refused")}
	w, _ := newTestWorker(t, wl, &memArchive{})

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.False(t, w.GetStatus().Running)
	assert.Error(t, w.Stop(context.Background()), "stop without start")
}

func TestArchiveWorker_StopEndsSubscriptions(t *testing.T) {
	wl := &memWatchlist{}
	wl.set(entry(walletA))
	w, p := newTestWorker(t, wl, &memArchive{})

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	assert.Eventually(t, func() bool { return len(p.Subscriptions()) == 0 },
		5*time.Second, 10*time.Millisecond)
	assert.False(t, w.GetStatus().Running)
}

func TestArchiveWorker_FullQueueDropsUpdates(t *testing.T) {
	w, err := NewArchiveWorker(&ArchiveWorkerConfig{
		Watchlist: &memWatchlist{},
		Poller:    poller.New(poller.Config{Source: oneTxSource{}, Logger: logging.NewNop()}),
		Archive:   &memArchive{},
		QueueSize: 1,
		Logger:    logging.NewNop(),
	})
	require.NoError(t, err)

	txs, _ := oneTxSource{}.FetchTransactions(context.Background(), walletA, types.Filters{})
	u := poller.Update{Address: walletA, Kind: poller.KindTransactions, Transactions: txs}

	w.onUpdate(u)
	w.onUpdate(u)
	w.onUpdate(poller.Update{Address: walletA, Kind: poller.KindBalance})
	w.onUpdate(poller.Update{Address: walletA, Kind: poller.KindTransactions, Err: errors.New("down")})

	assert.Equal(t, int64(1), w.GetStatus().Dropped)
	assert.Len(t, w.jobs, 1)
}

func TestArchiveWorker_ArchiveFailureIsRecorded(t *testing.T) {
	ar := &memArchive{err: errors.New("clickhouse down")}
	w, _ := newTestWorker(t, &memWatchlist{}, ar)

	w.archiveOne(context.Background(), archiveJob{wallet: walletA, txs: []types.Transaction{{ID: "x"}}})

	status := w.GetStatus()
	assert.Equal(t, "clickhouse down", status.LastError)
	assert.Zero(t, status.Archived)
}
