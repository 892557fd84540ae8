// Package worker runs the archive daemon: it keeps every watchlisted wallet
// subscribed and writes each polled transaction window to the archive.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/metrics"
	"github.com/remit-analytics/internal/poller"
	"github.com/remit-analytics/internal/storage"
	"github.com/remit-analytics/internal/types"
)

const (
	// DefaultReloadInterval is how often the watchlist is re-read
	DefaultReloadInterval = time.Minute
	defaultQueueSize      = 256
	archiveTimeout        = 30 * time.Second
)

// WalletStore lists the wallets to keep live
type WalletStore interface {
	List(ctx context.Context) ([]*storage.WatchlistEntry, error)
}

// Subscriber opens live subscriptions
type Subscriber interface {
	Subscribe(ctx context.Context, in poller.SubscribeInput) (*poller.Subscription, error)
}

// Archiver stores a wallet's transactions
type Archiver interface {
	Archive(ctx context.Context, wallet string, txs []types.Transaction) (int, error)
}

// ArchiveWorkerConfig holds configuration for an archive worker
type ArchiveWorkerConfig struct {
	Watchlist      WalletStore
	Poller         Subscriber
	Archive        Archiver
	ReloadInterval time.Duration
	QueueSize      int
	Logger         *logging.Logger
}

// ArchiveWorker keeps watchlisted wallets subscribed and archives their
// transactions. Archiving runs on its own goroutine so subscription
// callbacks never block on ClickHouse.
type ArchiveWorker struct {
	watchlist      WalletStore
	poller         Subscriber
	archive        Archiver
	reloadInterval time.Duration
	logger         *logging.Logger

	jobs chan archiveJob

	mu         sync.RWMutex
	running    bool
	watched    map[string]*watchedWallet
	lastReload time.Time
	archived   int64
	dropped    int64
	lastError  string
	cancel     context.CancelFunc
	doneCh     chan struct{}
}

type watchedWallet struct {
	entry storage.WatchlistEntry
	sub   *poller.Subscription
}

type archiveJob struct {
	wallet string
	txs    []types.Transaction
}

// WorkerStatus is a point-in-time view of the worker
type WorkerStatus struct {
	Running    bool      `json:"running"`
	Wallets    []string  `json:"wallets"`
	LastReload time.Time `json:"lastReload"`
	Archived   int64     `json:"archived"`
	Dropped    int64     `json:"dropped"`
	LastError  string    `json:"lastError,omitempty"`
}

// NewArchiveWorker creates a new archive worker
func NewArchiveWorker(cfg *ArchiveWorkerConfig) (*ArchiveWorker, error) {
	if cfg.Watchlist == nil {
		return nil, fmt.Errorf("watchlist cannot be nil")
	}
	if cfg.Poller == nil {
		return nil, fmt.Errorf("poller cannot be nil")
	}
	if cfg.Archive == nil {
		return nil, fmt.Errorf("archive cannot be nil")
	}

	reload := cfg.ReloadInterval
	if reload <= 0 {
		reload = DefaultReloadInterval
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &ArchiveWorker{
		watchlist:      cfg.Watchlist,
		poller:         cfg.Poller,
		archive:        cfg.Archive,
		reloadInterval: reload,
		logger:         logger.WithField("component", "archive_worker"),
		jobs:           make(chan archiveJob, queueSize),
		watched:        make(map[string]*watchedWallet),
	}, nil
}

// Start loads the watchlist, subscribes every wallet and begins the reload
// loop. It fails if the first watchlist load fails.
func (w *ArchiveWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	if _, _, err := w.Reconcile(runCtx); err != nil {
		cancel()
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("failed to load watchlist: %w", err)
	}

	done := make(chan struct{})
	w.mu.Lock()
	w.cancel = cancel
	w.doneCh = done
	w.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.reloadLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		w.archiveLoop(runCtx)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	w.logger.WithField("reloadInterval", w.reloadInterval).Info("Archive worker started")
	return nil
}

// Stop cancels every subscription and waits for the worker loops
func (w *ArchiveWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive worker is not running")
	}
	cancel, done := w.cancel, w.doneCh
	for addr, ww := range w.watched {
		ww.sub.Cancel()
		delete(w.watched, addr)
	}
	w.mu.Unlock()
	metrics.WorkerWatchedWallets.Set(0)

	w.logger.Info("Stopping archive worker")
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("Archive worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("Archive worker stopped")
	return nil
}

func (w *ArchiveWorker) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(w.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			added, removed, err := w.Reconcile(ctx)
			if err != nil {
				// Keep the current subscriptions until the watchlist is readable again
				w.logger.WithError(err).Warn("Watchlist reload failed")
				continue
			}
			if added > 0 || removed > 0 {
				w.logger.WithFields(map[string]interface{}{
					"added":   added,
					"removed": removed,
				}).Info("Watchlist reloaded")
			}
		}
	}
}

// Reconcile brings the subscriptions in line with the watchlist. Entries
// whose range or intervals changed are resubscribed.
func (w *ArchiveWorker) Reconcile(ctx context.Context) (added, removed int, err error) {
	entries, err := w.watchlist.List(ctx)
	if err != nil {
		w.setError(err)
		return 0, 0, err
	}

	want := make(map[string]*storage.WatchlistEntry, len(entries))
	for _, e := range entries {
		want[e.Address] = e
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for addr, ww := range w.watched {
		e, ok := want[addr]
		if ok && sameSettings(ww.entry, *e) {
			continue
		}
		ww.sub.Cancel()
		delete(w.watched, addr)
		if !ok {
			removed++
		}
	}

	var errs []error
	for addr, e := range want {
		if _, ok := w.watched[addr]; ok {
			continue
		}
		sub, err := w.poller.Subscribe(ctx, poller.SubscribeInput{
			Address:         e.Address,
			Filters:         types.Filters{Range: e.Range},
			PollInterval:    e.TxInterval,
			BalanceInterval: e.BalanceInterval,
			OnUpdate:        w.onUpdate,
		})
		if err != nil {
			// A bad entry must not stop the others
			w.logger.WithError(err).WithField("address", addr).Warn("Failed to subscribe watchlisted wallet")
			errs = append(errs, err)
			continue
		}
		w.watched[addr] = &watchedWallet{entry: *e, sub: sub}
		added++
	}

	w.lastReload = time.Now()
	if len(errs) > 0 {
		w.lastError = errors.Join(errs...).Error()
	} else {
		w.lastError = ""
	}
	metrics.WorkerWatchedWallets.Set(float64(len(w.watched)))
	return added, removed, nil
}

func sameSettings(a, b storage.WatchlistEntry) bool {
	return a.Range == b.Range && a.TxInterval == b.TxInterval && a.BalanceInterval == b.BalanceInterval
}

// onUpdate runs on subscription goroutines and must not block
func (w *ArchiveWorker) onUpdate(u poller.Update) {
	if u.Kind != poller.KindTransactions || u.Err != nil {
		return
	}
	if u.NewActivity != nil {
		w.logger.WithFields(map[string]interface{}{
			"address":  u.Address,
			"newCount": u.NewActivity.NewCount,
		}).Info("New wallet activity")
	}
	if len(u.Transactions) == 0 {
		return
	}

	select {
	case w.jobs <- archiveJob{wallet: u.Address, txs: u.Transactions}:
	default:
		// The next poll re-reads the whole window, so nothing is lost for good
		metrics.ArchiveUpdatesDropped.Inc()
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		w.logger.WithField("address", u.Address).Warn("Archive queue full, dropping update")
	}
}

func (w *ArchiveWorker) archiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			w.archiveOne(ctx, job)
		}
	}
}

func (w *ArchiveWorker) archiveOne(ctx context.Context, job archiveJob) {
	actx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	n, err := w.archive.Archive(actx, job.wallet, job.txs)
	if err != nil {
		w.setError(err)
		w.logger.WithError(err).WithField("address", job.wallet).Warn("Failed to archive transactions")
		return
	}

	w.mu.Lock()
	w.archived += int64(n)
	w.mu.Unlock()
	w.logger.WithFields(map[string]interface{}{
		"address": job.wallet,
		"count":   n,
	}).Debug("Archived transactions")
}

func (w *ArchiveWorker) setError(err error) {
	w.mu.Lock()
	w.lastError = err.Error()
	w.mu.Unlock()
}

// GetStatus returns the current status of the worker
func (w *ArchiveWorker) GetStatus() *WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	wallets := make([]string, 0, len(w.watched))
	for addr := range w.watched {
		wallets = append(wallets, addr)
	}
	sort.Strings(wallets)

	return &WorkerStatus{
		Running:    w.running,
		Wallets:    wallets,
		LastReload: w.lastReload,
		Archived:   w.archived,
		Dropped:    w.dropped,
		LastError:  w.lastError,
	}
}
