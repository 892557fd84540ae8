// Package poller keeps wallet analytics live by re-fetching a source on a
// fixed schedule and reporting transactions that arrived since the last poll.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remit-analytics/internal/adapter"
	apperrors "github.com/remit-analytics/internal/errors"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/metrics"
	"github.com/remit-analytics/internal/types"
)

const (
	// DefaultTransactionInterval is the transaction poll period
	DefaultTransactionInterval = 15 * time.Second
	// DefaultBalanceInterval is the balance poll period
	DefaultBalanceInterval = 30 * time.Second
	// DefaultMinInterval is the shortest period a subscriber may request
	DefaultMinInterval = time.Second
)

// ErrSubscriptionClosed is returned by calls on a cancelled subscription
var ErrSubscriptionClosed = errors.New("subscription closed")

// Config configures a Poller
type Config struct {
	Source adapter.Source
	Prices adapter.PriceProvider // optional; without it every asset is valued at zero
	Clock  Clock
	Logger *logging.Logger

	TransactionInterval time.Duration
	BalanceInterval     time.Duration
	// MinInterval bounds the intervals a subscriber may request
	MinInterval time.Duration

	// ValidateAddress rejects addresses at Subscribe. Defaults to the
	// Algorand address check.
	ValidateAddress func(string) bool
}

// Poller manages live subscriptions. Each subscription owns its own state;
// the poller only keeps the registry.
type Poller struct {
	source      adapter.Source
	prices      adapter.PriceProvider
	clock       Clock
	logger      *logging.Logger
	txInterval  time.Duration
	balInterval time.Duration
	minInterval time.Duration
	validate    func(string) bool

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// New creates a poller
func New(cfg Config) *Poller {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetGlobalLogger()
	}
	if cfg.TransactionInterval <= 0 {
		cfg.TransactionInterval = DefaultTransactionInterval
	}
	if cfg.BalanceInterval <= 0 {
		cfg.BalanceInterval = DefaultBalanceInterval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.ValidateAddress == nil {
		cfg.ValidateAddress = adapter.ValidateAddress
	}

	return &Poller{
		source:      cfg.Source,
		prices:      cfg.Prices,
		clock:       cfg.Clock,
		logger:      cfg.Logger.WithField("component", "poller"),
		txInterval:  cfg.TransactionInterval,
		balInterval: cfg.BalanceInterval,
		minInterval: cfg.MinInterval,
		validate:    cfg.ValidateAddress,
		subs:        make(map[string]*Subscription),
	}
}

// SubscribeInput describes a live subscription
type SubscribeInput struct {
	Address         string
	Filters         types.Filters
	PollInterval    time.Duration // optional; defaults to the poller's transaction interval
	BalanceInterval time.Duration // optional; defaults to the poller's balance interval
	OnUpdate        func(Update)  // optional; registered before the first cycle
}

// Subscribe validates input and starts polling. The first transaction and
// balance cycle runs immediately on the subscription's goroutine. The
// subscription ends when ctx is cancelled or Cancel is called.
func (p *Poller) Subscribe(ctx context.Context, in SubscribeInput) (*Subscription, error) {
	if in.Address == "" {
		return nil, apperrors.NewConfigurationError("address is required")
	}
	if !p.validate(in.Address) {
		return nil, apperrors.NewInvalidAddressError(in.Address)
	}
	if err := in.Filters.Validate(); err != nil {
		return nil, apperrors.NewConfigurationError(err.Error())
	}
	if in.PollInterval < 0 || in.BalanceInterval < 0 {
		return nil, apperrors.NewConfigurationError("poll intervals cannot be negative")
	}
	if (in.PollInterval > 0 && in.PollInterval < p.minInterval) ||
		(in.BalanceInterval > 0 && in.BalanceInterval < p.minInterval) {
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("poll intervals must be at least %s", p.minInterval))
	}
	if p.source == nil {
		return nil, apperrors.NewConfigurationError("poller has no transaction source")
	}

	txInterval := in.PollInterval
	if txInterval == 0 {
		txInterval = p.txInterval
	}
	balInterval := in.BalanceInterval
	if balInterval == 0 {
		balInterval = p.balInterval
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := newSubscription(subscriptionConfig{
		id:          uuid.NewString(),
		address:     in.Address,
		filters:     in.Filters,
		txInterval:  txInterval,
		balInterval: balInterval,
		poller:      p,
		ctx:         subCtx,
		cancel:      cancel,
	})
	if in.OnUpdate != nil {
		s.OnUpdate(in.OnUpdate)
	}

	p.mu.Lock()
	p.subs[s.id] = s
	p.mu.Unlock()
	metrics.PollerActiveSubscriptions.Inc()

	s.logger.WithFields(map[string]interface{}{
		"txInterval":      txInterval,
		"balanceInterval": balInterval,
	}).Info("Subscription started")

	go s.run()
	return s, nil
}

// Unsubscribe cancels the subscription with id. It reports whether the
// subscription existed.
func (p *Poller) Unsubscribe(id string) bool {
	s, ok := p.Get(id)
	if !ok {
		return false
	}
	s.Cancel()
	return true
}

// Get returns the subscription with id
func (p *Poller) Get(id string) (*Subscription, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.subs[id]
	return s, ok
}

// Subscriptions returns the status of every active subscription, ordered by address
func (p *Poller) Subscriptions() []Status {
	p.mu.RLock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.RUnlock()

	out := make([]Status, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close cancels every subscription and waits for their goroutines or ctx
func (p *Poller) Close(ctx context.Context) error {
	p.mu.RLock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.RUnlock()

	for _, s := range subs {
		s.Cancel()
	}
	for _, s := range subs {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Poller) remove(id string) {
	p.mu.Lock()
	_, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()
	if ok {
		metrics.PollerActiveSubscriptions.Dec()
	}
}
