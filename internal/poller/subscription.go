package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/remit-analytics/internal/analytics"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/metrics"
	"github.com/remit-analytics/internal/types"
	"github.com/remit-analytics/internal/valuation"
)

// State is the lifecycle state of a subscription
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StatePaused  State = "paused"
)

// Cycle kinds
const (
	KindTransactions = "transactions"
	KindBalance      = "balance"
)

// Cycle triggers
const (
	TriggerInitial = "initial"
	TriggerTick    = "tick"
	TriggerResume  = "resume"
	TriggerRefresh = "refresh"
)

// Update is delivered to OnUpdate callbacks after every cycle. A failed
// cycle sets Err and carries the last-known data.
type Update struct {
	SubscriptionID string                  `json:"subscriptionId"`
	Address        string                  `json:"address"`
	Kind           string                  `json:"kind"`
	Trigger        string                  `json:"trigger"`
	Transactions   []types.Transaction     `json:"transactions,omitempty"`
	Stats          *types.AggregateStats   `json:"stats,omitempty"`
	Portfolio      *types.Portfolio        `json:"portfolio,omitempty"`
	NewActivity    *types.NewActivityEvent `json:"newActivity,omitempty"`
	UnviewedCount  int                     `json:"unviewedCount"`
	Err            error                   `json:"-"`
	UpdatedAt      time.Time               `json:"updatedAt"`
}

// Status is a point-in-time view of a subscription
type Status struct {
	ID              string          `json:"id"`
	Address         string          `json:"address"`
	State           State           `json:"state"`
	PollState       types.PollState `json:"pollState"`
	UnviewedCount   int             `json:"unviewedCount"`
	TxInterval      time.Duration   `json:"txInterval"`
	BalanceInterval time.Duration   `json:"balanceInterval"`
	LastUpdated     time.Time       `json:"lastUpdated"`
	LastError       string          `json:"lastError,omitempty"`
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdRefresh
	cmdMarkViewed
)

type command struct {
	kind  commandKind
	reply chan commandResult
}

type commandResult struct {
	stats *types.AggregateStats
	err   error
}

type subscriptionConfig struct {
	id          string
	address     string
	filters     types.Filters
	txInterval  time.Duration
	balInterval time.Duration
	poller      *Poller
	ctx         context.Context
	cancel      context.CancelFunc
}

// Subscription is the handle of one live address. Its state is owned by a
// single goroutine; fetches run one at a time on that goroutine and ticks
// that arrive during a fetch are dropped.
type Subscription struct {
	id          string
	address     string
	filters     types.Filters
	txInterval  time.Duration
	balInterval time.Duration
	p           *Poller
	logger      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	done   chan struct{}

	// owned by run
	state         State
	pollState     types.PollState
	unviewed      int
	lastTxs       []types.Transaction
	lastStats     *types.AggregateStats
	lastPortfolio *types.Portfolio
	lastErr       error
	lastUpdated   time.Time
	txTicker      Ticker
	balTicker     Ticker

	cbMu      sync.RWMutex
	callbacks []func(Update)

	statusMu sync.RWMutex
	status   Status
}

func newSubscription(cfg subscriptionConfig) *Subscription {
	s := &Subscription{
		id:          cfg.id,
		address:     cfg.address,
		filters:     cfg.filters,
		txInterval:  cfg.txInterval,
		balInterval: cfg.balInterval,
		p:           cfg.poller,
		ctx:         cfg.ctx,
		cancel:      cfg.cancel,
		cmds:        make(chan command),
		done:        make(chan struct{}),
		state:       StatePolling,
	}
	s.logger = cfg.poller.logger.WithFields(map[string]interface{}{
		"subscriptionId": s.id,
		"address":        s.address,
	})
	s.publish()
	return s
}

// ID returns the subscription id
func (s *Subscription) ID() string { return s.id }

// Address returns the subscribed wallet address
func (s *Subscription) Address() string { return s.address }

// Done is closed once the subscription goroutine has exited
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel ends the subscription. A fetch in flight is abandoned and its
// result is discarded.
func (s *Subscription) Cancel() {
	s.cancel()
}

// OnUpdate registers a callback. Callbacks run on the subscription goroutine
// and should not block.
func (s *Subscription) OnUpdate(fn func(Update)) {
	if fn == nil {
		return
	}
	s.cbMu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.cbMu.Unlock()
}

// Status returns the latest published state
func (s *Subscription) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Pause stops the timers and keeps the novelty baseline
func (s *Subscription) Pause() error {
	_, err := s.send(context.Background(), cmdPause)
	return err
}

// Resume runs one cycle immediately and re-arms the timers
func (s *Subscription) Resume() error {
	_, err := s.send(context.Background(), cmdResume)
	return err
}

// MarkViewed resets the count of new transactions reported since the last call
func (s *Subscription) MarkViewed() error {
	_, err := s.send(context.Background(), cmdMarkViewed)
	return err
}

// Refresh runs an out-of-band cycle, including novelty detection, and
// restarts the timer phase. It returns the fresh statistics.
func (s *Subscription) Refresh(ctx context.Context) (*types.AggregateStats, error) {
	res, err := s.send(ctx, cmdRefresh)
	if err != nil {
		return nil, err
	}
	return res.stats, res.err
}

func (s *Subscription) send(ctx context.Context, kind commandKind) (commandResult, error) {
	cmd := command{kind: kind, reply: make(chan commandResult, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return commandResult{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, nil
	case <-s.done:
		return commandResult{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	defer s.p.remove(s.id)
	defer func() {
		s.disarm()
		s.state = StateIdle
		s.publish()
		s.logger.Info("Subscription ended")
	}()

	s.transactionCycle(TriggerInitial)
	s.balanceCycle(TriggerInitial)
	if s.ctx.Err() != nil {
		return
	}
	s.arm()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-tickerC(s.txTicker):
			s.transactionCycle(TriggerTick)
			s.dropPendingTicks()
		case <-tickerC(s.balTicker):
			s.balanceCycle(TriggerTick)
			s.dropPendingTicks()
		case cmd := <-s.cmds:
			cmd.reply <- s.handle(cmd.kind)
		}
	}
}

func (s *Subscription) handle(kind commandKind) commandResult {
	switch kind {
	case cmdPause:
		if s.state == StatePolling {
			s.disarm()
			s.state = StatePaused
			s.publish()
			s.logger.Info("Subscription paused")
		}
		return commandResult{}

	case cmdResume:
		if s.state == StatePaused {
			s.logger.Info("Subscription resumed")
			stats, err := s.transactionCycle(TriggerResume)
			s.balanceCycle(TriggerResume)
			if s.ctx.Err() == nil {
				s.arm()
				s.state = StatePolling
				s.publish()
			}
			return commandResult{stats: stats, err: err}
		}
		return commandResult{stats: s.lastStats}

	case cmdRefresh:
		stats, err := s.transactionCycle(TriggerRefresh)
		s.balanceCycle(TriggerRefresh)
		if s.state == StatePolling && s.ctx.Err() == nil {
			s.txTicker.Reset(s.txInterval)
			s.balTicker.Reset(s.balInterval)
			s.dropPendingTicks()
		}
		return commandResult{stats: stats, err: err}

	case cmdMarkViewed:
		s.unviewed = 0
		s.publish()
		return commandResult{}
	}
	return commandResult{err: fmt.Errorf("unknown command %d", kind)}
}

// transactionCycle fetches the window, aggregates it and runs novelty detection
func (s *Subscription) transactionCycle(trigger string) (*types.AggregateStats, error) {
	metrics.PollerCyclesTotal.WithLabelValues(KindTransactions, trigger).Inc()
	start := time.Now()
	filters := s.filters.Resolve(s.p.clock.Now())
	txs, err := s.p.source.FetchTransactions(s.ctx, s.address, filters)
	metrics.PollerCycleLatency.WithLabelValues(KindTransactions).Observe(time.Since(start).Seconds())

	if s.ctx.Err() != nil {
		metrics.PollerStaleDiscards.Inc()
		return nil, ErrSubscriptionClosed
	}
	if err != nil {
		s.fail(KindTransactions, trigger, err)
		return nil, err
	}

	txs = analytics.Dedupe(txs)
	analytics.SortNewestFirst(txs)
	stats := analytics.Aggregate(txs, s.address)
	event := detectNovelty(&s.pollState, txs)
	if event != nil {
		s.unviewed += event.NewCount
		metrics.PollerNoveltyEvents.Inc()
		s.logger.WithFields(map[string]interface{}{
			"newCount": event.NewCount,
			"trigger":  trigger,
		}).Info("New activity detected")
	}

	s.lastTxs = txs
	s.lastStats = &stats
	s.lastErr = nil
	s.lastUpdated = s.p.clock.Now()
	s.publish()

	s.emit(Update{
		Kind:         KindTransactions,
		Trigger:      trigger,
		Transactions: txs,
		Stats:        &stats,
		Portfolio:    s.lastPortfolio,
		NewActivity:  event,
	})
	return &stats, nil
}

// balanceCycle fetches and values the balance
func (s *Subscription) balanceCycle(trigger string) {
	metrics.PollerCyclesTotal.WithLabelValues(KindBalance, trigger).Inc()
	start := time.Now()
	snapshot, err := s.p.source.FetchBalance(s.ctx, s.address)
	metrics.PollerCycleLatency.WithLabelValues(KindBalance).Observe(time.Since(start).Seconds())

	if s.ctx.Err() != nil {
		metrics.PollerStaleDiscards.Inc()
		return
	}
	if err != nil {
		s.fail(KindBalance, trigger, err)
		return
	}

	var lookup valuation.PriceLookup
	if s.p.prices != nil {
		lookup = s.p.prices.Lookup(s.ctx)
	}
	portfolio := valuation.Valuate(snapshot, lookup)

	s.lastPortfolio = &portfolio
	s.lastErr = nil
	s.lastUpdated = s.p.clock.Now()
	s.publish()

	s.emit(Update{
		Kind:         KindBalance,
		Trigger:      trigger,
		Transactions: s.lastTxs,
		Stats:        s.lastStats,
		Portfolio:    &portfolio,
	})
}

// fail reports a failed fetch. The novelty baseline is left untouched and
// the next poll happens at the normal interval.
func (s *Subscription) fail(kind, trigger string, err error) {
	metrics.PollerErrorsTotal.WithLabelValues(kind).Inc()
	s.lastErr = err
	s.publish()
	s.logger.WithFields(map[string]interface{}{
		"kind":    kind,
		"trigger": trigger,
	}).WithError(err).Warn("Poll failed, keeping last-known data")

	s.emit(Update{
		Kind:         kind,
		Trigger:      trigger,
		Transactions: s.lastTxs,
		Stats:        s.lastStats,
		Portfolio:    s.lastPortfolio,
		Err:          err,
	})
}

// emit delivers u to every callback unless the subscription has ended
func (s *Subscription) emit(u Update) {
	if s.ctx.Err() != nil {
		return
	}
	u.SubscriptionID = s.id
	u.Address = s.address
	u.UnviewedCount = s.unviewed
	u.UpdatedAt = s.p.clock.Now()

	s.cbMu.RLock()
	callbacks := make([]func(Update), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.cbMu.RUnlock()

	for _, fn := range callbacks {
		s.invoke(fn, u)
	}
}

func (s *Subscription) invoke(fn func(Update), u Update) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", fmt.Sprint(r)).Error("Update callback panicked")
		}
	}()
	fn(u)
}

func (s *Subscription) arm() {
	s.txTicker = s.p.clock.NewTicker(s.txInterval)
	s.balTicker = s.p.clock.NewTicker(s.balInterval)
	s.pollState.IsLive = true
}

func (s *Subscription) disarm() {
	if s.txTicker != nil {
		s.txTicker.Stop()
		s.txTicker = nil
	}
	if s.balTicker != nil {
		s.balTicker.Stop()
		s.balTicker = nil
	}
	s.pollState.IsLive = false
}

// dropPendingTicks discards ticks that fired while a fetch was in flight
func (s *Subscription) dropPendingTicks() {
	for _, t := range []Ticker{s.txTicker, s.balTicker} {
		if t == nil {
			continue
		}
		select {
		case <-t.C():
		default:
		}
	}
}

// tickerC returns the tick channel of t, or nil (never ready) when t is nil
func tickerC(t Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

// publish copies the owned state into the readable status
func (s *Subscription) publish() {
	ps := s.pollState
	if ps.LastSeenID != nil {
		id := *ps.LastSeenID
		ps.LastSeenID = &id
	}
	st := Status{
		ID:              s.id,
		Address:         s.address,
		State:           s.state,
		PollState:       ps,
		UnviewedCount:   s.unviewed,
		TxInterval:      s.txInterval,
		BalanceInterval: s.balInterval,
		LastUpdated:     s.lastUpdated,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}

	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}
