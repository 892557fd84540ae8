package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/remit-analytics/internal/config"
	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/metrics"
)

// Default waiter configuration values.
const (
	DefaultBaseDelay = 50 * time.Millisecond
	DefaultMaxDelay  = 5 * time.Second
)

// ErrContextCancelled is returned when the context ends while waiting for budget.
var ErrContextCancelled = errors.New("context cancelled while waiting for budget")

// Waiter blocks callers of one priority until the shared budget admits them,
// backing off exponentially while the budget stays exhausted.
type Waiter struct {
	budget    *SharedBudget
	priority  Priority
	cost      int
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *logging.Logger

	mu               sync.Mutex
	currentDelay     time.Duration
	consecutiveFails int
}

// WaiterConfig holds configuration for a waiter.
type WaiterConfig struct {
	Budget    *SharedBudget // required
	Priority  Priority
	Cost      int // per request; default 1
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    *logging.Logger
}

// NewWaiter creates a waiter drawing from cfg.Budget.
func NewWaiter(cfg *WaiterConfig) (*Waiter, error) {
	if cfg == nil || cfg.Budget == nil {
		return nil, errors.New("budget is required")
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 {
		return nil, errors.New("delays cannot be negative")
	}

	w := &Waiter{
		budget:    cfg.Budget,
		priority:  cfg.Priority,
		cost:      cfg.Cost,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
		logger:    cfg.Logger,
	}
	if w.cost <= 0 {
		w.cost = 1
	}
	if w.baseDelay == 0 {
		w.baseDelay = DefaultBaseDelay
	}
	if w.maxDelay == 0 {
		w.maxDelay = DefaultMaxDelay
	}
	if w.baseDelay > w.maxDelay {
		return nil, fmt.Errorf("base delay %s exceeds max delay %s", w.baseDelay, w.maxDelay)
	}
	if w.logger == nil {
		w.logger = logging.GetGlobalLogger()
	}
	w.logger = w.logger.WithFields(map[string]interface{}{
		"component": "budget",
		"budget":    cfg.Budget.name,
		"priority":  cfg.Priority.String(),
	})
	w.currentDelay = w.baseDelay
	return w, nil
}

// Wait blocks until the budget admits one request. If Redis cannot be
// reached the request is let through; the local limiter still applies.
func (w *Waiter) Wait(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}

		allowed, wait, err := w.budget.TryConsume(ctx, w.cost, w.priority)
		if err != nil {
			w.logger.WithError(err).Debug("Shared budget unavailable, proceeding")
			return nil
		}
		if allowed {
			w.RecordSuccess()
			return nil
		}

		metrics.BudgetDenied.WithLabelValues(w.budget.name, w.priority.String()).Inc()
		delay := w.RecordFailure()
		if wait > delay {
			delay = wait
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}

// RecordSuccess resets the backoff.
func (w *Waiter) RecordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consecutiveFails = 0
	w.currentDelay = w.baseDelay
}

// RecordFailure doubles the backoff up to the max delay and returns the
// delay to wait before the next attempt.
func (w *Waiter) RecordFailure() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	delay := w.currentDelay
	w.consecutiveFails++
	next := w.currentDelay * 2
	if next > w.maxDelay {
		next = w.maxDelay
	}
	w.currentDelay = next
	return delay
}

// CurrentDelay returns the backoff the next denial waits.
func (w *Waiter) CurrentDelay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentDelay
}

// ConsecutiveFailures returns the number of denials since the last admission.
func (w *Waiter) ConsecutiveFailures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consecutiveFails
}

// NewIndexerWaiter builds the waiter for indexer requests from configuration.
// It returns nil when no shared budget is configured.
func NewIndexerWaiter(cfg config.AlgorandConfig, client redis.Cmdable, priority Priority, logger *logging.Logger) (*Waiter, error) {
	if cfg.SharedBudget <= 0 {
		return nil, nil
	}
	budget, err := NewSharedBudget(&SharedBudgetConfig{
		Redis:    client,
		Name:     "indexer:" + cfg.Network,
		Total:    cfg.SharedBudget,
		Reserved: cfg.ReservedBudget,
	})
	if err != nil {
		return nil, err
	}
	return NewWaiter(&WaiterConfig{Budget: budget, Priority: priority, Logger: logger})
}
