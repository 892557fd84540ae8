// Package circuitbreaker stops calls to an upstream endpoint that keeps
// failing and probes it again after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/remit-analytics/internal/logging"
	"github.com/remit-analytics/internal/metrics"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed lets every call through
	StateClosed State = "closed"
	// StateOpen refuses calls until the cool-down ends
	StateOpen State = "open"
	// StateHalfOpen lets a limited number of probe calls through
	StateHalfOpen State = "half_open"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

var (
	// ErrCircuitOpen is returned while the circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when every half-open probe slot is taken
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a circuit breaker
type Config struct {
	Name string

	// MaxFailures opens the circuit after this many consecutive failures.
	// It is also the minimum number of recorded calls before
	// FailureThreshold applies.
	MaxFailures      int
	FailureThreshold float64 // 0.0-1.0, over the last WindowSize calls
	WindowSize       int
	Timeout          time.Duration // open -> half-open cool-down
	HalfOpenMaxCalls int

	// IsFailure decides whether an error counts against the circuit.
	// Nil counts every error except context cancellation.
	IsFailure func(error) bool
	Now       func() time.Time
	Logger    *logging.Logger
}

// DefaultConfig returns the configuration used for an upstream endpoint
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		FailureThreshold: 0.5,
		WindowSize:       50,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker guards one endpoint. Outcomes are kept in a ring of the
// most recent calls so old failures age out.
type CircuitBreaker struct {
	name             string
	maxFailures      int
	failureThreshold float64
	timeout          time.Duration
	halfOpenMaxCalls int
	isFailure        func(error) bool
	now              func() time.Time
	logger           *logging.Logger

	mu               sync.Mutex
	state            State
	window           []bool // true = failure
	next             int
	recorded         int
	failures         int
	probes           int
	probeSuccesses   int
	consecutiveFails int
	lastFailureTime  time.Time
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	windowSize := config.WindowSize
	if windowSize <= 0 {
		windowSize = 50
	}
	cb := &CircuitBreaker{
		name:             config.Name,
		maxFailures:      config.MaxFailures,
		failureThreshold: config.FailureThreshold,
		timeout:          config.Timeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		isFailure:        config.IsFailure,
		now:              config.Now,
		logger:           config.Logger,
		state:            StateClosed,
		window:           make([]bool, windowSize),
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.halfOpenMaxCalls <= 0 {
		cb.halfOpenMaxCalls = 1
	}
	if cb.isFailure == nil {
		cb.isFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	if cb.logger == nil {
		cb.logger = logging.GetGlobalLogger()
	}
	cb.logger = cb.logger.WithField("circuitBreaker", cb.name)
	cb.lastStateChange = cb.now()
	metrics.CircuitState.WithLabelValues(cb.name).Set(StateClosed.gauge())
	return cb
}

// Execute runs fn unless the circuit refuses it. A context that is already
// done is returned as is and not recorded.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.admit()
	if err != nil {
		metrics.CircuitRejected.WithLabelValues(cb.name).Inc()
		return err
	}

	err = fn()
	cb.record(probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastStateChange) < cb.timeout {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMaxCalls {
			return false, ErrTooManyRequests
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	counted := err == nil || cb.isFailure(err)
	if probe && !counted && cb.state == StateHalfOpen {
		// Free the slot; the outcome says nothing about the endpoint
		cb.probes--
	}
	if !counted {
		return
	}

	failed := err != nil
	cb.push(failed)

	if failed {
		cb.consecutiveFails++
		cb.lastFailureTime = cb.now()
	} else {
		cb.consecutiveFails = 0
	}

	switch cb.state {
	case StateHalfOpen:
		if failed {
			cb.transition(StateOpen)
			cb.logger.WithError(err).Warn("Circuit breaker reopened after failed probe")
			return
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.halfOpenMaxCalls {
			cb.transition(StateClosed)
			cb.logger.Info("Circuit breaker closed after successful probe")
		}

	case StateClosed:
		if failed && cb.shouldOpen() {
			cb.logger.WithFields(map[string]interface{}{
				"failures":         cb.failures,
				"calls":            cb.recorded,
				"failureRate":      cb.failureRate(),
				"consecutiveFails": cb.consecutiveFails,
			}).WithError(err).Warn("Circuit breaker opened")
			cb.transition(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) push(failed bool) {
	if cb.recorded == len(cb.window) {
		if cb.window[cb.next] {
			cb.failures--
		}
	} else {
		cb.recorded++
	}
	cb.window[cb.next] = failed
	if failed {
		cb.failures++
	}
	cb.next = (cb.next + 1) % len(cb.window)
}

func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.consecutiveFails >= cb.maxFailures {
		return true
	}
	if cb.recorded < cb.maxFailures {
		return false
	}
	return cb.failureRate() >= cb.failureThreshold
}

func (cb *CircuitBreaker) failureRate() float64 {
	if cb.recorded == 0 {
		return 0
	}
	return float64(cb.failures) / float64(cb.recorded)
}

// transition moves to state and starts a fresh window
func (cb *CircuitBreaker) transition(state State) {
	cb.state = state
	cb.lastStateChange = cb.now()
	cb.recorded, cb.next, cb.failures = 0, 0, 0
	cb.probes, cb.probeSuccesses = 0, 0
	if state == StateClosed {
		cb.consecutiveFails = 0
	}
	metrics.CircuitState.WithLabelValues(cb.name).Set(state.gauge())
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot of a circuit breaker
type Stats struct {
	Name             string     `json:"name"`
	State            State      `json:"state"`
	Failures         int        `json:"failures"`
	Successes        int        `json:"successes"`
	TotalCalls       int        `json:"totalCalls"`
	ConsecutiveFails int        `json:"consecutiveFails"`
	FailureRate      float64    `json:"failureRate"`
	LastFailureTime  time.Time  `json:"lastFailureTime"`
	LastStateChange  time.Time  `json:"lastStateChange"`
	RetryAt          *time.Time `json:"retryAt,omitempty"` // set while open
}

// GetStats returns a snapshot over the current window
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := &Stats{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.recorded - cb.failures,
		TotalCalls:       cb.recorded,
		ConsecutiveFails: cb.consecutiveFails,
		FailureRate:      cb.failureRate(),
		LastFailureTime:  cb.lastFailureTime,
		LastStateChange:  cb.lastStateChange,
	}
	if cb.state == StateOpen {
		retryAt := cb.lastStateChange.Add(cb.timeout)
		stats.RetryAt = &retryAt
	}
	return stats
}

// CircuitBreakerManager holds one breaker per endpoint name
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates an empty manager
func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate returns the breaker for name, creating it from config (or
// DefaultConfig when nil) on first use. Later configs are ignored.
func (cbm *CircuitBreakerManager) GetOrCreate(name string, config *Config) *CircuitBreaker {
	cbm.mu.RLock()
	cb, ok := cbm.breakers[name]
	cbm.mu.RUnlock()
	if ok {
		return cb
	}

	cbm.mu.Lock()
	defer cbm.mu.Unlock()
	if cb, ok := cbm.breakers[name]; ok {
		return cb
	}

	if config == nil {
		config = DefaultConfig(name)
	}
	cfg := *config
	cfg.Name = name
	cb = NewCircuitBreaker(&cfg)
	cbm.breakers[name] = cb
	return cb
}

// GetAllStats returns a snapshot of every breaker, ordered by name
func (cbm *CircuitBreakerManager) GetAllStats() []*Stats {
	cbm.mu.RLock()
	defer cbm.mu.RUnlock()

	result := make([]*Stats, 0, len(cbm.breakers))
	for _, cb := range cbm.breakers {
		result = append(result, cb.GetStats())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
