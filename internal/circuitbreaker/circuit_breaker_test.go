package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remit-analytics/internal/logging"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(&Config{
		Name:             "indexer",
		MaxFailures:      3,
		FailureThreshold: 0.5,
		Timeout:          10 * time.Second,
		HalfOpenMaxCalls: 1,
		Now:              clock.Now,
		Logger:           logging.NewNop(),
	})
}

var errUpstream = errors.New("upstream 503")

func fail() error    { return errUpstream }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, cb.GetState())

	clock.Advance(11 * time.Second)

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(11 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_CancellationDoesNotCount(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return context.Canceled })
	}

	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetStats().TotalCalls)
}

func TestCircuitBreaker_SuccessesKeepItClosed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)
	}

	assert.Equal(t, StateClosed, cb.GetState())
	stats := cb.GetStats()
	assert.Equal(t, 30, stats.TotalCalls)
	assert.InDelta(t, 1.0/3.0, stats.FailureRate, 0.001)
}

func TestCircuitBreakerManager(t *testing.T) {
	m := NewCircuitBreakerManager()

	a := m.GetOrCreate("indexer", nil)
	b := m.GetOrCreate("indexer", nil)
	_ = m.GetOrCreate("algod", nil)

	assert.Same(t, a, b)
	stats := m.GetAllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "algod", stats[0].Name)
	assert.Equal(t, "indexer", stats[1].Name)
}

func TestCircuitBreaker_OldFailuresAgeOut(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := NewCircuitBreaker(&Config{
		Name:             "algod",
		MaxFailures:      3,
		FailureThreshold: 0.5,
		WindowSize:       4,
		Timeout:          10 * time.Second,
		Now:              clock.Now,
		Logger:           logging.NewNop(),
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	for i := 0; i < 4; i++ {
		require.NoError(t, cb.Execute(ctx, succeed))
	}

	stats := cb.GetStats()
	assert.Equal(t, 4, stats.TotalCalls)
	assert.Zero(t, stats.Failures, "failures outside the window are forgotten")
	assert.Equal(t, StateClosed, stats.State)
	assert.Nil(t, stats.RetryAt)
}

func TestCircuitBreaker_StatsWhileOpen(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	stats := cb.GetStats()
	assert.Equal(t, StateOpen, stats.State)
	require.NotNil(t, stats.RetryAt)
	assert.Equal(t, time.Unix(10, 0), *stats.RetryAt)
	assert.Equal(t, 3, stats.ConsecutiveFails)
}

func TestCircuitBreaker_CancelledProbeFreesSlot(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(11 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return context.Canceled }), context.Canceled)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_DoneContextIsNotRecorded(t *testing.T) {
	cb := newTestBreaker(&fakeClock{t: time.Unix(0, 0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Zero(t, cb.GetStats().TotalCalls)
}
