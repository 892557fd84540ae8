package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithExponentialBackoff_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(3), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, calls)
}

func TestWithExponentialBackoff_GivesUp(t *testing.T) {
	boom := errors.New("boom")
	result := WithExponentialBackoff(context.Background(), fastConfig(3), func(ctx context.Context, attempt int) error {
		return boom
	})

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.ErrorIs(t, result.LastError, boom)
}

func TestWithExponentialBackoff_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(errors.New("bad request"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(err))
}

func TestWithExponentialBackoff_ShouldRetry(t *testing.T) {
	cfg := fastConfig(5)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }

	calls := 0
	_ = Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			return errors.New("retry me")
		}
		return errors.New("stop")
	})

	assert.Equal(t, 2, calls)
}

func TestWithExponentialBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(5)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("fail")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestCalculateDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := calculateDelay(cfg, tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_Jitter(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.5}

	for i := 0; i < 50; i++ {
		d := backoff(cfg, 2, errors.New("503"))
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestBackoff_RetryAfterHint(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 400*time.Millisecond, backoff(cfg, 1, After(errors.New("429"), 400*time.Millisecond)))
	assert.Equal(t, time.Second, backoff(cfg, 1, After(errors.New("429"), time.Minute)), "hint is capped")
	assert.Equal(t, 10*time.Millisecond, backoff(cfg, 1, After(errors.New("429"), time.Millisecond)))

	inner := errors.New("429")
	assert.ErrorIs(t, After(inner, time.Second), inner)
	assert.Nil(t, After(nil, time.Second))
	assert.Same(t, inner, After(inner, 0))
}

func TestDo_WrapsLastError(t *testing.T) {
	boom := errors.New("boom")
	err := Do(context.Background(), fastConfig(2), func(ctx context.Context, attempt int) error { return boom })

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "after 2 attempts")
}
