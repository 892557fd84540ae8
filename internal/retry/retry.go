// Package retry re-runs upstream calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/remit-analytics/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // including the first
	InitialDelay time.Duration // before the first retry
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay randomized, 0-1

	// ShouldRetry decides whether err is worth another attempt.
	// Nil retries everything except permanent errors.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig returns 250ms, 500ms, 1s ... capped at 5s. Poll
// intervals are short, so retries must finish well inside one.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// RetryResult describes a finished retry loop
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc is one attempt; attempt starts at 1
type RetryFunc func(ctx context.Context, attempt int) error

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type delayedError struct {
	err   error
	delay time.Duration
}

func (d *delayedError) Error() string { return d.err.Error() }
func (d *delayedError) Unwrap() error { return d.err }

// After marks err as retryable no sooner than delay, e.g. from a
// Retry-After header. The delay still respects MaxDelay.
func After(err error, delay time.Duration) error {
	if err == nil || delay <= 0 {
		return err
	}
	return &delayedError{err: err, delay: delay}
}

func requestedDelay(err error) time.Duration {
	var d *delayedError
	if errors.As(err, &d) {
		return d.delay
	}
	return 0
}

// WithExponentialBackoff runs fn until it succeeds, returns a permanent
// error, ShouldRetry refuses, attempts run out, or ctx ends.
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	start := time.Now()
	result := &RetryResult{}

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			if attempt > 1 {
				logger.WithField("attempts", attempt).Debug("Upstream call succeeded after retry")
			}
			break
		}
		result.LastError = err

		if IsPermanent(err) || (config.ShouldRetry != nil && !config.ShouldRetry(err)) {
			break
		}
		if attempt >= config.MaxAttempts {
			logger.WithField("attempts", attempt).WithError(err).Warn("Upstream call failed after max retry attempts")
			break
		}
		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			break
		}

		delay := backoff(config, attempt, err)
		logger.WithFields(map[string]interface{}{
			"attempt": attempt,
			"delay":   delay,
		}).WithError(err).Debug("Upstream call failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// calculateDelay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay
func calculateDelay(config *RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

func backoff(config *RetryConfig, attempt int, err error) time.Duration {
	delay := calculateDelay(config, attempt)
	if config.Jitter > 0 {
		spread := float64(delay) * math.Min(config.Jitter, 1)
		delay = time.Duration(float64(delay) - spread + rand.Float64()*2*spread)
	}
	if hint := requestedDelay(err); hint > delay {
		delay = hint
	}
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}

// Do runs fn under config and returns the last error when every attempt failed
func Do(ctx context.Context, config *RetryConfig, fn RetryFunc) error {
	result := WithExponentialBackoff(ctx, config, fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}
