package util

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// RetryConfig holds configuration for retry with exponential backoff
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries, -1 = unlimited)
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Multiplier is the factor by which delay increases (default: 2.0)
	Multiplier float64
	// Jitter adds randomness to delays (0.0 - 1.0)
	Jitter float64
	// RetryIf decides whether an error is worth another attempt. nil retries everything.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the defaults used for RPC and HTTP reads.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
		RetryIf:    DefaultRetryIf(),
	}
}

// RetryResult contains the result of a retry operation
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

// ErrMaxRetriesExceeded is joined with the last error once MaxRetries is hit.
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// ErrContextCanceled is joined with ctx.Err() when the context ends between attempts.
var ErrContextCanceled = errors.New("context canceled during retry")

// Retry executes fn with exponential backoff.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) *RetryResult {
	_, result := RetryWithValue(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return result
}

// RetryWithValue executes fn with exponential backoff and returns its value on success.
func RetryWithValue[T any](ctx context.Context, config *RetryConfig, fn func() (T, error)) (T, *RetryResult) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var zero T
	result := &RetryResult{}
	start := time.Now()

	for {
		result.Attempts++

		val, err := fn()
		if err == nil {
			result.LastError = nil
			result.Duration = time.Since(start)
			return val, result
		}
		result.LastError = err

		if config.RetryIf != nil && !config.RetryIf(err) {
			result.Duration = time.Since(start)
			return zero, result
		}

		if config.MaxRetries >= 0 && result.Attempts > config.MaxRetries {
			result.LastError = errors.Join(ErrMaxRetriesExceeded, err)
			result.Duration = time.Since(start)
			return zero, result
		}

		timer := time.NewTimer(backoff(config, result.Attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = errors.Join(ErrContextCanceled, ctx.Err())
			result.Duration = time.Since(start)
			return zero, result
		case <-timer.C:
		}
	}
}

// backoff returns BaseDelay * Multiplier^(attempt-1), jittered and clamped to MaxDelay.
func backoff(config *RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt-1))

	if config.Jitter > 0 {
		spread := delay * config.Jitter
		delay = delay - spread + (rand.Float64() * 2 * spread)
	}

	if config.MaxDelay > 0 && time.Duration(delay) > config.MaxDelay {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

// NonRetryableError marks an error that must not be retried, e.g. an HTTP 4xx
// response or a reverted transaction.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nonRetryable *NonRetryableError
	return errors.As(err, &nonRetryable)
}

// MarkNonRetryable marks an error as non-retryable
func MarkNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// DefaultRetryIf retries transport failures only. Context ends, marked
// errors and the typed boundary errors are final. A transaction that reached
// the network is never resent: a second broadcast could pay twice.
func DefaultRetryIf() func(error) bool {
	return func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		if IsNonRetryable(err) {
			return false
		}
		var sub *types.SubmissionError
		if errors.As(err, &sub) {
			return !sub.Sent
		}
		switch {
		case types.IsValidation(err), types.IsAuthorization(err),
			types.IsInsufficientFunds(err), types.IsRateLimitExceeded(err),
			types.IsAttribution(err):
			return false
		}
		return true
	}
}

// RetryableStatus reports whether an HTTP response status is worth another
// attempt. 501 is final even though it is a 5xx.
func RetryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return code != http.StatusNotImplemented
	}
	return false
}
