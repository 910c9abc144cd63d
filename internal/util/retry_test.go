package util

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

func fastConfig(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
		RetryIf:    DefaultRetryIf(),
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	result := Retry(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})

	if result.Attempts != 1 || calls != 1 {
		t.Errorf("expected a single attempt, got attempts=%d calls=%d", result.Attempts, calls)
	}
	if result.LastError != nil {
		t.Errorf("expected no error, got %v", result.LastError)
	}
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	calls := 0
	result := Retry(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("rpc unavailable")
		}
		return nil
	})

	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if result.LastError != nil {
		t.Errorf("expected success, got %v", result.LastError)
	}
}

func TestRetry_MaxRetriesExceeded(t *testing.T) {
	result := Retry(context.Background(), fastConfig(2), func() error {
		return errors.New("still down")
	})

	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", result.Attempts)
	}
	if !errors.Is(result.LastError, ErrMaxRetriesExceeded) {
		t.Errorf("expected ErrMaxRetriesExceeded, got %v", result.LastError)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	result := Retry(context.Background(), fastConfig(5), func() error {
		calls++
		return MarkNonRetryable(errors.New("404 not found"))
	})

	if calls != 1 {
		t.Errorf("expected one call for a non-retryable error, got %d", calls)
	}
	if !IsNonRetryable(result.LastError) {
		t.Errorf("expected non-retryable error to be returned, got %v", result.LastError)
	}
}

func TestRetry_ContextCanceledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(-1)
	cfg.BaseDelay = 50 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond

	calls := 0
	result := Retry(ctx, cfg, func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("fail")
	})

	if !errors.Is(result.LastError, ErrContextCanceled) {
		t.Errorf("expected ErrContextCanceled, got %v", result.LastError)
	}
}

func TestRetry_ContextErrorsAreNotRetried(t *testing.T) {
	calls := 0
	Retry(context.Background(), fastConfig(5), func() error {
		calls++
		return context.DeadlineExceeded
	})
	if calls != 1 {
		t.Errorf("expected deadline errors to stop retries, got %d calls", calls)
	}
}

func TestRetryWithValue(t *testing.T) {
	calls := 0
	val, result := RetryWithValue(context.Background(), fastConfig(3), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	if val != 42 {
		t.Errorf("expected 42, got %d", val)
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
}

func TestBackoff(t *testing.T) {
	cfg := &RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := backoff(cfg, i+1); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	cfg := &RetryConfig{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		d := backoff(cfg, 1)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}

func TestMarkNonRetryable(t *testing.T) {
	if MarkNonRetryable(nil) != nil {
		t.Error("MarkNonRetryable(nil) should be nil")
	}
	base := errors.New("bad request")
	wrapped := MarkNonRetryable(base)
	if !errors.Is(wrapped, base) {
		t.Error("expected wrapped error to unwrap to base")
	}
}

func TestDefaultRetryIf_LedgerAndBoundaryErrors(t *testing.T) {
	retryIf := DefaultRetryIf()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", errors.New("connection reset"), true},
		{"never broadcast", &types.SubmissionError{Err: errors.New("nonce too low")}, true},
		{"broadcast without receipt", &types.SubmissionError{TxHash: "0xabc", Sent: true, Err: errors.New("receipt timeout")}, false},
		{"reverted", &types.SubmissionError{TxHash: "0xabc", Sent: true, Reverted: true}, false},
		{"validation", &types.ValidationError{Field: "amount", Reason: "must be positive"}, false},
		{"insufficient funds", &types.InsufficientFundsError{Wallet: types.Address{}}, false},
		{"wrapped authorization", fmt.Errorf("allocate: %w", &types.AuthorizationError{Actor: "bob"}), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryIf(tt.err); got != tt.want {
				t.Errorf("retryIf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := map[int]bool{
		200: false,
		400: false,
		401: false,
		404: false,
		408: true,
		429: true,
		500: true,
		501: false,
		502: true,
		503: true,
	}
	for code, want := range tests {
		if got := RetryableStatus(code); got != want {
			t.Errorf("RetryableStatus(%d) = %v, want %v", code, got, want)
		}
	}
}
