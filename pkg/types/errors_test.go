package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorKindsSurviveWrapping(t *testing.T) {
	base := errors.New("nonce too low")
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", &ValidationError{Field: "amount", Reason: "empty"}, IsValidation},
		{"authorization", &AuthorizationError{Actor: "u1", Reason: "not a pool manager"}, IsAuthorization},
		{"funds", &InsufficientFundsError{}, IsInsufficientFunds},
		{"ratelimit", &RateLimitExceededError{Limiter: "funding"}, IsRateLimitExceeded},
		{"submission", &SubmissionError{Method: "distributeReward", Err: base}, IsSubmission},
		{"attribution", &AttributionError{RepoID: 1, IssueNumber: 5}, IsAttribution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("settle: %w", tt.err)
			if !tt.check(wrapped) {
				t.Errorf("%T not detected through wrapping", tt.err)
			}
		})
	}
}

func TestSubmissionErrorDistinguishesSentFromReverted(t *testing.T) {
	notSent := &SubmissionError{Method: "allocateIssueReward", Err: errors.New("dial tcp: refused")}
	if !strings.Contains(notSent.Error(), "not submitted") {
		t.Errorf("unexpected message: %s", notSent)
	}

	reverted := &SubmissionError{Method: "allocateIssueReward", TxHash: "0xabc", Sent: true, Reverted: true, BlockNumber: 12, GasUsed: 21000}
	msg := reverted.Error()
	if !strings.Contains(msg, "reverted") || !strings.Contains(msg, "0xabc") {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestRateLimitRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	err := &RateLimitExceededError{ResetAt: now.Add(90 * time.Second)}
	if got := err.RetryAfter(now); got != 90*time.Second {
		t.Errorf("RetryAfter = %v, want 90s", got)
	}
	if got := err.RetryAfter(now.Add(time.Hour)); got != 0 {
		t.Errorf("RetryAfter after reset = %v, want 0", got)
	}
}
