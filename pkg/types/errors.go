package types

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports malformed input: a bad amount, an unknown
// repository id, an unparseable address.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthorizationError reports an actor attempting an operation it holds no
// role for, e.g. distributing from a pool it does not manage.
type AuthorizationError struct {
	Actor  string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s is not authorized: %s", e.Actor, e.Reason)
}

// InsufficientFundsError reports a wallet that cannot cover an operation.
// Shortfall is Required minus Balance.
type InsufficientFundsError struct {
	Wallet    Address
	Balance   Amount
	Required  Amount
	Shortfall Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in %s: balance %s, required %s, short by %s",
		e.Wallet.Hex(), e.Balance, e.Required, e.Shortfall)
}

// RateLimitExceededError reports a request that would push a subject past its
// rolling allowance.
type RateLimitExceededError struct {
	Limiter   string
	Subject   string
	Requested Amount
	Remaining Amount
	Limit     Amount
	ResetAt   time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded for %s: requested %s, remaining %s of %s (resets %s)",
		e.Limiter, e.Subject, e.Requested, e.Remaining, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter returns how long the caller should wait before the window resets.
func (e *RateLimitExceededError) RetryAfter(now time.Time) time.Duration {
	if d := e.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// SubmissionError reports a failed ledger write. When Sent is true the
// transaction reached the node and TxHash identifies it. Reverted is set when
// a receipt came back with a failed status.
type SubmissionError struct {
	Method          string
	TxHash          string
	Sent            bool
	Reverted        bool
	GasUsed         uint64
	BlockNumber     uint64
	ContractAddress Address
	Err             error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Reverted:
		return fmt.Sprintf("%s reverted in tx %s (block %d, gas used %d)", e.Method, e.TxHash, e.BlockNumber, e.GasUsed)
	case e.Sent:
		return fmt.Sprintf("%s sent as %s but not confirmed: %v", e.Method, e.TxHash, e.Err)
	default:
		return fmt.Sprintf("%s not submitted: %v", e.Method, e.Err)
	}
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// AttributionError reports a closed issue whose contributor could not be
// resolved to a wallet.
type AttributionError struct {
	RepoID      int64
	IssueNumber int
	Reason      string
}

func (e *AttributionError) Error() string {
	return fmt.Sprintf("cannot attribute repo %d issue #%d: %s", e.RepoID, e.IssueNumber, e.Reason)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

func IsInsufficientFunds(err error) bool {
	var target *InsufficientFundsError
	return errors.As(err, &target)
}

func IsRateLimitExceeded(err error) bool {
	var target *RateLimitExceededError
	return errors.As(err, &target)
}

func IsSubmission(err error) bool {
	var target *SubmissionError
	return errors.As(err, &target)
}

func IsAttribution(err error) bool {
	var target *AttributionError
	return errors.As(err, &target)
}
