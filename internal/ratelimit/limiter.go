package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/internal/metrics"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// DefaultWindow is the length of both daily caps.
const DefaultWindow = 24 * time.Hour

const (
	FundingLimiterName  = "funding"
	TransferLimiterName = "transfer"
)

// Decision is the result of a limit check.
type Decision struct {
	Allowed   bool         `json:"allowed"`
	Remaining types.Amount `json:"remaining"`
	Limit     types.Amount `json:"limit"`
	ResetAt   time.Time    `json:"reset_at"`
}

// Config configures a Limiter.
type Config struct {
	Limit   types.Amount
	Window  time.Duration   // default DefaultWindow
	Counter Counter         // default in-memory
	Clock   clockwork.Clock // default real clock
	Metrics *metrics.Metrics
}

// Limiter is a named daily cap over one kind of subject: repositories for
// funding, users for transfers.
type Limiter struct {
	name    string
	window  *Window
	metrics *metrics.Metrics
}

// NewFundingLimiter caps how much can be paid into one repository's pool per window.
func NewFundingLimiter(cfg Config) *Limiter {
	return newLimiter(FundingLimiterName, cfg)
}

// NewTransferLimiter caps how much one user can send out per window.
func NewTransferLimiter(cfg Config) *Limiter {
	return newLimiter(TransferLimiterName, cfg)
}

func newLimiter(name string, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Limiter{
		name:    name,
		window:  NewWindow(cfg.Limit, cfg.Window, cfg.Counter, cfg.Clock),
		metrics: cfg.Metrics,
	}
}

func (l *Limiter) Name() string {
	return l.name
}

func (l *Limiter) key(subject string) string {
	return l.name + ":" + subject
}

// RepoSubject formats a repository id as a funding subject.
func RepoSubject(repoID int64) string {
	return strconv.FormatInt(repoID, 10)
}

// CheckLimit reports whether amount fits in the subject's remaining quota.
// It does not consume quota.
func (l *Limiter) CheckLimit(ctx context.Context, subject string, amount types.Amount) (Decision, error) {
	st, err := l.window.Status(ctx, l.key(subject))
	if err != nil {
		return Decision{}, fmt.Errorf("%s limit check: %w", l.name, err)
	}
	return Decision{
		Allowed:   amount.Cmp(st.Remaining) <= 0,
		Remaining: st.Remaining,
		Limit:     st.Limit,
		ResetAt:   st.WindowEnd,
	}, nil
}

// RecordUsage consumes quota for a transaction that has already been
// submitted successfully. It returns a RateLimitExceededError, and records
// nothing, if a concurrent caller used up the quota since CheckLimit.
func (l *Limiter) RecordUsage(ctx context.Context, subject string, amount types.Amount) error {
	st, allowed, err := l.window.Record(ctx, l.key(subject), amount)
	if err != nil {
		return fmt.Errorf("%s limit record: %w", l.name, err)
	}
	if !allowed {
		return l.exceeded(subject, amount, st.Remaining, st.WindowEnd)
	}
	return nil
}

// Release returns quota taken by Reserve.
type Release func(ctx context.Context) error

// Reserve checks and consumes quota in one atomic step. The caller must
// invoke the returned Release if the transaction then fails, so failed
// attempts do not eat into the cap.
func (l *Limiter) Reserve(ctx context.Context, subject string, amount types.Amount) (Release, Decision, error) {
	key := l.key(subject)
	state, allowed, err := l.window.record(ctx, key, amount)
	if err != nil {
		return nil, Decision{}, fmt.Errorf("%s limit reserve: %w", l.name, err)
	}
	st := l.window.status(state)
	decision := Decision{Allowed: allowed, Remaining: st.Remaining, Limit: st.Limit, ResetAt: st.WindowEnd}
	if !allowed {
		return nil, decision, l.exceeded(subject, amount, st.Remaining, st.WindowEnd)
	}

	release := func(ctx context.Context) error {
		if err := l.window.refund(ctx, key, amount, state.Start); err != nil {
			logging.Warn("failed to release reserved quota",
				logging.Component("ratelimit"),
				"limiter", l.name,
				"subject", subject,
				logging.Err(err))
			return err
		}
		return nil
	}
	return release, decision, nil
}

// Status returns the subject's current usage.
func (l *Limiter) Status(ctx context.Context, subject string) (Status, error) {
	return l.window.Status(ctx, l.key(subject))
}

// Exceeded builds the error for a failed CheckLimit decision.
func (l *Limiter) Exceeded(subject string, amount types.Amount, d Decision) error {
	return l.exceeded(subject, amount, d.Remaining, d.ResetAt)
}

func (l *Limiter) exceeded(subject string, amount, remaining types.Amount, resetAt time.Time) error {
	l.metrics.LimitRejected(l.name)
	return &types.RateLimitExceededError{
		Limiter:   l.name,
		Subject:   subject,
		Requested: amount,
		Remaining: remaining,
		Limit:     l.window.Limit(),
		ResetAt:   resetAt,
	}
}
