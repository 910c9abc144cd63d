package ratelimit

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// Status describes a subject's position in its current window.
type Status struct {
	Used      types.Amount `json:"used"`
	Remaining types.Amount `json:"remaining"`
	Limit     types.Amount `json:"limit"`
	WindowEnd time.Time    `json:"window_end"`
}

// Window is a fixed, reset-on-access spending window. Every read or write
// first resets a window whose end has passed, then acts on the fresh state.
// Cumulative usage inside one window never exceeds the limit.
type Window struct {
	limit    types.Amount
	duration time.Duration
	counter  Counter
	clock    clockwork.Clock
}

func NewWindow(limit types.Amount, duration time.Duration, counter Counter, clock clockwork.Clock) *Window {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Window{limit: limit, duration: duration, counter: counter, clock: clock}
}

func (w *Window) Limit() types.Amount {
	return w.limit
}

func (w *Window) Duration() time.Duration {
	return w.duration
}

// Remaining returns how much the subject may still spend in this window.
func (w *Window) Remaining(ctx context.Context, subject string) (types.Amount, error) {
	st, err := w.Status(ctx, subject)
	if err != nil {
		return types.Amount{}, err
	}
	return st.Remaining, nil
}

// Record adds amount to the subject's usage if that keeps it within the limit.
// A rejected record has no side effect beyond the expiry reset.
func (w *Window) Record(ctx context.Context, subject string, amount types.Amount) (Status, bool, error) {
	state, allowed, err := w.record(ctx, subject, amount)
	if err != nil {
		return Status{}, false, err
	}
	return w.status(state), allowed, nil
}

func (w *Window) record(ctx context.Context, subject string, amount types.Amount) (State, bool, error) {
	var allowed bool
	state, err := w.counter.Update(ctx, subject, w.now(), w.duration, func(s *State) bool {
		allowed = s.Used.Add(amount).Cmp(w.limit) <= 0
		if allowed {
			s.Used = s.Used.Add(amount)
		}
		return allowed
	})
	return state, allowed, err
}

// Status returns the subject's usage without changing it.
func (w *Window) Status(ctx context.Context, subject string) (Status, error) {
	state, err := w.counter.Update(ctx, subject, w.now(), w.duration, func(*State) bool { return false })
	if err != nil {
		return Status{}, err
	}
	return w.status(state), nil
}

// refund subtracts amount from the window that started at start. A window that
// has since reset is left alone.
func (w *Window) refund(ctx context.Context, subject string, amount types.Amount, start time.Time) error {
	_, err := w.counter.Update(ctx, subject, w.now(), w.duration, func(s *State) bool {
		if !s.Start.Equal(start) {
			return false
		}
		s.Used = s.Used.Sub(amount)
		return true
	})
	return err
}

// now is millisecond precision so window starts survive a Redis round trip.
func (w *Window) now() time.Time {
	return w.clock.Now().Truncate(time.Millisecond)
}

func (w *Window) status(s State) Status {
	return Status{
		Used:      s.Used,
		Remaining: w.limit.Sub(s.Used),
		Limit:     w.limit,
		WindowEnd: s.End(w.duration),
	}
}
