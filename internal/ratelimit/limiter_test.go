package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

func newTestFundingLimiter(limit int64, clock clockwork.Clock) *Limiter {
	return NewFundingLimiter(Config{Limit: units(limit), Clock: clock})
}

// Daily repository limit 1000: funding 600 then 500 on the same day rejects
// the second with 400 remaining and leaves 600 recorded.
func TestFundingLimiterSecondCallRejected(t *testing.T) {
	ctx := context.Background()
	l := newTestFundingLimiter(1000, clockwork.NewFakeClockAt(epoch))
	repo := RepoSubject(42)

	d, err := l.CheckLimit(ctx, repo, units(600))
	if err != nil || !d.Allowed {
		t.Fatalf("first check: %+v %v", d, err)
	}
	if err := l.RecordUsage(ctx, repo, units(600)); err != nil {
		t.Fatalf("record 600: %v", err)
	}

	d, err = l.CheckLimit(ctx, repo, units(500))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("second funding of 500 must be rejected")
	}
	if d.Remaining.Cmp(units(400)) != 0 {
		t.Errorf("remaining = %s, want 400", d.Remaining)
	}
	if want := epoch.Add(24 * time.Hour); !d.ResetAt.Equal(want) {
		t.Errorf("reset = %v, want %v", d.ResetAt, want)
	}

	st, err := l.Status(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}
	if st.Used.Cmp(units(600)) != 0 {
		t.Errorf("used today = %s, want 600", st.Used)
	}

	err = l.Exceeded(repo, units(500), d)
	var rle *types.RateLimitExceededError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitExceededError, got %T", err)
	}
	if rle.Limiter != FundingLimiterName || rle.Remaining.Cmp(units(400)) != 0 {
		t.Errorf("unexpected error fields: %+v", rle)
	}
}

func TestCheckLimitIsReadOnly(t *testing.T) {
	ctx := context.Background()
	l := NewTransferLimiter(Config{Limit: units(10), Clock: clockwork.NewFakeClockAt(epoch)})

	for i := 0; i < 5; i++ {
		d, err := l.CheckLimit(ctx, "user-1", units(10))
		if err != nil || !d.Allowed {
			t.Fatalf("check %d: %+v %v", i, d, err)
		}
	}
}

func TestRecordUsageRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	l := NewTransferLimiter(Config{Limit: units(10), Clock: clockwork.NewFakeClockAt(epoch)})

	if err := l.RecordUsage(ctx, "u", units(8)); err != nil {
		t.Fatal(err)
	}
	err := l.RecordUsage(ctx, "u", units(3))
	if !types.IsRateLimitExceeded(err) {
		t.Fatalf("expected RateLimitExceededError, got %v", err)
	}
	st, _ := l.Status(ctx, "u")
	if st.Used.Cmp(units(8)) != 0 {
		t.Errorf("rejected record changed usage to %s", st.Used)
	}
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	l := newTestFundingLimiter(1000, clockwork.NewFakeClockAt(epoch))

	release, d, err := l.Reserve(ctx, "7", units(600))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if d.Remaining.Cmp(units(400)) != 0 {
		t.Errorf("remaining after reserve = %s, want 400", d.Remaining)
	}

	if _, _, err := l.Reserve(ctx, "7", units(500)); !types.IsRateLimitExceeded(err) {
		t.Fatalf("second reserve should exceed, got %v", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	st, _ := l.Status(ctx, "7")
	if !st.Used.IsZero() {
		t.Errorf("used after release = %s, want 0", st.Used)
	}
}

func TestReleaseAfterResetIsNoop(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	l := newTestFundingLimiter(100, clock)

	release, _, err := l.Reserve(ctx, "1", units(60))
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(25 * time.Hour)
	if err := l.RecordUsage(ctx, "1", units(30)); err != nil {
		t.Fatal(err)
	}
	if err := release(ctx); err != nil {
		t.Fatal(err)
	}

	st, _ := l.Status(ctx, "1")
	if st.Used.Cmp(units(30)) != 0 {
		t.Errorf("release from an old window must not touch the new one, used = %s", st.Used)
	}
}

func TestReserveIsAtomicUnderContention(t *testing.T) {
	ctx := context.Background()
	l := newTestFundingLimiter(100, clockwork.NewFakeClockAt(epoch))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := l.Reserve(ctx, "hot", units(7)); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 14 {
		t.Errorf("granted %d reservations of 7 under a limit of 100, want 14", granted)
	}
	st, _ := l.Status(ctx, "hot")
	if st.Used.Cmp(units(98)) != 0 {
		t.Errorf("used = %s, want 98", st.Used)
	}
}
