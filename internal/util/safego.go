package util

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/bountyrelay/bountyrelay/internal/logging"
)

// SafeGo runs fn in a new goroutine and logs, instead of propagating, any panic.
func SafeGo(fn func()) {
	SafeGoWithName("", fn)
}

// SafeGoWithName is SafeGo with a goroutine name attached to panic logs.
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer recoverAndLog(name)
		fn()
	}()
}

func recoverAndLog(name string) {
	r := recover()
	if r == nil {
		return
	}
	args := []any{"panic", r, "stack", string(debug.Stack())}
	if name != "" {
		args = append(args, "goroutine", name)
	}
	logging.Error("goroutine panic recovered", args...)
}

// Tracker counts background work started through it so shutdown can wait for
// settlement runs and notifications that outlive their request.
//
//	var t util.Tracker
//	t.Go("webhook-dispatch", func() { pipeline.HandlePullRequest(ctx, ev) })
//	err := t.Wait(shutdownCtx)
type Tracker struct {
	wg sync.WaitGroup
}

// Go runs fn through SafeGoWithName. A panic in fn still releases the slot.
func (t *Tracker) Go(name string, fn func()) {
	t.wg.Add(1)
	SafeGoWithName(name, func() {
		defer t.wg.Done()
		fn()
	})
}

// Wait blocks until every tracked goroutine has returned or ctx ends. On
// timeout the goroutines keep running and ctx's error is returned.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
