package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// State is one subject's active window.
type State struct {
	Used  types.Amount
	Start time.Time
}

// End returns the instant the window resets.
func (s State) End(window time.Duration) time.Time {
	return s.Start.Add(window)
}

// Counter stores window state per subject key.
//
// Update loads the window for key. A missing window, or one whose end is at
// or before now, is replaced by an empty window starting at now. fn is then
// applied and reports whether it modified the state. Implementations must run
// the whole load-reset-apply-store sequence atomically per key; fn may be
// invoked more than once when an optimistic store retries.
type Counter interface {
	Update(ctx context.Context, key string, now time.Time, window time.Duration, fn func(*State) bool) (State, error)
}

// resetIfExpired applies the fixed-window reset rule and reports whether it
// changed the state.
func resetIfExpired(s *State, now time.Time, window time.Duration) bool {
	if !s.Start.IsZero() && now.Before(s.End(window)) {
		return false
	}
	s.Start = now
	s.Used = types.Amount{}
	return true
}

// MemoryCounter keeps windows in process memory. State is lost on restart and
// is not shared between instances; use RedisCounter for that.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]State
	updates int
}

// pruneEvery is how many updates pass between sweeps of ended windows.
const pruneEvery = 1024

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]State)}
}

func (c *MemoryCounter) Update(_ context.Context, key string, now time.Time, window time.Duration, fn func(*State) bool) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.updates++
	if c.updates%pruneEvery == 0 {
		c.prune(now, window)
	}

	state := c.windows[key]
	resetIfExpired(&state, now, window)
	fn(&state)
	c.windows[key] = state
	return state, nil
}

// prune drops windows that have ended. Caller holds mu.
func (c *MemoryCounter) prune(now time.Time, window time.Duration) {
	for key, state := range c.windows {
		if !now.Before(state.End(window)) {
			delete(c.windows, key)
		}
	}
}
