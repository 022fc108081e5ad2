// Package ratelimit enforces the upstream vendor call budget with a
// sliding 60-second window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/dealdeskhq/dealdesk/internal/observ"
	"github.com/dealdeskhq/dealdesk/internal/quote"
)

const (
	// DefaultBudget is the number of calls allowed per trailing window.
	DefaultBudget = 60

	windowSize = 60 * time.Second

	// retryDelay is the fixed courtesy delay before the single retry on
	// denial. It is not a queue and does not guarantee eventual service
	// under sustained overload.
	retryDelay = time.Second
)

// Window is a sliding-window call budget. The budget is enforced before
// issuing a call, never after.
type Window struct {
	mu     sync.Mutex
	budget int
	calls  []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWindow builds a limiter allowing budget calls per trailing 60s.
// budget <= 0 selects DefaultBudget.
func NewWindow(budget int) *Window {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Window{
		budget: budget,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// CanCall trims the window and reports whether another call fits the
// budget right now.
func (w *Window) CanCall() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trimLocked(w.now())
	return len(w.calls) < w.budget
}

// RecordCall registers a call against the budget.
func (w *Window) RecordCall() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.trimLocked(now)
	w.calls = append(w.calls, now)
}

// Acquire reserves one call slot. On denial it waits the fixed courtesy
// delay and retries once before surfacing a rate_limited error.
func (w *Window) Acquire(ctx context.Context) error {
	if w.tryAcquire() {
		return nil
	}

	observ.IncCounter("rate_limit_denied_total", nil)
	if err := w.sleep(ctx, retryDelay); err != nil {
		return err
	}

	if w.tryAcquire() {
		return nil
	}
	observ.IncCounter("rate_limit_exhausted_total", nil)
	return quote.NewRateLimitError("", "call budget exhausted for trailing window")
}

// tryAcquire checks and records under one lock so concurrent acquirers
// cannot both pass on the last slot.
func (w *Window) tryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.trimLocked(now)
	if len(w.calls) >= w.budget {
		return false
	}
	w.calls = append(w.calls, now)
	return true
}

// trimLocked drops timestamps older than the window. Caller holds w.mu.
func (w *Window) trimLocked(now time.Time) {
	cutoff := now.Add(-windowSize)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
