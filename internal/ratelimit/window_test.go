package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealdeskhq/dealdesk/internal/quote"
)

func TestWindow_EnforcesBudget(t *testing.T) {
	w := NewWindow(3)
	now := time.Date(2026, time.August, 19, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.True(t, w.CanCall(), "call %d should fit budget", i)
		w.RecordCall()
	}
	assert.False(t, w.CanCall())
}

func TestWindow_SlidesAfter60s(t *testing.T) {
	w := NewWindow(2)
	base := time.Date(2026, time.August, 19, 10, 0, 0, 0, time.UTC)
	now := base
	w.now = func() time.Time { return now }

	w.RecordCall()
	now = base.Add(30 * time.Second)
	w.RecordCall()
	assert.False(t, w.CanCall())

	// First call ages out of the trailing window; one slot frees up.
	now = base.Add(61 * time.Second)
	assert.True(t, w.CanCall())
	w.RecordCall()
	assert.False(t, w.CanCall())
}

func TestWindow_BoundHoldsUnderChurn(t *testing.T) {
	// Property: within any fixed instant, no more than budget accepted
	// calls without at least one denial in between.
	w := NewWindow(5)
	now := time.Date(2026, time.August, 19, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	accepted := 0
	denied := false
	for i := 0; i < 20; i++ {
		if w.CanCall() {
			w.RecordCall()
			accepted++
		} else {
			denied = true
			break
		}
	}
	assert.Equal(t, 5, accepted)
	assert.True(t, denied)
}

func TestAcquire_RetriesOnceAfterCourtesyDelay(t *testing.T) {
	w := NewWindow(1)
	base := time.Date(2026, time.August, 19, 10, 0, 0, 0, time.UTC)
	now := base
	w.now = func() time.Time { return now }
	slept := 0
	w.sleep = func(ctx context.Context, d time.Duration) error {
		slept++
		assert.Equal(t, time.Second, d)
		// Simulate the window clearing while we waited.
		now = now.Add(61 * time.Second)
		return nil
	}

	require.NoError(t, w.Acquire(context.Background()))

	// Budget used again at the new instant; the retry succeeds only
	// because the simulated wait freed a slot.
	require.NoError(t, w.Acquire(context.Background()))
	assert.Equal(t, 1, slept)
}

func TestAcquire_SurfacesRateLimitedWhenStillFull(t *testing.T) {
	w := NewWindow(1)
	now := time.Date(2026, time.August, 19, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }
	slept := 0
	w.sleep = func(ctx context.Context, d time.Duration) error {
		slept++
		return nil // time does not advance; window stays full
	}

	require.NoError(t, w.Acquire(context.Background()))

	err := w.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, quote.IsKind(err, quote.KindRateLimited))
	assert.Equal(t, 1, slept)
}

func TestAcquire_RespectsContextDuringDelay(t *testing.T) {
	w := NewWindow(1)
	require.NoError(t, w.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
