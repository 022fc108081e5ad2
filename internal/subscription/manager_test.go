package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealdeskhq/dealdesk/internal/marketclock"
	"github.com/dealdeskhq/dealdesk/internal/quote"
)

// fastClock drives the scheduler at test speed.
type fastClock struct{ interval time.Duration }

func (c fastClock) SessionState(time.Time) marketclock.Session { return marketclock.SessionOpen }
func (c fastClock) CacheTTL(time.Time) time.Duration           { return time.Minute }
func (c fastClock) PollInterval(time.Time) time.Duration       { return c.interval }

// fakeResolver serves scripted quotes and records every poll's symbol set.
type fakeResolver struct {
	mu     sync.Mutex
	calls  [][]string
	quotes map[string]quote.Quote
}

func newFakeResolver(symbols ...string) *fakeResolver {
	quotes := make(map[string]quote.Quote, len(symbols))
	for i, s := range symbols {
		quotes[s] = quote.Quote{Symbol: s, Price: 150 + float64(i), Source: quote.SourceLive}
	}
	return &fakeResolver{quotes: quotes}
}

func (r *fakeResolver) ResolveMany(ctx context.Context, symbols []string) map[string]quote.Quote {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), symbols...))
	out := make(map[string]quote.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := r.quotes[s]; ok {
			out[s] = q
		}
	}
	return out
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeResolver) lastCall() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

// fakeCache reports scripted staleness for Resume decisions.
type fakeCache struct {
	mu    sync.Mutex
	stale map[string]bool // present implies ok
}

func (c *fakeCache) Get(ctx context.Context, symbol string) (quote.Quote, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stale, ok := c.stale[symbol]
	return quote.Quote{Symbol: symbol}, stale, ok
}

func newTestManager(interval time.Duration, symbols ...string) (*Manager, *fakeResolver, *fakeCache) {
	resolver := newFakeResolver(symbols...)
	cache := &fakeCache{stale: make(map[string]bool)}
	m := NewManager(fastClock{interval: interval}, resolver, cache)
	return m, resolver, cache
}

func TestSubscribe_FirstPollDeliversImmediately(t *testing.T) {
	m, _, _ := newTestManager(time.Hour, "AAPL")
	defer m.Close()

	got := make(chan quote.Quote, 1)
	m.Subscribe("aapl", func(q quote.Quote) {
		select {
		case got <- q:
		default:
		}
	})

	// The interval is an hour, so only the immediate first poll can
	// deliver this.
	select {
	case q := <-got:
		assert.Equal(t, "AAPL", q.Symbol)
		assert.Equal(t, 150.0, q.Price)
		assert.Equal(t, quote.SourceLive, q.Source)
	case <-time.After(time.Second):
		t.Fatal("no delivery from the immediate first poll")
	}
}

func TestUnsubscribe_IsSynchronous(t *testing.T) {
	m, resolver, _ := newTestManager(10*time.Millisecond, "AAPL", "MSFT")
	defer m.Close()

	var aapl, msft atomic.Int64
	id := m.Subscribe("AAPL", func(quote.Quote) { aapl.Add(1) })
	m.Subscribe("MSFT", func(quote.Quote) { msft.Add(1) })

	require.Eventually(t, func() bool { return aapl.Load() > 0 && msft.Load() > 0 },
		time.Second, 5*time.Millisecond)

	m.Unsubscribe("AAPL", id)
	frozen := aapl.Load()
	msftAt := msft.Load()

	// Other symbols keep flowing while the removed callback stays silent.
	require.Eventually(t, func() bool { return msft.Load() >= msftAt+3 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, frozen, aapl.Load())
	assert.NotContains(t, resolver.lastCall(), "AAPL")
}

func TestVisibility_PrioritizesOnScreenSymbols(t *testing.T) {
	m, resolver, _ := newTestManager(10*time.Millisecond, "AAPL", "MSFT", "NVDA")
	defer m.Close()

	for _, s := range []string{"AAPL", "MSFT", "NVDA"} {
		m.Subscribe(s, func(quote.Quote) {})
	}
	require.Eventually(t, func() bool { return resolver.callCount() > 0 },
		time.Second, 5*time.Millisecond)

	m.MarkVisible("MSFT")
	require.Eventually(t, func() bool {
		last := resolver.lastCall()
		return len(last) == 1 && last[0] == "MSFT"
	}, time.Second, 5*time.Millisecond)

	// Hiding it widens the poll set back out.
	m.MarkHidden("MSFT")
	require.Eventually(t, func() bool { return len(resolver.lastCall()) == 3 },
		time.Second, 5*time.Millisecond)
}

func TestPause_SuppressesPolling(t *testing.T) {
	m, resolver, _ := newTestManager(10*time.Millisecond, "AAPL")
	defer m.Close()

	m.Subscribe("AAPL", func(quote.Quote) {})
	require.Eventually(t, func() bool { return resolver.callCount() > 0 },
		time.Second, 5*time.Millisecond)

	m.Pause()
	at := resolver.callCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, at, resolver.callCount())
}

func TestResume_PollsImmediatelyWhenCacheIsStale(t *testing.T) {
	m, resolver, cache := newTestManager(time.Hour, "AAPL")
	defer m.Close()

	m.Subscribe("AAPL", func(quote.Quote) {})
	require.Eventually(t, func() bool { return resolver.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	m.Pause()
	cache.mu.Lock()
	cache.stale["AAPL"] = true
	cache.mu.Unlock()

	// The hour-long interval cannot fire; only the resume trigger can.
	m.Resume()
	require.Eventually(t, func() bool { return resolver.callCount() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestResume_NoPollWhenCacheIsFresh(t *testing.T) {
	m, resolver, cache := newTestManager(time.Hour, "AAPL")
	defer m.Close()

	m.Subscribe("AAPL", func(quote.Quote) {})
	require.Eventually(t, func() bool { return resolver.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	m.Pause()
	cache.mu.Lock()
	cache.stale["AAPL"] = false // present and fresh
	cache.mu.Unlock()

	m.Resume()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, resolver.callCount())
}

func TestScheduler_StopsWithLastSubscriberAndRestarts(t *testing.T) {
	m, resolver, _ := newTestManager(10*time.Millisecond, "AAPL")
	defer m.Close()

	id := m.Subscribe("AAPL", func(quote.Quote) {})
	require.Eventually(t, func() bool { return resolver.callCount() > 0 },
		time.Second, 5*time.Millisecond)

	m.Unsubscribe("AAPL", id)
	time.Sleep(30 * time.Millisecond)
	at := resolver.callCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, at, resolver.callCount())

	// A fresh subscription brings the scheduler back.
	m.Subscribe("AAPL", func(quote.Quote) {})
	require.Eventually(t, func() bool { return resolver.callCount() > at },
		time.Second, 5*time.Millisecond)
}

func TestClose_StopsDeliveryAndIsIdempotent(t *testing.T) {
	m, resolver, _ := newTestManager(10*time.Millisecond, "AAPL")

	m.Subscribe("AAPL", func(quote.Quote) {})
	require.Eventually(t, func() bool { return resolver.callCount() > 0 },
		time.Second, 5*time.Millisecond)

	m.Close()
	at := resolver.callCount()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, at, resolver.callCount())

	m.Close()
	m.Subscribe("AAPL", func(quote.Quote) {}) // no-op after close
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, at, resolver.callCount())
}

func TestUpdateHook_SeesEachCycle(t *testing.T) {
	m, _, _ := newTestManager(time.Hour, "AAPL", "MSFT")
	defer m.Close()

	updates := make(chan map[string]quote.Quote, 1)
	m.SetUpdateHook(func(results map[string]quote.Quote) {
		select {
		case updates <- results:
		default:
		}
	})
	m.Subscribe("AAPL", func(quote.Quote) {})
	m.Subscribe("MSFT", func(quote.Quote) {})

	select {
	case results := <-updates:
		assert.Contains(t, results, "AAPL")
	case <-time.After(time.Second):
		t.Fatal("update hook never fired")
	}
}
