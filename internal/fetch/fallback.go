package fetch

import (
	"context"
	"sync"

	"github.com/dealdeskhq/dealdesk/internal/coalesce"
	"github.com/dealdeskhq/dealdesk/internal/observ"
	"github.com/dealdeskhq/dealdesk/internal/quote"
	"github.com/dealdeskhq/dealdesk/internal/quotestore"
	"github.com/dealdeskhq/dealdesk/internal/ratelimit"
	"github.com/dealdeskhq/dealdesk/internal/source"
)

// Chain resolves quotes through the fallback ladder:
// kill switch -> live fetch -> stale cache -> synthetic. It is the only
// place errors are converted into degraded-but-successful results; when
// it cannot produce any value, the underlying error propagates unchanged.
type Chain struct {
	live      source.QuoteSource
	synthetic *source.Synthetic
	store     *quotestore.Store
	batcher   *BatchFetcher
	limiter   *ratelimit.Window
	single    coalesce.Group[quote.Quote]

	mu      sync.RWMutex
	enabled bool
}

// NewChain wires the fallback chain. The kill switch starts enabled.
func NewChain(live source.QuoteSource, synthetic *source.Synthetic, store *quotestore.Store, batcher *BatchFetcher, limiter *ratelimit.Window) *Chain {
	return &Chain{
		live:      live,
		synthetic: synthetic,
		store:     store,
		batcher:   batcher,
		limiter:   limiter,
		enabled:   true,
	}
}

// SetEnabled flips the global data kill switch. Off means live fetches
// are skipped entirely and consumers get cache or nothing.
func (c *Chain) SetEnabled(enabled bool) {
	c.mu.Lock()
	changed := c.enabled != enabled
	c.enabled = enabled
	c.mu.Unlock()

	if changed {
		observ.Log("data_switch_flipped", map[string]any{"enabled": enabled})
		v := 0.0
		if enabled {
			v = 1.0
		}
		observ.SetGauge("data_enabled", v, nil)
	}
}

// Enabled reports the kill switch state.
func (c *Chain) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// tagFetched stamps provenance on a freshly fetched quote. A synthetic
// source keeps its own tag, so demo wiring that serves synthetic data in
// the live slot never passes it off as live.
func tagFetched(q quote.Quote) quote.Quote {
	if q.Source == quote.SourceSynthetic {
		return q
	}
	return q.WithSource(quote.SourceLive)
}

// Resolve returns a quote for symbol, degrading as needed. The returned
// quote's Source tag records which tier produced it. When no tier can
// serve, the live fetch's typed error propagates unchanged rather than
// being collapsed into a generic no-data error.
func (c *Chain) Resolve(ctx context.Context, symbol string) (quote.Quote, error) {
	symbol = quote.NormalizeSymbol(symbol)

	if !c.Enabled() {
		if cached, _, ok := c.store.Get(ctx, symbol); ok {
			return cached.WithSource(quote.SourceCache), nil
		}
		return quote.Quote{}, quote.NewDataPausedError(symbol)
	}

	live, liveErr := c.fetchLive(ctx, symbol)
	if liveErr == nil {
		tagged := tagFetched(live)
		if err := c.store.Set(ctx, symbol, tagged); err != nil {
			observ.Log("write_through_failed", map[string]any{"symbol": symbol, "error": err.Error()})
		}
		observ.IncCounter("quote_resolved_total", map[string]string{"source": tagged.Source})
		return tagged, nil
	}

	if cached, stale, ok := c.store.Get(ctx, symbol); ok {
		observ.IncCounter("quote_resolved_total", map[string]string{"source": quote.SourceCache})
		observ.Log("quote_fallback_to_cache", map[string]any{
			"symbol": symbol,
			"stale":  stale,
			"error":  liveErr.Error(),
		})
		return cached.WithSource(quote.SourceCache), nil
	}

	if c.synthetic != nil && c.synthetic.Recognizes(symbol) {
		q, err := c.synthetic.GetQuote(ctx, symbol)
		if err == nil {
			observ.IncCounter("quote_resolved_total", map[string]string{"source": quote.SourceSynthetic})
			observ.Log("quote_fallback_to_synthetic", map[string]any{
				"symbol": symbol,
				"error":  liveErr.Error(),
			})
			return q.WithSource(quote.SourceSynthetic), nil
		}
	}

	observ.IncCounter("quote_resolve_failed_total", nil)
	return quote.Quote{}, liveErr
}

// ResolveMany applies the same ladder per symbol around one batched live
// pass. Symbols that cannot be resolved by any tier are simply absent
// from the result; the scheduler treats partial delivery as correct.
func (c *Chain) ResolveMany(ctx context.Context, symbols []string) map[string]quote.Quote {
	results := make(map[string]quote.Quote, len(symbols))

	var live map[string]quote.Quote
	if c.Enabled() {
		var err error
		live, err = c.batcher.FetchMany(ctx, symbols)
		if err != nil {
			observ.Log("batch_resolve_degraded", map[string]any{"error": err.Error()})
		}
	}

	for _, s := range symbols {
		sym := quote.NormalizeSymbol(s)

		if q, ok := live[sym]; ok {
			tagged := tagFetched(q)
			if err := c.store.Set(ctx, sym, tagged); err != nil {
				observ.Log("write_through_failed", map[string]any{"symbol": sym, "error": err.Error()})
			}
			results[sym] = tagged
			continue
		}

		if cached, _, ok := c.store.Get(ctx, sym); ok {
			results[sym] = cached.WithSource(quote.SourceCache)
			continue
		}

		if c.Enabled() && c.synthetic != nil && c.synthetic.Recognizes(sym) {
			if q, err := c.synthetic.GetQuote(ctx, sym); err == nil {
				results[sym] = q.WithSource(quote.SourceSynthetic)
			}
		}
	}
	return results
}

// fetchLive runs one live single-quote fetch, coalesced per symbol so
// concurrent resolves for the same ticker share one upstream call. The
// budget slot is taken inside the producer.
func (c *Chain) fetchLive(ctx context.Context, symbol string) (quote.Quote, error) {
	q, shared, err := c.single.Do(symbol, func() (quote.Quote, error) {
		if err := c.limiter.Acquire(ctx); err != nil {
			return quote.Quote{}, err
		}
		fetched, err := c.live.GetQuote(ctx, symbol)
		if err != nil {
			return quote.Quote{}, err
		}
		if err := quote.Validate(&fetched); err != nil {
			return quote.Quote{}, err
		}
		return fetched, nil
	})
	if shared {
		observ.IncCounter("quote_coalesced_total", nil)
	}
	return q, err
}
