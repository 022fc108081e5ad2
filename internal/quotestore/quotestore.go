// Package quotestore implements the two-tier quote cache: an in-process
// map authoritative for the current run, backed by a persisted key/value
// tier that survives restarts.
package quotestore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/dealdeskhq/dealdesk/internal/marketclock"
	"github.com/dealdeskhq/dealdesk/internal/observ"
	"github.com/dealdeskhq/dealdesk/internal/quote"
	"github.com/dealdeskhq/dealdesk/internal/store"
)

const keyPrefix = "quote:"

// DefaultCapacity bounds the persisted tier.
const DefaultCapacity = 500

// entry wraps a quote with its wall-clock capture time. Freshness is
// never stored; it is recomputed at read time against the current TTL
// policy, so a session transition alone can turn an entry stale.
type entry struct {
	Quote    quote.Quote `json:"quote"`
	StoredAt time.Time   `json:"stored_at"`
}

// Store is the two-tier quote cache.
type Store struct {
	mu       sync.RWMutex
	tier1    map[string]entry
	storedAt map[string]time.Time // persisted-tier index for eviction

	tier2    store.Store
	clock    marketclock.Clock
	capacity int

	now func() time.Time
}

// New builds a quote store over the given persisted tier. capacity <= 0
// selects DefaultCapacity.
func New(tier2 store.Store, clock marketclock.Clock, capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		tier1:    make(map[string]entry),
		storedAt: make(map[string]time.Time),
		tier2:    tier2,
		clock:    clock,
		capacity: capacity,
		now:      time.Now,
	}
}

// Get returns the cached quote for symbol, whether it is stale under the
// TTL policy in effect right now, and whether an entry exists at all.
// A tier-2 hit is promoted into tier 1.
func (s *Store) Get(ctx context.Context, symbol string) (quote.Quote, bool, bool) {
	symbol = quote.NormalizeSymbol(symbol)
	now := s.now()

	s.mu.RLock()
	e, ok := s.tier1[symbol]
	s.mu.RUnlock()

	if !ok {
		loaded, found := s.loadPersisted(ctx, symbol)
		if !found {
			observ.IncCounter("quote_cache_miss_total", map[string]string{"symbol": symbol})
			return quote.Quote{}, false, false
		}
		e = loaded

		// Promote into tier 1, unless a write landed while we were
		// reading tier 2; the newer entry wins.
		s.mu.Lock()
		if cur, exists := s.tier1[symbol]; exists && !loaded.StoredAt.After(cur.StoredAt) {
			e = cur
		} else {
			s.tier1[symbol] = e
			s.storedAt[symbol] = e.StoredAt
		}
		s.mu.Unlock()
	}

	stale := now.Sub(e.StoredAt) >= s.clock.CacheTTL(now)
	observ.IncCounter("quote_cache_hit_total", map[string]string{"symbol": symbol})
	if stale {
		observ.IncCounter("quote_cache_stale_read_total", map[string]string{"symbol": symbol})
	}
	return e.Quote, stale, true
}

// Set writes the quote through both tiers, capturing storedAt now.
// A persisted-tier failure does not fail the in-process write.
func (s *Store) Set(ctx context.Context, symbol string, q quote.Quote) error {
	symbol = quote.NormalizeSymbol(symbol)
	e := entry{Quote: q, StoredAt: s.now()}

	s.mu.Lock()
	s.tier1[symbol] = e
	s.storedAt[symbol] = e.StoredAt
	s.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.tier2.Set(ctx, keyPrefix+symbol, data); err != nil {
		observ.Log("quote_persist_failed", map[string]any{"symbol": symbol, "error": err.Error()})
		return err
	}

	s.evictOverCapacity(ctx)
	return nil
}

// Invalidate drops the symbol from both tiers.
func (s *Store) Invalidate(ctx context.Context, symbol string) error {
	symbol = quote.NormalizeSymbol(symbol)

	s.mu.Lock()
	delete(s.tier1, symbol)
	delete(s.storedAt, symbol)
	s.mu.Unlock()

	return s.tier2.Delete(ctx, keyPrefix+symbol)
}

// Clear empties both tiers.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.tier1 = make(map[string]entry)
	s.storedAt = make(map[string]time.Time)
	s.mu.Unlock()

	keys, err := s.tier2.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, keyPrefix) {
			continue
		}
		if err := s.tier2.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the tier-1 entry count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tier1)
}

func (s *Store) loadPersisted(ctx context.Context, symbol string) (entry, bool) {
	data, ok, err := s.tier2.Get(ctx, keyPrefix+symbol)
	if err != nil {
		observ.Log("quote_persist_read_failed", map[string]any{"symbol": symbol, "error": err.Error()})
		return entry{}, false
	}
	if !ok {
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		observ.Log("quote_persist_corrupt", map[string]any{"symbol": symbol, "error": err.Error()})
		return entry{}, false
	}
	return e, true
}

// evictOverCapacity enforces the persisted-tier cap, dropping the least
// recently fetched entries first. Runs opportunistically on write, not
// continuously; keys left over from a previous run (no stored-at index)
// are treated as oldest.
func (s *Store) evictOverCapacity(ctx context.Context) {
	keys, err := s.tier2.Keys(ctx)
	if err != nil {
		return
	}

	var symbols []string
	for _, k := range keys {
		if strings.HasPrefix(k, keyPrefix) {
			symbols = append(symbols, strings.TrimPrefix(k, keyPrefix))
		}
	}
	if len(symbols) <= s.capacity {
		return
	}

	s.mu.RLock()
	type aged struct {
		symbol   string
		storedAt time.Time
		known    bool
	}
	candidates := make([]aged, 0, len(symbols))
	for _, sym := range symbols {
		at, known := s.storedAt[sym]
		candidates = append(candidates, aged{symbol: sym, storedAt: at, known: known})
	}
	s.mu.RUnlock()

	evicted := 0
	for len(symbols)-evicted > s.capacity {
		oldest := -1
		for i, c := range candidates {
			if c.symbol == "" {
				continue
			}
			if oldest == -1 {
				oldest = i
				continue
			}
			o := candidates[oldest]
			if (!c.known && o.known) || (c.known == o.known && c.storedAt.Before(o.storedAt)) {
				oldest = i
			}
		}
		if oldest == -1 {
			return
		}
		victim := candidates[oldest].symbol
		candidates[oldest].symbol = ""

		if err := s.tier2.Delete(ctx, keyPrefix+victim); err != nil {
			return
		}
		s.mu.Lock()
		delete(s.storedAt, victim)
		s.mu.Unlock()
		evicted++
	}

	if evicted > 0 {
		observ.IncCounterBy("quote_cache_evictions_total", nil, int64(evicted))
		observ.Log("quote_cache_evicted", map[string]any{"count": evicted, "capacity": s.capacity})
	}
}
