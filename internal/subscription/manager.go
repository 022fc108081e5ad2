// Package subscription tracks interested consumers per symbol and drives
// the background poll scheduler that keeps their quotes current.
package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dealdeskhq/dealdesk/internal/marketclock"
	"github.com/dealdeskhq/dealdesk/internal/observ"
	"github.com/dealdeskhq/dealdesk/internal/quote"
)

// Callback receives a quote update for a subscribed symbol.
type Callback func(quote.Quote)

// SubID identifies one registered callback.
type SubID = uuid.UUID

// Resolver produces quotes for a symbol set; partial results are
// expected and correct.
type Resolver interface {
	ResolveMany(ctx context.Context, symbols []string) map[string]quote.Quote
}

// CacheReader answers staleness checks without triggering fetches.
type CacheReader interface {
	Get(ctx context.Context, symbol string) (quote.Quote, bool, bool)
}

// Manager owns the per-symbol callback sets and the poll scheduler. The
// scheduler goroutine exists only while at least one symbol is
// subscribed. Construct instances explicitly; there is no package-level
// singleton so tests can run independent managers.
type Manager struct {
	clock    marketclock.Clock
	resolver Resolver
	cache    CacheReader

	mu      sync.Mutex
	subs    map[string]map[SubID]Callback
	visible map[string]struct{}
	paused  bool
	running bool
	closed  bool
	stopCh  chan struct{}
	onCycle func(map[string]quote.Quote)

	pollNow chan struct{}
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// NewManager builds a subscription manager over the given resolver and
// cache reader.
func NewManager(clock marketclock.Clock, resolver Resolver, cache CacheReader) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		clock:    clock,
		resolver: resolver,
		cache:    cache,
		subs:     make(map[string]map[SubID]Callback),
		visible:  make(map[string]struct{}),
		pollNow:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// SetUpdateHook registers an observer invoked with every delivered
// result map (the stream hub uses this). Set it before subscribing.
func (m *Manager) SetUpdateHook(fn func(map[string]quote.Quote)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCycle = fn
}

// Subscribe registers cb for symbol and returns its handle. The first
// subscription overall starts the scheduler, which polls immediately.
// Callbacks run on the scheduler goroutine and must not call back into
// the manager.
func (m *Manager) Subscribe(symbol string, cb Callback) SubID {
	symbol = quote.NormalizeSymbol(symbol)
	id := uuid.New()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return id
	}

	set, ok := m.subs[symbol]
	if !ok {
		set = make(map[SubID]Callback)
		m.subs[symbol] = set
	}
	set[id] = cb

	observ.SetGauge("subscribed_symbols", float64(len(m.subs)), nil)

	if !m.running {
		m.startLocked()
	}
	return id
}

// Unsubscribe removes the callback synchronously: once it returns, that
// callback is never invoked again. Losing the last subscriber of a
// symbol drops it from the poll set; losing all subscribers stops the
// scheduler entirely.
func (m *Manager) Unsubscribe(symbol string, id SubID) {
	symbol = quote.NormalizeSymbol(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.subs[symbol]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m.subs, symbol)
		delete(m.visible, symbol)
	}
	observ.SetGauge("subscribed_symbols", float64(len(m.subs)), nil)

	if len(m.subs) == 0 && m.running {
		m.stopLocked()
	}
}

// MarkVisible records that the consuming UI has symbol on screen. The
// hint only prioritizes polling; it never triggers a fetch by itself.
func (m *Manager) MarkVisible(symbol string) {
	symbol = quote.NormalizeSymbol(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visible[symbol] = struct{}{}
}

// MarkHidden clears the visibility hint for symbol.
func (m *Manager) MarkHidden(symbol string) {
	symbol = quote.NormalizeSymbol(symbol)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.visible, symbol)
}

// Pause suspends scheduling without clearing subscriptions. Any host
// environment can drive this (hidden tab, idle daemon, cost control).
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.paused {
		m.paused = true
		observ.Log("scheduler_paused", nil)
	}
}

// Resume lifts a pause. If any subscribed symbol's cached entry is
// already stale (or missing), a poll fires immediately instead of
// waiting for the next tick.
func (m *Manager) Resume() {
	m.mu.Lock()
	if !m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = false
	symbols := m.pollSetLocked()
	m.mu.Unlock()

	observ.Log("scheduler_resumed", nil)

	for _, sym := range symbols {
		_, stale, ok := m.cache.Get(m.ctx, sym)
		if !ok || stale {
			m.triggerPoll()
			return
		}
	}
}

// Close stops the scheduler and drops all subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.running {
		m.stopLocked()
	}
	m.subs = make(map[string]map[SubID]Callback)
	m.visible = make(map[string]struct{})
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// startLocked launches the scheduler. Caller holds m.mu.
func (m *Manager) startLocked() {
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.run(m.stopCh)
	observ.Log("scheduler_started", nil)
}

// stopLocked signals the scheduler to exit without waiting for it.
// Caller holds m.mu.
func (m *Manager) stopLocked() {
	m.running = false
	close(m.stopCh)
	observ.Log("scheduler_stopped", nil)
}

func (m *Manager) triggerPoll() {
	select {
	case m.pollNow <- struct{}{}:
	default:
	}
}

// run is the scheduler loop: an immediate poll, then wakeups at the
// session-dependent interval, re-armed each cycle.
func (m *Manager) run(stop chan struct{}) {
	defer m.wg.Done()

	m.poll()

	for {
		timer := time.NewTimer(m.clock.PollInterval(m.now()))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-m.pollNow:
			timer.Stop()
			m.poll()
		case <-timer.C:
			m.poll()
		}
	}
}

// poll resolves one cycle and fans the results out. Delivery happens
// only after the whole batch resolves, and only to callbacks whose
// symbol made it into the result map and that are still subscribed at
// delivery time.
func (m *Manager) poll() {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		observ.IncCounter("poll_skipped_paused_total", nil)
		return
	}
	symbols := m.pollSetLocked()
	m.mu.Unlock()

	if len(symbols) == 0 {
		return
	}

	start := m.now()
	results := m.resolver.ResolveMany(m.ctx, symbols)
	observ.RecordDuration("poll_cycle", m.now().Sub(start), nil)
	observ.IncCounter("poll_cycles_total", nil)

	delivered := 0
	m.mu.Lock()
	for sym, q := range results {
		for _, cb := range m.subs[sym] {
			cb(q)
			delivered++
		}
	}
	hook := m.onCycle
	m.mu.Unlock()

	if hook != nil && len(results) > 0 {
		hook(results)
	}

	observ.Log("poll_cycle_complete", map[string]any{
		"requested": len(symbols),
		"resolved":  len(results),
		"delivered": delivered,
	})
}

// pollSetLocked picks the cycle's symbols: the visible subset when any
// subscribed symbol is visible, otherwise everything subscribed. Caller
// holds m.mu.
func (m *Manager) pollSetLocked() []string {
	var visible []string
	for sym := range m.visible {
		if _, ok := m.subs[sym]; ok {
			visible = append(visible, sym)
		}
	}
	if len(visible) > 0 {
		sort.Strings(visible)
		return visible
	}

	all := make([]string, 0, len(m.subs))
	for sym := range m.subs {
		all = append(all, sym)
	}
	sort.Strings(all)
	return all
}
