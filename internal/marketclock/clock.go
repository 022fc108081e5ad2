// Package marketclock computes exchange session state and the cache
// TTL / poll interval policy derived from it.
package marketclock

import "time"

// Session represents the current exchange session.
type Session string

const (
	SessionOpen       Session = "open"
	SessionPreMarket  Session = "pre-market"
	SessionAfterHours Session = "after-hours"
	SessionClosed     Session = "closed"
)

// Clock derives caching and polling policy from wall-clock time. The
// interface exists so stores and schedulers can be tested with a fixed
// policy.
type Clock interface {
	SessionState(t time.Time) Session
	CacheTTL(t time.Time) time.Duration
	PollInterval(t time.Time) time.Duration
}

// ExchangeClock implements Clock against the NYSE calendar, weekends
// only. Holidays are treated as regular weekdays, which is an accepted
// approximation.
type ExchangeClock struct {
	loc *time.Location
}

// NewExchangeClock builds a clock for US equities (America/New_York).
func NewExchangeClock() (*ExchangeClock, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	return &ExchangeClock{loc: loc}, nil
}

// SessionState returns the session for the given instant.
func (c *ExchangeClock) SessionState(t time.Time) Session {
	et := t.In(c.loc)

	weekday := et.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		return SessionClosed
	}

	minutes := et.Hour()*60 + et.Minute()

	// Session boundaries in minutes from midnight ET
	preStart := 4 * 60
	open := 9*60 + 30
	close := 16 * 60
	afterEnd := 20 * 60

	switch {
	case minutes >= preStart && minutes < open:
		return SessionPreMarket
	case minutes >= open && minutes < close:
		return SessionOpen
	case minutes >= close && minutes < afterEnd:
		return SessionAfterHours
	default:
		return SessionClosed
	}
}

// CacheTTL returns how long a cached quote stays fresh for the session
// in effect at t. Freshness is always recomputed against the current
// policy, so a session transition can make previously fresh entries stale.
func (c *ExchangeClock) CacheTTL(t time.Time) time.Duration {
	switch c.SessionState(t) {
	case SessionOpen:
		return 2 * time.Minute
	case SessionPreMarket, SessionAfterHours:
		return 10 * time.Minute
	default:
		return 4 * time.Hour
	}
}

// PollInterval returns how often subscribed symbols should be refreshed.
func (c *ExchangeClock) PollInterval(t time.Time) time.Duration {
	switch c.SessionState(t) {
	case SessionOpen:
		return 60 * time.Second
	case SessionPreMarket, SessionAfterHours:
		return 5 * time.Minute
	default:
		return 30 * time.Minute
	}
}
