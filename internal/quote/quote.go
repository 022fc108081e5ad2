package quote

import (
	"fmt"
	"strings"
	"time"
)

// Source tags mark where a quote came from so consumers can distinguish
// live data from degraded results.
const (
	SourceLive      = "live"
	SourceCache     = "cache"
	SourceSynthetic = "synthetic"
)

// Quote represents a normalized market quote from any source.
// A Quote is immutable once constructed; a new fetch produces a new Quote.
type Quote struct {
	Symbol        string    `json:"symbol"`         // Normalized symbol (uppercase)
	Price         float64   `json:"price"`          // Last traded price
	Change        float64   `json:"change"`         // Absolute change vs previous close
	ChangePercent float64   `json:"change_percent"` // Percent change vs previous close
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	PreviousClose float64   `json:"previous_close"`
	Timestamp     time.Time `json:"timestamp"` // Feed-reported time
	Source        string    `json:"source"`    // "live"|"cache"|"synthetic"
}

// NormalizeSymbol uppercases and trims a ticker. Every lookup in the
// engine goes through this first.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// WithSource returns a copy of the quote re-tagged with the given source.
func (q Quote) WithSource(source string) Quote {
	q.Source = source
	return q
}

// Validate rejects unusable payloads fail-closed. A zero-value or
// negative price means the upstream returned garbage, not a quote.
func Validate(q *Quote) error {
	if q == nil {
		return NewMalformedError("", "quote is nil", nil)
	}

	q.Symbol = NormalizeSymbol(q.Symbol)
	if q.Symbol == "" {
		return NewMalformedError("", "empty symbol", nil)
	}

	if q.Price <= 0 {
		return NewMalformedError(q.Symbol, fmt.Sprintf("invalid price: %.4f", q.Price), nil)
	}

	if q.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return NewMalformedError(q.Symbol, fmt.Sprintf("timestamp too far in future: %v", q.Timestamp), nil)
	}

	return nil
}
