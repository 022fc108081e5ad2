// Package source defines the upstream quote feed capability and its
// implementations.
package source

import (
	"context"

	"github.com/dealdeskhq/dealdesk/internal/quote"
)

// SymbolMatch is one result of a symbol search.
type SymbolMatch struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Region string `json:"region"`
}

// QuoteSource provides market quotes. Implementations must tolerate
// mixed-case symbols; the engine uppercases before every lookup anyway.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (quote.Quote, error)
	GetBatch(ctx context.Context, symbols []string) (map[string]quote.Quote, error)
	SearchSymbol(ctx context.Context, query string) ([]SymbolMatch, error)
}
