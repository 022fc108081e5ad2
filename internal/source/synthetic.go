package source

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dealdeskhq/dealdesk/internal/quote"
)

// demoPrices seeds the synthetic generator with plausible levels for the
// tickers the demo dashboard ships with.
var demoPrices = map[string]float64{
	"AAPL":  206.80,
	"MSFT":  428.50,
	"NVDA":  450.00,
	"AMZN":  182.30,
	"GOOG":  168.90,
	"META":  514.20,
	"TSLA":  248.60,
	"SPY":   552.40,
	"QQQ":   478.10,
	"BRK.B": 441.75,
}

// Synthetic generates deterministic quotes for development and demo
// continuity when no live data is reachable. It recognizes a fixed demo
// table plus any extra symbols it was configured with; everything else
// is unknown and stays a hard miss.
type Synthetic struct {
	prices map[string]float64
	now    func() time.Time
}

// NewSynthetic builds a generator over the demo table plus extras.
func NewSynthetic(extras []string) *Synthetic {
	prices := make(map[string]float64, len(demoPrices)+len(extras))
	for sym, p := range demoPrices {
		prices[sym] = p
	}
	for _, s := range extras {
		sym := quote.NormalizeSymbol(s)
		if sym == "" {
			continue
		}
		if _, ok := prices[sym]; !ok {
			prices[sym] = basePriceFor(sym)
		}
	}
	return &Synthetic{prices: prices, now: time.Now}
}

// Recognizes reports whether the generator can produce a quote for symbol.
func (sg *Synthetic) Recognizes(symbol string) bool {
	_, ok := sg.prices[quote.NormalizeSymbol(symbol)]
	return ok
}

// GetQuote returns a deterministic quote for a recognized symbol. The
// same symbol always yields the same intraday shape around its base
// price, so demo screens stay stable across calls.
func (sg *Synthetic) GetQuote(ctx context.Context, symbol string) (quote.Quote, error) {
	symbol = quote.NormalizeSymbol(symbol)
	base, ok := sg.prices[symbol]
	if !ok {
		return quote.Quote{}, quote.NewNoDataError(symbol)
	}

	// Deterministic drift in [-2%, +2%] derived from the symbol alone.
	drift := (float64(hashOf(symbol)%4001)/1000 - 2) / 100
	price := round2(base * (1 + drift))
	prev := round2(base)
	change := round2(price - prev)
	changePct := 0.0
	if prev != 0 {
		changePct = round2(change / prev * 100)
	}

	return quote.Quote{
		Symbol:        symbol,
		Price:         price,
		Change:        change,
		ChangePercent: changePct,
		Open:          prev,
		High:          round2(math.Max(price, prev) * 1.005),
		Low:           round2(math.Min(price, prev) * 0.995),
		PreviousClose: prev,
		Timestamp:     sg.now().UTC(),
		Source:        quote.SourceSynthetic,
	}, nil
}

// GetBatch returns quotes for every recognized symbol in the request;
// unrecognized symbols are simply absent.
func (sg *Synthetic) GetBatch(ctx context.Context, symbols []string) (map[string]quote.Quote, error) {
	out := make(map[string]quote.Quote, len(symbols))
	for _, s := range symbols {
		q, err := sg.GetQuote(ctx, s)
		if err != nil {
			continue
		}
		out[q.Symbol] = q
	}
	return out, nil
}

// SearchSymbol matches the query against recognized symbols.
func (sg *Synthetic) SearchSymbol(ctx context.Context, query string) ([]SymbolMatch, error) {
	query = quote.NormalizeSymbol(query)
	var matches []SymbolMatch
	for sym := range sg.prices {
		if strings.Contains(sym, query) {
			matches = append(matches, SymbolMatch{Symbol: sym, Name: sym + " (synthetic)", Region: "US"})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Symbol < matches[j].Symbol })
	return matches, nil
}

func hashOf(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// basePriceFor derives a stable base price in [10, 510) for configured
// extras that have no seeded level.
func basePriceFor(symbol string) float64 {
	return 10 + float64(hashOf(symbol)%50000)/100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
