package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dealdeskhq/dealdesk/internal/quote"
)

// VendorConfig holds configuration for the vendor HTTP client.
type VendorConfig struct {
	BaseURL            string
	APIKey             string
	TimeoutSeconds     int
	RateLimitPerMinute int
}

// VendorClient fetches quotes from the market-data vendor's JSON API.
// It carries its own per-vendor pacing on top of the engine-level
// budget, and a request timeout so a hung call always settles.
type VendorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	pacer      *rate.Limiter
}

// NewVendorClient builds a vendor client with defaults filled in.
func NewVendorClient(cfg VendorConfig) (*VendorClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vendor base URL is required")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}

	return &VendorClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		pacer: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1),
	}, nil
}

// vendorQuote is the vendor's wire shape.
type vendorQuote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	PreviousClose float64 `json:"previous_close"`
	Timestamp     int64   `json:"timestamp"` // unix seconds
}

func (vq vendorQuote) toQuote() quote.Quote {
	ts := time.Unix(vq.Timestamp, 0).UTC()
	if vq.Timestamp <= 0 {
		ts = time.Now().UTC()
	}
	return quote.Quote{
		Symbol:        quote.NormalizeSymbol(vq.Symbol),
		Price:         vq.Price,
		Change:        vq.Change,
		ChangePercent: vq.ChangePercent,
		Open:          vq.Open,
		High:          vq.High,
		Low:           vq.Low,
		PreviousClose: vq.PreviousClose,
		Timestamp:     ts,
		Source:        quote.SourceLive,
	}
}

// GetQuote fetches a single quote.
func (vc *VendorClient) GetQuote(ctx context.Context, symbol string) (quote.Quote, error) {
	symbol = quote.NormalizeSymbol(symbol)

	var vq vendorQuote
	if err := vc.getJSON(ctx, "/v1/quote", url.Values{"symbol": {symbol}}, &vq); err != nil {
		return quote.Quote{}, err
	}

	q := vq.toQuote()
	if err := quote.Validate(&q); err != nil {
		return quote.Quote{}, err
	}
	return q, nil
}

// GetBatch fetches quotes for several symbols in one call. Symbols the
// vendor does not know are simply absent from the result.
func (vc *VendorClient) GetBatch(ctx context.Context, symbols []string) (map[string]quote.Quote, error) {
	upper := make([]string, 0, len(symbols))
	for _, s := range symbols {
		upper = append(upper, quote.NormalizeSymbol(s))
	}

	var payload struct {
		Quotes []vendorQuote `json:"quotes"`
	}
	if err := vc.getJSON(ctx, "/v1/quotes", url.Values{"symbols": {strings.Join(upper, ",")}}, &payload); err != nil {
		return nil, err
	}

	out := make(map[string]quote.Quote, len(payload.Quotes))
	for _, vq := range payload.Quotes {
		q := vq.toQuote()
		if err := quote.Validate(&q); err != nil {
			continue
		}
		out[q.Symbol] = q
	}
	return out, nil
}

// SearchSymbol looks up tickers matching a free-text query.
func (vc *VendorClient) SearchSymbol(ctx context.Context, query string) ([]SymbolMatch, error) {
	var payload struct {
		Matches []SymbolMatch `json:"matches"`
	}
	if err := vc.getJSON(ctx, "/v1/search", url.Values{"q": {query}}, &payload); err != nil {
		return nil, err
	}
	return payload.Matches, nil
}

func (vc *VendorClient) getJSON(ctx context.Context, path string, params url.Values, dst any) error {
	if err := vc.pacer.Wait(ctx); err != nil {
		return err
	}

	if vc.apiKey != "" {
		params.Set("apikey", vc.apiKey)
	}
	u := vc.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := vc.httpClient.Do(req)
	if err != nil {
		return quote.NewUpstreamError("", fmt.Sprintf("GET %s failed", path), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return quote.NewRateLimitError("", "vendor returned 429")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return quote.NewUpstreamError("", fmt.Sprintf("GET %s -> %d", path, resp.StatusCode), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return quote.NewMalformedError("", "decode vendor response", err)
	}
	return nil
}
