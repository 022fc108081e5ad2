// Package fetch turns the raw quote source into a disciplined one:
// chunked batch fetches under the call budget, coalesced in-flight
// requests, and the live -> stale-cache -> synthetic fallback ladder.
package fetch

import (
	"context"
	"time"

	"github.com/dealdeskhq/dealdesk/internal/coalesce"
	"github.com/dealdeskhq/dealdesk/internal/observ"
	"github.com/dealdeskhq/dealdesk/internal/quote"
	"github.com/dealdeskhq/dealdesk/internal/ratelimit"
	"github.com/dealdeskhq/dealdesk/internal/source"
)

const (
	// DefaultChunkSize is how many symbols go into one upstream batch call.
	DefaultChunkSize = 10

	// DefaultChunkDelay is the fixed pause between chunks. Fixed by
	// design; no jitter or exponential backoff.
	DefaultChunkDelay = 200 * time.Millisecond
)

// BatchFetcher splits large symbol sets into sequential chunked batch
// calls, pacing chunks against the shared rate budget.
type BatchFetcher struct {
	src        source.QuoteSource
	limiter    *ratelimit.Window
	group      coalesce.Group[map[string]quote.Quote]
	chunkSize  int
	chunkDelay time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewBatchFetcher builds a fetcher; chunkSize/chunkDelay <= 0 select the
// defaults.
func NewBatchFetcher(src source.QuoteSource, limiter *ratelimit.Window, chunkSize int, chunkDelay time.Duration) *BatchFetcher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkDelay <= 0 {
		chunkDelay = DefaultChunkDelay
	}
	return &BatchFetcher{
		src:        src,
		limiter:    limiter,
		chunkSize:  chunkSize,
		chunkDelay: chunkDelay,
		sleep:      sleepCtx,
	}
}

// FetchMany fetches quotes for symbols in input-order chunks. Chunks run
// sequentially so one poll cycle cannot stampede the shared budget.
// Partial failure is expected: a failed chunk is logged and skipped, and
// an error is returned only when nothing at all could be fetched.
func (bf *BatchFetcher) FetchMany(ctx context.Context, symbols []string) (map[string]quote.Quote, error) {
	results := make(map[string]quote.Quote, len(symbols))
	var lastErr error

	for i := 0; i < len(symbols); i += bf.chunkSize {
		end := i + bf.chunkSize
		if end > len(symbols) {
			end = len(symbols)
		}
		chunk := symbols[i:end]

		if i > 0 {
			if err := bf.sleep(ctx, bf.chunkDelay); err != nil {
				return results, err
			}
		}

		fetched, err := bf.fetchChunk(ctx, chunk)
		if err != nil {
			lastErr = err
			observ.IncCounter("batch_chunk_error_total", nil)
			observ.Log("batch_chunk_failed", map[string]any{
				"symbols": chunk,
				"error":   err.Error(),
			})
			continue
		}
		for sym, q := range fetched {
			results[sym] = q
		}
	}

	if len(results) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return results, nil
}

// fetchChunk runs one upstream batch call, coalesced by the chunk's
// canonical signature. The budget slot is taken inside the coalesced
// producer so joiners of an in-flight call consume no budget.
func (bf *BatchFetcher) fetchChunk(ctx context.Context, chunk []string) (map[string]quote.Quote, error) {
	key := coalesce.Signature(chunk)
	result, shared, err := bf.group.Do(key, func() (map[string]quote.Quote, error) {
		if err := bf.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		return bf.src.GetBatch(ctx, chunk)
	})
	if shared {
		observ.IncCounter("batch_coalesced_total", nil)
	}
	return result, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
