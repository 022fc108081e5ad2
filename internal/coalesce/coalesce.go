// Package coalesce deduplicates concurrent identical upstream fetches:
// at most one producer runs per request signature, and everyone who
// joined while it was in flight gets the same result or error.
package coalesce

import (
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/dealdeskhq/dealdesk/internal/quote"
)

// Group coalesces calls by key. The in-flight slot is dropped when the
// producer settles, success or failure, so a later call with the same
// key runs fresh.
type Group[T any] struct {
	sf singleflight.Group
}

// Do returns the in-flight result for key if one exists, otherwise runs
// fn. shared reports whether the result was given to more than one
// caller.
func (g *Group[T]) Do(key string, fn func() (T, error)) (T, bool, error) {
	v, err, shared := g.sf.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, shared, err
	}
	return v.(T), shared, nil
}

// Signature canonicalizes a symbol list into a request key: uppercased,
// deduplicated, sorted, comma-joined. Identical requests map to the same
// key regardless of input order or case.
func Signature(symbols []string) string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = quote.NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
