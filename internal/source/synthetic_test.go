package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealdeskhq/dealdesk/internal/quote"
)

func TestSynthetic_Recognizes(t *testing.T) {
	sg := NewSynthetic([]string{"acme"})

	assert.True(t, sg.Recognizes("AAPL"))
	assert.True(t, sg.Recognizes("aapl"))
	assert.True(t, sg.Recognizes("ACME"))
	assert.False(t, sg.Recognizes("ZZZZ"))
}

func TestSynthetic_DeterministicQuotes(t *testing.T) {
	sg := NewSynthetic(nil)
	ctx := context.Background()

	first, err := sg.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	second, err := sg.GetQuote(ctx, "aapl")
	require.NoError(t, err)

	assert.Equal(t, first.Price, second.Price)
	assert.Equal(t, first.Change, second.Change)
	assert.Equal(t, quote.SourceSynthetic, first.Source)
	assert.Greater(t, first.Price, 0.0)
	assert.GreaterOrEqual(t, first.High, first.Price)
	assert.LessOrEqual(t, first.Low, first.Price)

	// Drift is bounded to 2% of the seeded base.
	assert.InDelta(t, first.PreviousClose, first.Price, first.PreviousClose*0.02+0.01)
}

func TestSynthetic_UnknownSymbolIsNoData(t *testing.T) {
	sg := NewSynthetic(nil)

	_, err := sg.GetQuote(context.Background(), "ZZZZ")
	require.Error(t, err)
	assert.True(t, quote.IsKind(err, quote.KindNoData))
}

func TestSynthetic_BatchSkipsUnknown(t *testing.T) {
	sg := NewSynthetic(nil)

	out, err := sg.GetBatch(context.Background(), []string{"AAPL", "ZZZZ", "msft"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Contains(t, out, "AAPL")
	assert.Contains(t, out, "MSFT")
}

func TestSynthetic_Search(t *testing.T) {
	sg := NewSynthetic(nil)

	matches, err := sg.SearchSymbol(context.Background(), "aa")
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "AAPL", matches[0].Symbol)

	none, err := sg.SearchSymbol(context.Background(), "XYZXYZ")
	require.NoError(t, err)
	assert.Empty(t, none)
}
