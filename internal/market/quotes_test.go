package market

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradegate/internal/domain"
)

func TestParseSeed(t *testing.T) {
	quotes, err := ParseSeed("eurusd=1.085, USDJPY = 151.2,")
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "EURUSD", quotes[0].Instrument)
	assert.Equal(t, 151.2, quotes[1].Ask)
	assert.True(t, quotes[1].MarketOpen)

	_, err = ParseSeed("EURUSD")
	assert.Error(t, err)
	_, err = ParseSeed("EURUSD=-1")
	assert.Error(t, err)
}

func TestBoard_QuoteAndMarketOpen(t *testing.T) {
	b := NewBoard()
	b.Set(Quote{Instrument: "eurusd", Bid: 1.0849, Ask: 1.0851, MarketOpen: true})

	q, err := b.Quote(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.InDelta(t, 1.085, q.Mid(), 1e-9)
	assert.Equal(t, 1.0851, q.PriceFor(domain.SideBuy))
	assert.Equal(t, 1.0849, q.PriceFor(domain.SideSell))

	b.SetMarketOpen("EURUSD", false)
	q, _ = b.Quote(context.Background(), "EURUSD")
	assert.False(t, q.MarketOpen)

	_, err = b.Quote(context.Background(), "XAUUSD")
	assert.True(t, errors.Is(err, ErrNoQuote))
}
