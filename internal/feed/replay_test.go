package feed

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/pincex_mktcore/internal/book"
	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

func newFeedBook(t *testing.T) *book.OrderBook {
	t.Helper()
	b, err := book.New(book.Config{
		Instrument: models.Instrument{
			Venue: "SIM", Symbol: "BTC-USD", BaseAsset: "BTC",
			QuoteAsset: "USD", SettleDate: "SPOT", TickSize: 0.5,
		},
		Mode:     book.Dense,
		Capacity: 4096,
	}, nil)
	require.NoError(t, err)
	return b
}

func TestDriverSeedsTwoSidedBook(t *testing.T) {
	d := NewDriver(1, time.Millisecond, nil, nil)
	b := newFeedBook(t)
	d.Add(b, 10000)

	assert.True(t, b.IsLive())
	assert.Equal(t, 5, b.Depth(models.Bid))
	assert.Equal(t, 5, b.Depth(models.Ask))
	assert.Less(t, b.GetBestBidPx(), b.GetBestAskPx())
	assert.InDelta(t, 10000, b.MidPrice(), 5)
}

func TestDriverIsDeterministic(t *testing.T) {
	run := func() (float64, float64, int64) {
		d := NewDriver(42, time.Millisecond, nil, nil)
		b := newFeedBook(t)
		d.Add(b, 10000)
		now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 500; i++ {
			d.Step(now.Add(time.Duration(i) * time.Millisecond))
		}
		return b.GetBestBidPx(), b.GetBestAskPx(), b.Seq()
	}

	bid1, ask1, seq1 := run()
	bid2, ask2, seq2 := run()
	assert.Equal(t, bid1, bid2)
	assert.Equal(t, ask1, ask2)
	assert.Equal(t, seq1, seq2)
}

func TestDriverNeverLeavesBookCrossed(t *testing.T) {
	d := NewDriver(7, time.Millisecond, nil, nil)
	b := newFeedBook(t)
	d.Add(b, 10000)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 2000; i++ {
		d.Step(now.Add(time.Duration(i) * time.Millisecond))
		bid, ask := b.GetBestBidPx(), b.GetBestAskPx()
		if math.IsNaN(bid) || math.IsNaN(ask) {
			continue
		}
		require.Less(t, bid, ask, "book crossed after step %d", i)
	}
}
