package book

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

func newTrackedBook(t *testing.T, mutate ...func(*Config)) *OrderBook {
	t.Helper()
	cfg := Config{
		Instrument:         testInstrument(),
		Mode:               Sparse,
		OrderTracking:      true,
		OrderTableCapacity: 8,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	b, err := New(cfg, nil)
	require.NoError(t, err)
	return b
}

func ordUpd(side models.Side, action models.Action, px float64, qty string, id uint64) models.BookUpdate {
	nextSeq++
	return models.BookUpdate{
		Side:    side,
		Action:  action,
		Price:   px,
		Qty:     dec(qty),
		Seq:     nextSeq,
		RSeq:    nextSeq,
		OrderID: id,
	}
}

func levelAt(t *testing.T, b *OrderBook, side models.Side, px float64) (qty string, count int) {
	t.Helper()
	found := false
	b.Traverse(side, 0, func(p float64, q decimal.Decimal, c int) bool {
		if p == px {
			qty, count, found = q.String(), c, true
			return false
		}
		return true
	})
	require.True(t, found, "no level at %v", px)
	return qty, count
}

func TestTrackedOrderLifecycle(t *testing.T) {
	b := newTrackedBook(t)

	assert.Equal(t, models.EffectBestPx, apply(t, b, ordUpd(models.Bid, models.ActionNew, 100, "2", 1)))
	assert.Equal(t, 1, b.TrackedOrders())

	// Second order at the same price stacks onto the level aggregate.
	assert.Equal(t, models.EffectBestQty, apply(t, b, ordUpd(models.Bid, models.ActionNew, 100, "3", 2)))
	qty, count := levelAt(t, b, models.Bid, 100)
	assert.Equal(t, "5", qty)
	assert.Equal(t, 2, count)

	// Changing one order moves the aggregate by its delta only.
	assert.Equal(t, models.EffectBestQty, apply(t, b, ordUpd(models.Bid, models.ActionChange, 100, "1", 1)))
	qty, count = levelAt(t, b, models.Bid, 100)
	assert.Equal(t, "4", qty)
	assert.Equal(t, 2, count)

	assert.Equal(t, models.EffectBestQty, apply(t, b, ordUpd(models.Bid, models.ActionDelete, 100, "0", 2)))
	qty, count = levelAt(t, b, models.Bid, 100)
	assert.Equal(t, "1", qty)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, b.TrackedOrders())

	// Deleting the last order empties the level and the side.
	assert.Equal(t, models.EffectBestPx, apply(t, b, ordUpd(models.Bid, models.ActionDelete, 100, "0", 1)))
	assert.Equal(t, 0, b.Depth(models.Bid))
	assert.Equal(t, 0, b.TrackedOrders())
	assert.True(t, math.IsNaN(b.GetBestBidPx()))
}

func TestOrderTableProbesThroughCollisions(t *testing.T) {
	b := newTrackedBook(t) // capacity 8: ids 3, 11, 19 all hash to slot 3
	apply(t, b, ordUpd(models.Ask, models.ActionNew, 100, "1", 3))
	apply(t, b, ordUpd(models.Ask, models.ActionNew, 101, "2", 11))
	apply(t, b, ordUpd(models.Ask, models.ActionNew, 102, "3", 19))
	assert.Equal(t, 3, b.TrackedOrders())

	// Deleting the first leaves a tombstone; the probe chain to the
	// others must survive it.
	apply(t, b, ordUpd(models.Ask, models.ActionDelete, 100, "0", 3))
	assert.Equal(t, models.EffectBestQty, apply(t, b, ordUpd(models.Ask, models.ActionChange, 101, "5", 11)))
	qty, _ := levelAt(t, b, models.Ask, 101)
	assert.Equal(t, "5", qty)

	// A new colliding id reuses the tombstoned slot.
	apply(t, b, ordUpd(models.Ask, models.ActionNew, 103, "4", 27))
	assert.Equal(t, 3, b.TrackedOrders())
}

func TestOrderTableFullOrderStillCounts(t *testing.T) {
	b := newTrackedBook(t, func(c *Config) { c.OrderTableCapacity = 4 })
	for id := uint64(1); id <= 4; id++ {
		apply(t, b, ordUpd(models.Bid, models.ActionNew, 100, "1", id))
	}
	assert.Equal(t, 4, b.TrackedOrders())

	// The fifth order cannot be tracked but its liquidity is real.
	effect := apply(t, b, ordUpd(models.Bid, models.ActionNew, 100, "2", 5))
	assert.Equal(t, models.EffectBestQty, effect)
	assert.Equal(t, 4, b.TrackedOrders())
	assert.True(t, b.GetBestBidQty().Equal(dec("6")))

	// A later delete for the untracked order finds nothing and heals.
	effect = apply(t, b, ordUpd(models.Bid, models.ActionDelete, 100, "0", 5))
	assert.Equal(t, models.EffectNone, effect)
	assert.True(t, b.GetBestBidQty().Equal(dec("6")))
}

func TestDuplicateNewHealsAsChange(t *testing.T) {
	b := newTrackedBook(t)
	apply(t, b, ordUpd(models.Bid, models.ActionNew, 100, "2", 7))
	effect := apply(t, b, ordUpd(models.Bid, models.ActionNew, 100, "5", 7))
	assert.Equal(t, models.EffectBestQty, effect)
	assert.True(t, b.GetBestBidQty().Equal(dec("5")))
	assert.Equal(t, 1, b.TrackedOrders())
}

func TestChangeForUnknownOrderHealsAsNew(t *testing.T) {
	b := newTrackedBook(t)
	effect := apply(t, b, ordUpd(models.Ask, models.ActionChange, 100, "3", 42))
	assert.Equal(t, models.EffectBestPx, effect)
	assert.Equal(t, 1, b.TrackedOrders())
	assert.True(t, b.GetBestAskQty().Equal(dec("3")))
}

func TestDeleteClaimingWrongLevelUsesRecordedPrice(t *testing.T) {
	b := newTrackedBook(t)
	apply(t, b, ordUpd(models.Ask, models.ActionNew, 100, "2", 9))
	apply(t, b, ordUpd(models.Ask, models.ActionNew, 101, "3", 10))

	// The delete claims 101 but order 9 rests at 100; the recorded level
	// wins.
	effect := apply(t, b, ordUpd(models.Ask, models.ActionDelete, 101, "0", 9))
	assert.Equal(t, models.EffectBestPx, effect)
	assert.Equal(t, 101.0, b.GetBestAskPx())
	assert.Equal(t, 1, b.TrackedOrders())
}

func TestChangeMovingLevelsRelocatesOrder(t *testing.T) {
	b := newTrackedBook(t)
	apply(t, b, ordUpd(models.Bid, models.ActionNew, 100, "2", 9))
	effect := apply(t, b, ordUpd(models.Bid, models.ActionChange, 99, "2", 9))
	assert.Equal(t, models.EffectBestPx, effect)
	assert.Equal(t, 99.0, b.GetBestBidPx())
	assert.Equal(t, 1, b.Depth(models.Bid))
	assert.Equal(t, 1, b.TrackedOrders())
}

func TestStrictBookFailsOnViolation(t *testing.T) {
	b := newTrackedBook(t, func(c *Config) { c.Strict = true })
	_, err := b.Update(ordUpd(models.Bid, models.ActionChange, 100, "1", 77))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindArgument))
}

func TestClearDropsTrackedOrders(t *testing.T) {
	b := newTrackedBook(t)
	apply(t, b, ordUpd(models.Bid, models.ActionNew, 100, "2", 1))
	apply(t, b, ordUpd(models.Ask, models.ActionNew, 101, "2", 2))
	b.Clear(10, 10)
	assert.Equal(t, 0, b.TrackedOrders())

	// Ids from before the clear are strangers now.
	effect := apply(t, b, ordUpd(models.Bid, models.ActionDelete, 100, "0", 1))
	assert.Equal(t, models.EffectNone, effect)
}

func TestCorrectBookReleasesTrackedOrders(t *testing.T) {
	b := newTrackedBook(t)
	apply(t, b, ordUpd(models.Ask, models.ActionNew, 100, "2", 1))
	apply(t, b, ordUpd(models.Bid, models.ActionNew, 100, "3", 2))

	side, touched := b.CorrectBook()
	require.True(t, touched)
	assert.Equal(t, models.Ask, side)
	assert.Equal(t, 1, b.TrackedOrders())

	// The released order's slot is reusable.
	apply(t, b, ordUpd(models.Ask, models.ActionNew, 102, "1", 1))
	assert.Equal(t, 2, b.TrackedOrders())
}
