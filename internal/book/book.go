package book

import (
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_mktcore/pkg/metrics"
	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

// RepresentationMode selects the side implementation at construction.
type RepresentationMode uint8

const (
	Dense RepresentationMode = iota
	Sparse
)

// SequencePolicy fixes, per book, how message sequence numbers must
// behave once the book is live (catch-up mode always tolerates repeats).
type SequencePolicy uint8

const (
	// SeqContinuous requires each live update to carry the previous
	// sequence number or the next one; gaps are sequencing errors.
	SeqContinuous SequencePolicy = iota
	// SeqNonDecreasing only rejects regressions.
	SeqNonDecreasing
)

const defaultOrderTableCapacity = 1 << 16

// Config carries the per-instrument construction parameters.
type Config struct {
	Instrument models.Instrument
	Mode       RepresentationMode
	// Capacity is the dense window size in ticks. Ignored in sparse mode.
	Capacity int
	// MaxDepth caps occupied levels per side (dense only, 0 = unlimited).
	// Incompatible with order tracking.
	MaxDepth  int
	SeqPolicy SequencePolicy
	// OrderTracking enables the per-order FIFO chains and the order-id
	// lookup table, for order-log style feeds. Quantities are then
	// interpreted as each order's own size rather than the level
	// aggregate.
	OrderTracking      bool
	OrderTableCapacity int
	// RelaxedAlignment silently drops dense-mode updates whose price
	// does not sit on the tick grid, for venues with known rounding
	// noise, instead of returning an argument error.
	RelaxedAlignment bool
	// Strict promotes order-chain consistency violations from
	// logged-and-healed warnings to returned errors.
	Strict bool
}

// Observer is notified after every update that changed observable state.
type Observer func(b *OrderBook, effect models.UpdateEffect)

// OrderBook owns both sides of one instrument's book plus the sequencing
// state and, for order-log feeds, the order lookup table. All methods are
// single-threaded: the surrounding event loop serializes feed delivery.
type OrderBook struct {
	cfg Config
	log *zap.Logger

	bid bookSide
	ask bookSide

	orders *orderTable

	seq  int64
	rseq int64
	live bool

	lastUpdated models.Side
	observers   []Observer
}

// New builds a book for one instrument. The representation, sequencing
// policy and tracking mode are fixed for the life of the book.
func New(cfg Config, log *zap.Logger) (*OrderBook, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Mode == Dense {
		if cfg.Instrument.TickSize <= 0 {
			return nil, errArgf("dense book requires a positive tick size")
		}
		if cfg.Capacity <= 0 {
			return nil, errArgf("dense book requires a positive capacity")
		}
		if cfg.OrderTracking && cfg.MaxDepth > 0 {
			return nil, errArgf("max depth eviction cannot be combined with order tracking")
		}
	}
	b := &OrderBook{
		cfg: cfg,
		log: log.With(zap.String("instrument", cfg.Instrument.Key())),
	}
	if cfg.Mode == Dense {
		b.bid = newDenseSide(models.Bid, cfg.Instrument.TickSize, cfg.Capacity, cfg.MaxDepth, cfg.RelaxedAlignment)
		b.ask = newDenseSide(models.Ask, cfg.Instrument.TickSize, cfg.Capacity, cfg.MaxDepth, cfg.RelaxedAlignment)
	} else {
		b.bid = newSparseSide(models.Bid)
		b.ask = newSparseSide(models.Ask)
	}
	if cfg.OrderTracking {
		capacity := cfg.OrderTableCapacity
		if capacity <= 0 {
			capacity = defaultOrderTableCapacity
		}
		b.orders = newOrderTable(capacity)
	}
	return b, nil
}

// Instrument returns the static instrument definition this book serves.
func (b *OrderBook) Instrument() *models.Instrument { return &b.cfg.Instrument }

// Seq returns the last observed message sequence number.
func (b *OrderBook) Seq() int64 { return b.seq }

// RSeq returns the last observed report sequence number.
func (b *OrderBook) RSeq() int64 { return b.rseq }

// IsLive reports whether the book is past catch-up.
func (b *OrderBook) IsLive() bool { return b.live }

// MarkLive ends catch-up mode. One-way; only Invalidate returns the book
// to the pre-catch-up state.
func (b *OrderBook) MarkLive() { b.live = true }

// Subscribe registers an observer called after each effective update.
func (b *OrderBook) Subscribe(obs Observer) {
	b.observers = append(b.observers, obs)
}

func (b *OrderBook) side(s models.Side) bookSide {
	if s == models.Bid {
		return b.bid
	}
	return b.ask
}

// Update applies one decoded market-data event and classifies its effect.
// Sequence cursors advance even when validation fails so that one bad
// message cannot wedge the book permanently.
func (b *OrderBook) Update(u models.BookUpdate) (models.UpdateEffect, error) {
	seqErr := b.checkSequence(u.Seq, u.RSeq)
	b.seq, b.rseq = u.Seq, u.RSeq
	if seqErr != nil {
		metrics.SequenceErrors.WithLabelValues(b.cfg.Instrument.Key()).Inc()
		return models.EffectError, seqErr
	}

	if math.IsNaN(u.Price) || math.IsInf(u.Price, 0) {
		return models.EffectError, errArgf("non-finite price in %s %s update", u.Side, u.Action)
	}
	qty := u.Qty
	if qty.Sign() < 0 {
		b.log.Warn("negative quantity clipped to zero",
			zap.String("side", u.Side.String()),
			zap.Float64("price", u.Price),
			zap.String("qty", qty.String()))
		qty = decimal.Zero
	}

	var (
		effect models.UpdateEffect
		err    error
	)
	if b.orders != nil && u.OrderID != 0 {
		effect, err = b.applyTracked(u.Side, u.Action, u.Price, qty, u.OrderID)
	} else {
		if b.orders != nil {
			b.log.Warn("order-tracked book received update without order id; applying as aggregate",
				zap.Float64("price", u.Price))
		}
		resulting := qty
		if u.Action == models.ActionDelete {
			resulting = decimal.Zero
		}
		effect, err = b.side(u.Side).set(u.Price, resulting)
	}
	if err != nil {
		return models.EffectError, err
	}

	b.lastUpdated = u.Side
	metrics.BookUpdates.WithLabelValues(b.cfg.Instrument.Key(), effect.String()).Inc()
	if effect != models.EffectNone {
		for _, obs := range b.observers {
			obs(b, effect)
		}
	}
	return effect, nil
}

// checkSequence validates the cursors against the book's policy. During
// catch-up only non-decrease is required; live books additionally apply
// the continuity policy to the message sequence. Report sequence numbers
// group logical batches, so several messages may legitimately share one;
// they are checked for non-decrease only.
func (b *OrderBook) checkSequence(seq, rseq int64) error {
	if seq < b.seq {
		return errSeqf("sequence regression %d -> %d", b.seq, seq)
	}
	if rseq < b.rseq {
		return errSeqf("report sequence regression %d -> %d", b.rseq, rseq)
	}
	if b.live && b.cfg.SeqPolicy == SeqContinuous && seq > b.seq+1 {
		return errSeqf("sequence gap %d -> %d", b.seq, seq)
	}
	return nil
}

// applyTracked applies an order-log event: the quantity is the order's
// own size, and the level aggregate moves by the implied delta. Chain
// inconsistencies are logged and healed rather than failed, unless the
// book was built Strict.
func (b *OrderBook) applyTracked(side models.Side, action models.Action, price float64, qty decimal.Decimal, orderID uint64) (models.UpdateEffect, error) {
	s := b.side(side)
	switch action {
	case models.ActionNew:
		rec, ok := b.orders.findOrCreate(orderID)
		if !ok {
			// Table full: the order's liquidity still counts, it just
			// cannot be tracked for later Change/Delete.
			b.log.Warn("order table full; order untracked", zap.Uint64("order_id", orderID))
			return s.set(price, b.levelQty(s, price).Add(qty))
		}
		if rec.Qty.Sign() > 0 {
			if err := b.consistency("duplicate new for tracked order", orderID, price); err != nil {
				return models.EffectError, err
			}
			return b.changeTracked(s, rec, price, qty)
		}
		effect, err := s.set(price, b.levelQty(s, price).Add(qty))
		if err != nil {
			b.orders.release(rec)
			return effect, err
		}
		rec.Qty = qty
		rec.Price = price
		if lvl := s.level(price); lvl != nil {
			lvl.appendOrder(rec)
			b.checkLevelInvariant(s, price, lvl)
		}
		return effect, nil

	case models.ActionChange:
		rec := b.orders.lookup(orderID)
		if rec == nil {
			if err := b.consistency("change for unknown order", orderID, price); err != nil {
				return models.EffectError, err
			}
			// Heal by treating it as a late New.
			return b.applyTracked(side, models.ActionNew, price, qty, orderID)
		}
		if rec.Price != price {
			if err := b.consistency("change claims wrong level", orderID, price); err != nil {
				return models.EffectError, err
			}
			// Heal: remove from the level it actually rests at, re-add
			// at the claimed one.
			if _, err := b.deleteTracked(s, rec); err != nil {
				return models.EffectError, err
			}
			return b.applyTracked(side, models.ActionNew, price, qty, orderID)
		}
		return b.changeTracked(s, rec, price, qty)

	case models.ActionDelete:
		rec := b.orders.lookup(orderID)
		if rec == nil {
			if err := b.consistency("delete for unknown order", orderID, price); err != nil {
				return models.EffectError, err
			}
			return models.EffectNone, nil
		}
		if rec.Price != price {
			if err := b.consistency("delete claims wrong level", orderID, price); err != nil {
				return models.EffectError, err
			}
		}
		return b.deleteTracked(s, rec)
	}
	return models.EffectError, errArgf("unknown action %v", action)
}

func (b *OrderBook) changeTracked(s bookSide, rec *OrderRecord, price float64, qty decimal.Decimal) (models.UpdateEffect, error) {
	delta := qty.Sub(rec.Qty)
	newAgg := b.levelQty(s, price).Add(delta)
	if newAgg.Sign() < 0 {
		newAgg = decimal.Zero
	}
	effect, err := s.set(price, newAgg)
	if err != nil {
		return effect, err
	}
	rec.Qty = qty
	if lvl := s.level(price); lvl != nil {
		b.checkLevelInvariant(s, price, lvl)
	}
	return effect, nil
}

func (b *OrderBook) deleteTracked(s bookSide, rec *OrderRecord) (models.UpdateEffect, error) {
	price := rec.Price
	lvl := s.level(price)
	if lvl != nil && !lvl.unlinkOrder(rec) {
		if err := b.consistency("order not linked at its level", rec.ID, price); err != nil {
			return models.EffectError, err
		}
	}
	newAgg := b.levelQty(s, price).Sub(rec.Qty)
	if newAgg.Sign() < 0 {
		newAgg = decimal.Zero
	}
	b.orders.release(rec)
	effect, err := s.set(price, newAgg)
	if err != nil {
		return effect, err
	}
	if lvl := s.level(price); lvl != nil {
		b.checkLevelInvariant(s, price, lvl)
	}
	return effect, nil
}

func (b *OrderBook) levelQty(s bookSide, price float64) decimal.Decimal {
	if lvl := s.level(price); lvl != nil {
		return lvl.Qty
	}
	return decimal.Zero
}

// consistency records a chain-integrity violation. Healed and absorbed by
// default so one bad message cannot take down a whole feed; Strict books
// turn it into an argument error instead.
func (b *OrderBook) consistency(msg string, orderID uint64, price float64) error {
	if b.cfg.Strict {
		return errArgf("%s (order %d at %v)", msg, orderID, price)
	}
	b.log.Error("book consistency violation, healing",
		zap.String("violation", msg),
		zap.Uint64("order_id", orderID),
		zap.Float64("price", price))
	return nil
}

// checkLevelInvariant asserts (orderCount == 0) == (qty == 0) for a
// tracked level, healing by resetting the level when it fails.
func (b *OrderBook) checkLevelInvariant(s bookSide, price float64, lvl *PriceLevelEntry) {
	zeroQty := lvl.Qty.Sign() == 0
	zeroCount := lvl.OrderCount == 0
	if zeroQty == zeroCount {
		return
	}
	b.log.Error("level qty/order-count mismatch, resetting level",
		zap.Float64("price", price),
		zap.String("qty", lvl.Qty.String()),
		zap.Int("order_count", lvl.OrderCount))
	lvl.releaseChain(b.orders)
	s.set(price, decimal.Zero) //nolint:errcheck // healing path
}

// Clear empties both sides, e.g. ahead of a snapshot refresh. Returns
// EffectNone when the book was already empty.
func (b *OrderBook) Clear(seq, rseq int64) models.UpdateEffect {
	b.seq, b.rseq = seq, rseq
	wasEmpty := b.bid.depth() == 0 && b.ask.depth() == 0
	b.bid.clear()
	b.ask.clear()
	if b.orders != nil {
		b.orders.clear()
	}
	if wasEmpty {
		return models.EffectNone
	}
	return models.EffectBestPx
}

// Invalidate resets the book to the pre-catch-up empty state, used on
// feed resync. The object survives; only its state is discarded.
func (b *OrderBook) Invalidate() {
	b.Clear(0, 0)
	b.seq, b.rseq = 0, 0
	b.live = false
}

// CorrectBook repairs a bid/ask collision caused by independently
// sequenced per-side updates. The side that was NOT most recently updated
// is corrected, so the freshest information is trusted. Returns the
// corrected side and whether anything was touched.
func (b *OrderBook) CorrectBook() (models.Side, bool) {
	bidPx := b.bid.bestPrice()
	askPx := b.ask.bestPrice()
	if math.IsNaN(bidPx) || math.IsNaN(askPx) || bidPx < askPx {
		return 0, false
	}

	corrected := b.lastUpdated.Opposite()
	s := b.side(corrected)
	var crossing []float64
	if corrected == models.Bid {
		s.traverse(0, func(px float64, _ *PriceLevelEntry) bool {
			if px >= askPx {
				crossing = append(crossing, px)
				return true
			}
			return false
		})
	} else {
		s.traverse(0, func(px float64, _ *PriceLevelEntry) bool {
			if px <= bidPx {
				crossing = append(crossing, px)
				return true
			}
			return false
		})
	}
	for _, px := range crossing {
		if b.orders != nil {
			if lvl := s.level(px); lvl != nil {
				lvl.releaseChain(b.orders)
			}
		}
		s.set(px, decimal.Zero) //nolint:errcheck // removing an existing level cannot misalign
	}
	b.log.Warn("bid/ask collision corrected",
		zap.String("corrected_side", corrected.String()),
		zap.Int("levels_cleared", len(crossing)),
		zap.Float64("bid", bidPx),
		zap.Float64("ask", askPx))
	metrics.BookCorrections.WithLabelValues(b.cfg.Instrument.Key(), corrected.String()).Inc()
	return corrected, true
}

// GetBestBidPx returns the best bid price, NaN when the side is empty.
func (b *OrderBook) GetBestBidPx() float64 { return b.bid.bestPrice() }

// GetBestAskPx returns the best ask price, NaN when the side is empty.
func (b *OrderBook) GetBestAskPx() float64 { return b.ask.bestPrice() }

// GetBestBidQty returns the aggregate quantity at the best bid.
func (b *OrderBook) GetBestBidQty() decimal.Decimal { return b.bid.bestQty() }

// GetBestAskQty returns the aggregate quantity at the best ask.
func (b *OrderBook) GetBestAskQty() decimal.Decimal { return b.ask.bestQty() }

// MidPrice returns the bid/ask midpoint, NaN unless both sides are set.
func (b *OrderBook) MidPrice() float64 {
	return (b.bid.bestPrice() + b.ask.bestPrice()) / 2
}

// Depth returns the number of occupied levels on one side.
func (b *OrderBook) Depth(side models.Side) int { return b.side(side).depth() }

// Traverse visits occupied levels from best outward, at most depth levels
// (0 = unlimited); the visitor returns false to stop early.
func (b *OrderBook) Traverse(side models.Side, depth int, fn func(price float64, qty decimal.Decimal, orderCount int) bool) {
	b.side(side).traverse(depth, func(price float64, lvl *PriceLevelEntry) bool {
		return fn(price, lvl.Qty, lvl.OrderCount)
	})
}

// Print logs the top of the book for diagnostics.
func (b *OrderBook) Print(depth int) {
	if depth <= 0 {
		depth = 10
	}
	type row struct {
		Px  float64 `json:"px"`
		Qty string  `json:"qty"`
	}
	bids := make([]row, 0, depth)
	asks := make([]row, 0, depth)
	b.bid.traverse(depth, func(px float64, lvl *PriceLevelEntry) bool {
		bids = append(bids, row{px, lvl.Qty.String()})
		return true
	})
	b.ask.traverse(depth, func(px float64, lvl *PriceLevelEntry) bool {
		asks = append(asks, row{px, lvl.Qty.String()})
		return true
	})
	b.log.Info("book",
		zap.Int64("seq", b.seq),
		zap.Bool("live", b.live),
		zap.Any("bids", bids),
		zap.Any("asks", asks))
}

// TrackedOrders returns the number of live entries in the order table,
// zero when tracking is disabled.
func (b *OrderBook) TrackedOrders() int {
	if b.orders == nil {
		return 0
	}
	return b.orders.len()
}
