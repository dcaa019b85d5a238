package book

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

// alignTolerance is the fraction of a tick within which a price is
// accepted as sitting on the grid. Venue feeds carry minor float noise;
// anything beyond this is a real misalignment.
const alignTolerance = 1e-3

// bookSide is the representation-independent contract shared by the
// dense and sparse implementations. All methods are single-threaded;
// the owning OrderBook serializes access.
type bookSide interface {
	// set replaces the aggregate quantity resting at price. A zero
	// quantity empties the level. The effect classifies what changed.
	set(price float64, qty decimal.Decimal) (models.UpdateEffect, error)
	// level returns the entry at price, or nil if the price is not
	// representable / not present. Dense mode returns retained empty
	// slots; callers check Empty.
	level(price float64) *PriceLevelEntry
	bestPrice() float64 // NaN when empty
	bestQty() decimal.Decimal
	depth() int
	// traverse visits occupied levels from best outward. limit 0 means
	// unlimited; the visitor returns false to stop early. Must not
	// allocate.
	traverse(limit int, fn func(price float64, lvl *PriceLevelEntry) bool)
	clear()
}

// denseSide is a fixed-capacity array of price levels indexed by offset
// from an anchor price, with a sliding best/worst index window. Suited to
// feeds with a bounded price range and dense updates near the top.
//
// Slot i holds price anchor + i*tick for both sides; for bids the best
// level is the highest occupied index, for asks the lowest. The first
// insert on an empty side anchors the window at its middle so the price
// can walk either way over the session.
type denseSide struct {
	side         models.Side
	tick         float64
	relaxedAlign bool

	levels   []PriceLevelEntry
	anchor   float64 // price of slot 0, valid only when anchored
	anchored bool

	bestIdx  int // -1 when empty
	worstIdx int
	occupied int
	maxDepth int // 0 = unlimited
}

func newDenseSide(side models.Side, tick float64, capacity, maxDepth int, relaxedAlign bool) *denseSide {
	return &denseSide{
		side:         side,
		tick:         tick,
		relaxedAlign: relaxedAlign,
		levels:       make([]PriceLevelEntry, capacity),
		bestIdx:      -1,
		worstIdx:     -1,
		maxDepth:     maxDepth,
	}
}

// better reports whether index i holds a strictly better price than j.
func (s *denseSide) better(i, j int) bool {
	if s.side == models.Bid {
		return i > j
	}
	return i < j
}

// worseStep is the index increment walking away from the best price.
func (s *denseSide) worseStep() int {
	if s.side == models.Bid {
		return -1
	}
	return 1
}

func (s *denseSide) priceAt(idx int) float64 {
	return s.anchor + float64(idx)*s.tick
}

// index maps price onto the window. The bool result is false when the
// price does not sit on the tick grid or falls outside the window.
func (s *denseSide) index(price float64) (int, bool) {
	k := math.Round((price - s.anchor) / s.tick)
	if math.Abs(s.anchor+k*s.tick-price) > alignTolerance*s.tick {
		return 0, false
	}
	idx := int(k)
	if idx < 0 || idx >= len(s.levels) {
		return 0, false
	}
	return idx, true
}

func (s *denseSide) set(price float64, qty decimal.Decimal) (models.UpdateEffect, error) {
	if s.occupied == 0 {
		if qty.Sign() <= 0 {
			// Removing liquidity from an empty side: harmless feed echo.
			return models.EffectNone, nil
		}
		s.establish(price, qty)
		return models.EffectBestPx, nil
	}

	idx, ok := s.index(price)
	if !ok {
		if s.relaxedAlign {
			return models.EffectNone, nil
		}
		return models.EffectError, errArgf("price %v not on %v tick grid within dense window", price, s.tick)
	}

	lvl := &s.levels[idx]
	wasEmpty := lvl.Empty()

	switch {
	case s.better(idx, s.bestIdx):
		if qty.Sign() <= 0 {
			if !wasEmpty {
				return models.EffectError, errLogicf("occupied level %v better than tracked best %v", price, s.priceAt(s.bestIdx))
			}
			return models.EffectNone, nil
		}
		lvl.Qty = qty
		if wasEmpty {
			s.occupied++
		}
		s.bestIdx = idx
		s.enforceDepthCap()
		return models.EffectBestPx, nil

	case idx == s.bestIdx:
		if qty.Sign() <= 0 {
			lvl.Qty = decimal.Zero
			s.occupied--
			s.promoteNextBest()
			return models.EffectBestPx, nil
		}
		lvl.Qty = qty
		return models.EffectBestQty, nil

	default: // interior level, worse than best
		if qty.Sign() <= 0 {
			if wasEmpty {
				return models.EffectNone, nil
			}
			lvl.Qty = decimal.Zero
			s.occupied--
			if idx == s.worstIdx {
				s.advanceWorst()
			}
			return models.EffectL2, nil
		}
		lvl.Qty = qty
		if wasEmpty {
			s.occupied++
			if s.better(s.worstIdx, idx) {
				s.worstIdx = idx
			}
			s.enforceDepthCap()
		}
		return models.EffectL2, nil
	}
}

// establish anchors the window mid-capacity around the first price seen
// on an empty side.
func (s *denseSide) establish(price float64, qty decimal.Decimal) {
	for i := range s.levels {
		s.levels[i].reset()
	}
	mid := len(s.levels) / 2
	s.anchor = price - float64(mid)*s.tick
	s.anchored = true
	s.bestIdx = mid
	s.worstIdx = mid
	s.occupied = 1
	s.levels[mid].Qty = qty
}

// promoteNextBest scans outward from the emptied best level, bounded by
// the occupied window, and promotes the next non-empty level. Marks the
// side empty when none remains.
func (s *denseSide) promoteNextBest() {
	step := s.worseStep()
	for i := s.bestIdx + step; s.inWindow(i); i += step {
		if !s.levels[i].Empty() {
			s.bestIdx = i
			return
		}
	}
	s.markEmpty()
}

// advanceWorst pulls the worst index back toward the best over emptied
// slots.
func (s *denseSide) advanceWorst() {
	step := -s.worseStep() // toward best
	for s.worstIdx != s.bestIdx && s.levels[s.worstIdx].Empty() {
		s.worstIdx += step
	}
	if s.worstIdx == s.bestIdx && s.levels[s.bestIdx].Empty() {
		s.markEmpty()
	}
}

// enforceDepthCap evicts the single worst occupied level once depth
// exceeds the configured maximum. Incompatible with order tracking,
// which the book forbids at construction.
func (s *denseSide) enforceDepthCap() {
	if s.maxDepth <= 0 || s.occupied <= s.maxDepth {
		return
	}
	s.levels[s.worstIdx].reset()
	s.occupied--
	s.advanceWorst()
}

func (s *denseSide) inWindow(i int) bool {
	lo, hi := s.worstIdx, s.bestIdx
	if lo > hi {
		lo, hi = hi, lo
	}
	return i >= lo && i <= hi
}

func (s *denseSide) markEmpty() {
	s.bestIdx = -1
	s.worstIdx = -1
	s.occupied = 0
	s.anchored = false
}

func (s *denseSide) level(price float64) *PriceLevelEntry {
	if !s.anchored {
		return nil
	}
	idx, ok := s.index(price)
	if !ok {
		return nil
	}
	return &s.levels[idx]
}

func (s *denseSide) bestPrice() float64 {
	if s.bestIdx < 0 {
		return math.NaN()
	}
	return s.priceAt(s.bestIdx)
}

func (s *denseSide) bestQty() decimal.Decimal {
	if s.bestIdx < 0 {
		return decimal.Zero
	}
	return s.levels[s.bestIdx].Qty
}

func (s *denseSide) depth() int { return s.occupied }

func (s *denseSide) traverse(limit int, fn func(price float64, lvl *PriceLevelEntry) bool) {
	if s.bestIdx < 0 {
		return
	}
	step := s.worseStep()
	visited := 0
	for i := s.bestIdx; s.inWindow(i); i += step {
		lvl := &s.levels[i]
		if lvl.Empty() {
			continue
		}
		if !fn(s.priceAt(i), lvl) {
			return
		}
		visited++
		if limit > 0 && visited >= limit {
			return
		}
	}
}

func (s *denseSide) clear() {
	for i := range s.levels {
		s.levels[i].reset()
	}
	s.markEmpty()
}
