package book

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

// sparseSide keeps levels in an ordered map keyed by price. Chosen for
// feeds where the price range is unbounded or updates are sparse enough
// that a pre-allocated dense window would be wasted. Any price is an
// admissible key; there is no alignment constraint and no fixed level
// count.
type sparseSide struct {
	side   models.Side
	levels *btree.Map[float64, *PriceLevelEntry]
}

func newSparseSide(side models.Side) *sparseSide {
	return &sparseSide{
		side:   side,
		levels: btree.NewMap[float64, *PriceLevelEntry](32),
	}
}

func (s *sparseSide) betterPx(p, q float64) bool {
	if s.side == models.Bid {
		return p > q
	}
	return p < q
}

func (s *sparseSide) best() (float64, *PriceLevelEntry, bool) {
	if s.side == models.Bid {
		return s.levels.Max()
	}
	return s.levels.Min()
}

func (s *sparseSide) set(price float64, qty decimal.Decimal) (models.UpdateEffect, error) {
	bestPx, _, hasBest := s.best()

	if qty.Sign() <= 0 {
		lvl, ok := s.levels.Get(price)
		if !ok || lvl.Empty() {
			return models.EffectNone, nil
		}
		s.levels.Delete(price)
		if hasBest && price == bestPx {
			return models.EffectBestPx, nil
		}
		return models.EffectL2, nil
	}

	lvl, ok := s.levels.Get(price)
	if !ok {
		lvl = &PriceLevelEntry{}
		s.levels.Set(price, lvl)
	}
	lvl.Qty = qty

	switch {
	case !hasBest, s.betterPx(price, bestPx):
		return models.EffectBestPx, nil
	case price == bestPx:
		return models.EffectBestQty, nil
	default:
		return models.EffectL2, nil
	}
}

func (s *sparseSide) level(price float64) *PriceLevelEntry {
	lvl, ok := s.levels.Get(price)
	if !ok {
		return nil
	}
	return lvl
}

func (s *sparseSide) bestPrice() float64 {
	px, _, ok := s.best()
	if !ok {
		return math.NaN()
	}
	return px
}

func (s *sparseSide) bestQty() decimal.Decimal {
	_, lvl, ok := s.best()
	if !ok {
		return decimal.Zero
	}
	return lvl.Qty
}

func (s *sparseSide) depth() int { return s.levels.Len() }

func (s *sparseSide) traverse(limit int, fn func(price float64, lvl *PriceLevelEntry) bool) {
	visited := 0
	iter := func(price float64, lvl *PriceLevelEntry) bool {
		if lvl.Empty() {
			return true
		}
		if !fn(price, lvl) {
			return false
		}
		visited++
		return limit <= 0 || visited < limit
	}
	if s.side == models.Bid {
		s.levels.Reverse(iter)
	} else {
		s.levels.Scan(iter)
	}
}

func (s *sparseSide) clear() {
	s.levels = btree.NewMap[float64, *PriceLevelEntry](32)
}
