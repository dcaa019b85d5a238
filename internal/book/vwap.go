package book

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

// VWAPBand is the result for one requested size slice. Bands are
// successive: band n prices the liquidity remaining after bands 0..n-1
// were notionally consumed. Filled < Target means the book ran out.
type VWAPBand struct {
	Target  decimal.Decimal
	Filled  decimal.Decimal
	VWAP    float64 // NaN when nothing filled
	WorstPx float64 // worst price touched filling this band
}

// VWAPOptions adjusts how much of the displayed liquidity a query is
// willing to believe.
type VWAPOptions struct {
	// OwnOrderPrice/OwnOrderQty subtract the caller's own resting order
	// so a strategy does not price against itself. NaN disables.
	OwnOrderPrice float64
	OwnOrderQty   decimal.Decimal
	// ExclusionSize is liquidity assumed already spoken for by in-flight
	// aggressive orders; it is consumed from the top of the walk before
	// any band fills.
	ExclusionSize decimal.Decimal
	// ThinLevelDiscount multiplies the counted quantity of levels
	// resting a single order, which are the easiest to spoof. Zero
	// disables; requires an order-tracked book to observe counts.
	ThinLevelDiscount float64
	// DiscountTopOnly restricts the discount to the first level walked.
	DiscountTopOnly bool
}

// GetVWAP walks one side from the best price outward, slicing liquidity
// into the requested bands and pricing each. Successive bands can only
// get worse for the taker; the walk enforces that as a logic error since
// a violation means the book itself is corrupt.
func (b *OrderBook) GetVWAP(side models.Side, bands []decimal.Decimal, opts VWAPOptions) ([]VWAPBand, error) {
	if len(bands) == 0 {
		return nil, errArgf("vwap requires at least one band")
	}
	for i, sz := range bands {
		if sz.Sign() <= 0 {
			return nil, errArgf("vwap band %d has non-positive size %s", i, sz.String())
		}
	}

	out := make([]VWAPBand, len(bands))
	for i := range out {
		out[i] = VWAPBand{Target: bands[i], VWAP: math.NaN(), WorstPx: math.NaN()}
	}

	exclusion := opts.ExclusionSize
	hasOwn := !math.IsNaN(opts.OwnOrderPrice) && opts.OwnOrderQty.Sign() > 0
	discount := decimal.Decimal{}
	if opts.ThinLevelDiscount > 0 && opts.ThinLevelDiscount < 1 {
		discount = decimal.NewFromFloat(opts.ThinLevelDiscount)
	}

	bandIdx := 0
	remaining := bands[0]
	var notional, filled decimal.Decimal
	first := true

	b.side(side).traverse(0, func(price float64, lvl *PriceLevelEntry) bool {
		eff := lvl.Qty
		ownLevel := hasOwn && price == opts.OwnOrderPrice
		if ownLevel {
			eff = eff.Sub(opts.OwnOrderQty)
			if eff.Sign() < 0 {
				eff = decimal.Zero
			}
		}
		// The discount models someone else's lone resting order. When
		// the lone order was the caller's own it is already excluded,
		// so the remainder is not discounted again.
		if !discount.IsZero() && lvl.OrderCount == 1 && !ownLevel && (!opts.DiscountTopOnly || first) {
			eff = eff.Mul(discount)
		}
		first = false
		if exclusion.Sign() > 0 {
			take := decimal.Min(eff, exclusion)
			eff = eff.Sub(take)
			exclusion = exclusion.Sub(take)
		}

		px := decimal.NewFromFloat(price)
		for eff.Sign() > 0 {
			take := decimal.Min(eff, remaining)
			notional = notional.Add(take.Mul(px))
			filled = filled.Add(take)
			out[bandIdx].WorstPx = price
			eff = eff.Sub(take)
			remaining = remaining.Sub(take)
			if remaining.Sign() > 0 {
				break
			}
			b.finishBand(&out[bandIdx], notional, filled)
			bandIdx++
			notional, filled = decimal.Zero, decimal.Zero
			if bandIdx >= len(out) {
				return false
			}
			remaining = bands[bandIdx]
		}
		return bandIdx < len(out)
	})

	if bandIdx < len(out) && filled.Sign() > 0 {
		b.finishBand(&out[bandIdx], notional, filled)
	}

	if err := b.checkBandMonotonicity(side, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *OrderBook) finishBand(band *VWAPBand, notional, filled decimal.Decimal) {
	band.Filled = filled
	if filled.Sign() > 0 {
		band.VWAP, _ = notional.Div(filled).Float64()
	}
}

// checkBandMonotonicity verifies that from the taker's perspective each
// successive band is no better than the previous one: walking asks (a
// buy) prices rise; walking bids (a sell) they fall. A violation cannot
// result from any well-formed walk and indicates feed corruption.
func (b *OrderBook) checkBandMonotonicity(side models.Side, bands []VWAPBand) error {
	const eps = 1e-9
	prev := -1
	for i := range bands {
		if bands[i].Filled.Sign() == 0 {
			continue
		}
		if prev >= 0 {
			worse := bands[i].VWAP >= bands[prev].VWAP-eps
			worsePx := bands[i].WorstPx >= bands[prev].WorstPx-eps
			if side == models.Bid {
				worse = bands[i].VWAP <= bands[prev].VWAP+eps
				worsePx = bands[i].WorstPx <= bands[prev].WorstPx+eps
			}
			if !worse || !worsePx {
				return errLogicf("vwap bands not monotonic on %s: band %d (%v/%v) better than band %d (%v/%v)",
					side, i, bands[i].VWAP, bands[i].WorstPx, prev, bands[prev].VWAP, bands[prev].WorstPx)
			}
		}
		prev = i
	}
	return nil
}
