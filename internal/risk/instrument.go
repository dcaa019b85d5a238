package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_mktcore/internal/book"
	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

// InstrumentRisk tracks one user's trading state in one instrument:
// signed position (positive = net long the base asset), average entry
// price, realized PnL in the quote asset, and the notional of orders
// currently resting in the market. Each trade also flows into the two
// asset legs so cross-instrument exposure nets per asset.
type InstrumentRisk struct {
	UserID     int64
	Instrument *models.Instrument

	base  *AssetRisk
	quote *AssetRisk
	book  *book.OrderBook // valuation book, may be nil

	position    decimal.Decimal
	avgPx       decimal.Decimal
	boughtQty   decimal.Decimal
	soldQty     decimal.Decimal
	realizedPnL decimal.Decimal

	activeOrders   int
	activeNotional decimal.Decimal // reference currency

	lastMarkPx    decimal.Decimal
	unrealizedPnL decimal.Decimal
}

func newInstrumentRisk(userID int64, inst *models.Instrument, base, quote *AssetRisk, b *book.OrderBook) (*InstrumentRisk, error) {
	if base.Asset != inst.BaseAsset || quote.Asset != inst.QuoteAsset {
		return nil, fmt.Errorf("asset legs %s/%s do not match instrument %s (%s/%s)",
			base.Asset, quote.Asset, inst.Key(), inst.BaseAsset, inst.QuoteAsset)
	}
	return &InstrumentRisk{
		UserID:     userID,
		Instrument: inst,
		base:       base,
		quote:      quote,
		book:       b,
	}, nil
}

// cloneFor copies the static wiring for a new user against that user's
// own asset legs. Dynamic state starts at zero.
func (ir *InstrumentRisk) cloneFor(userID int64, base, quote *AssetRisk) (*InstrumentRisk, error) {
	return newInstrumentRisk(userID, ir.Instrument, base, quote, ir.book)
}

// ApplyTrade folds one fill into position, average price and realized
// PnL, and moves both asset legs. trackPnL false (relaxed mode) keeps
// only the positions.
func (ir *InstrumentRisk) ApplyTrade(t *models.TradeExecution, trackPnL bool) {
	signed := t.Qty
	if !t.IsBuy {
		signed = signed.Neg()
	}

	if trackPnL {
		ir.updatePnL(signed, t.Price)
	}
	ir.position = ir.position.Add(signed)
	if t.IsBuy {
		ir.boughtQty = ir.boughtQty.Add(t.Qty)
	} else {
		ir.soldQty = ir.soldQty.Add(t.Qty)
	}

	// Asset legs: base moves by the signed quantity, quote by the
	// opposite cash amount, fees always out of quote.
	ir.base.AddTrade(signed)
	ir.quote.AddTrade(signed.Mul(t.Price).Neg())
	if t.Fee.Sign() != 0 {
		ir.quote.AddTransfer(t.Fee.Neg())
	}
}

// updatePnL applies the standard average-price bookkeeping: adding to a
// position re-averages the entry price, reducing realizes PnL against
// it, and crossing through zero re-opens at the fill price.
func (ir *InstrumentRisk) updatePnL(signed, px decimal.Decimal) {
	pos := ir.position
	switch {
	case pos.Sign() == 0 || pos.Sign() == signed.Sign():
		total := pos.Add(signed)
		if total.Sign() != 0 {
			ir.avgPx = pos.Mul(ir.avgPx).Add(signed.Mul(px)).Div(total)
		}
	case signed.Abs().LessThanOrEqual(pos.Abs()):
		// Partial or full close: realize against the average.
		closed := signed.Abs()
		diff := px.Sub(ir.avgPx)
		if pos.Sign() < 0 {
			diff = diff.Neg()
		}
		ir.realizedPnL = ir.realizedPnL.Add(closed.Mul(diff))
		if pos.Add(signed).Sign() == 0 {
			ir.avgPx = decimal.Zero
		}
	default:
		// Flip: close the whole old position, open the rest at px.
		closed := pos.Abs()
		diff := px.Sub(ir.avgPx)
		if pos.Sign() < 0 {
			diff = diff.Neg()
		}
		ir.realizedPnL = ir.realizedPnL.Add(closed.Mul(diff))
		ir.avgPx = px
	}
}

// Revalue refreshes the mark price from the valuation book and the
// unrealized PnL against it. No-op without a book or an empty one.
func (ir *InstrumentRisk) Revalue() {
	if ir.book == nil {
		return
	}
	mid := ir.book.MidPrice()
	if math.IsNaN(mid) {
		return
	}
	ir.lastMarkPx = decimal.NewFromFloat(mid)
	if ir.position.Sign() == 0 {
		ir.unrealizedPnL = decimal.Zero
		return
	}
	ir.unrealizedPnL = ir.position.Mul(ir.lastMarkPx.Sub(ir.avgPx))
}

// adjustActive moves the resting-order notional by a signed
// reference-currency delta, clipping at zero against feed echo.
func (ir *InstrumentRisk) adjustActive(delta decimal.Decimal, orders int) {
	ir.activeNotional = ir.activeNotional.Add(delta)
	if ir.activeNotional.Sign() < 0 {
		ir.activeNotional = decimal.Zero
	}
	ir.activeOrders += orders
	if ir.activeOrders < 0 {
		ir.activeOrders = 0
	}
}

// Position returns the signed base-asset position.
func (ir *InstrumentRisk) Position() decimal.Decimal { return ir.position }

// AvgPrice returns the average entry price of the open position.
func (ir *InstrumentRisk) AvgPrice() decimal.Decimal { return ir.avgPx }

// RealizedPnL returns cumulative realized PnL in quote units.
func (ir *InstrumentRisk) RealizedPnL() decimal.Decimal { return ir.realizedPnL }

// UnrealizedPnL returns the last computed mark-to-market PnL.
func (ir *InstrumentRisk) UnrealizedPnL() decimal.Decimal { return ir.unrealizedPnL }

// ActiveNotional returns the reference-currency size of resting orders.
func (ir *InstrumentRisk) ActiveNotional() decimal.Decimal { return ir.activeNotional }

// ActiveOrders returns the resting order count.
func (ir *InstrumentRisk) ActiveOrders() int { return ir.activeOrders }
