package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_mktcore/internal/book"
)

// Valuator produces an asset's conversion rate into the reference
// currency. The bool result is false when no rate is currently
// observable (e.g. the pegged book is empty), in which case the caller
// falls back to the last observed rate.
type Valuator interface {
	Rate(now time.Time) (decimal.Decimal, bool)
}

// FixedRate values an asset at a constant reference-currency rate.
type FixedRate struct {
	R decimal.Decimal
}

func (v FixedRate) Rate(time.Time) (decimal.Decimal, bool) {
	if v.R.Sign() <= 0 {
		return decimal.Zero, false
	}
	return v.R, true
}

// BookValuator pegs the rate to an order book's midpoint, plus a flat
// adjustment (swap-rate correction between settlement tenors). Invert
// handles books quoted the other way around (rate = 1 / (mid + adjust)).
type BookValuator struct {
	Book   *book.OrderBook
	Adjust decimal.Decimal
	Invert bool
}

func (v BookValuator) Rate(time.Time) (decimal.Decimal, bool) {
	if v.Book == nil {
		return decimal.Zero, false
	}
	mid := v.Book.MidPrice()
	if math.IsNaN(mid) || mid <= 0 {
		return decimal.Zero, false
	}
	rate := decimal.NewFromFloat(mid).Add(v.Adjust)
	if rate.Sign() <= 0 {
		return decimal.Zero, false
	}
	if v.Invert {
		return decimal.NewFromInt(1).Div(rate), true
	}
	return rate, true
}

// RolloverValuator switches from a primary to a secondary source at a
// cut-off time. Used when an instrument's valuation leg rolls between
// settlement tenors intraday.
type RolloverValuator struct {
	Primary   Valuator
	Secondary Valuator
	Cutoff    time.Time
}

func (v RolloverValuator) Rate(now time.Time) (decimal.Decimal, bool) {
	if now.Before(v.Cutoff) {
		return v.Primary.Rate(now)
	}
	return v.Secondary.Rate(now)
}

// AssetRisk tracks one user's net position in one asset at one
// settlement date and its reference-currency valuation. Trade and
// transfer positions are kept apart so cash movements do not pollute
// trading PnL attribution.
type AssetRisk struct {
	UserID     int64
	Asset      string
	SettleDate string

	// IsReference marks the reference currency itself; its rate is
	// identically 1 and it never counts toward exposure.
	IsReference bool

	tradePos    decimal.Decimal
	transferPos decimal.Decimal

	valuator Valuator
	lastRate decimal.Decimal
}

func newAssetRisk(userID int64, asset, settle string, isRef bool) *AssetRisk {
	return &AssetRisk{
		UserID:      userID,
		Asset:       asset,
		SettleDate:  settle,
		IsReference: isRef,
	}
}

// cloneFor copies the prototype's static valuation setup for a new user.
// Positions start at zero; the last observed rate carries over so the
// clone can be valued before its valuator ticks.
func (a *AssetRisk) cloneFor(userID int64) *AssetRisk {
	return &AssetRisk{
		UserID:      userID,
		Asset:       a.Asset,
		SettleDate:  a.SettleDate,
		IsReference: a.IsReference,
		valuator:    a.valuator,
		lastRate:    a.lastRate,
	}
}

func (a *AssetRisk) setValuator(v Valuator) { a.valuator = v }

// validate enforces that exactly one valuation source exists before the
// manager starts.
func (a *AssetRisk) validate() error {
	sources := 0
	if a.IsReference {
		sources++
	}
	if a.valuator != nil {
		sources++
	}
	if a.lastRate.Sign() > 0 && a.valuator == nil && !a.IsReference {
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("asset %s/%s (user %d) needs exactly one valuation source, has %d",
			a.Asset, a.SettleDate, a.UserID, sources)
	}
	return nil
}

// AddTrade moves the trading position by the signed base amount.
func (a *AssetRisk) AddTrade(qty decimal.Decimal) {
	a.tradePos = a.tradePos.Add(qty)
}

// AddTransfer moves the balance/transfer position (deposits, withdrawals,
// fee settlement).
func (a *AssetRisk) AddTransfer(qty decimal.Decimal) {
	a.transferPos = a.transferPos.Add(qty)
}

// Net returns the combined position.
func (a *AssetRisk) Net() decimal.Decimal {
	return a.tradePos.Add(a.transferPos)
}

// TradePosition returns the trading leg only.
func (a *AssetRisk) TradePosition() decimal.Decimal { return a.tradePos }

// CurrentRate resolves the asset's reference-currency rate, falling back
// to the last observed one when the live source has nothing.
func (a *AssetRisk) CurrentRate(now time.Time) decimal.Decimal {
	if a.IsReference {
		return decimal.NewFromInt(1)
	}
	if a.valuator != nil {
		if r, ok := a.valuator.Rate(now); ok {
			a.lastRate = r
			return r
		}
	}
	return a.lastRate
}

// Value returns the net position converted to the reference currency.
func (a *AssetRisk) Value(now time.Time) decimal.Decimal {
	return a.Net().Mul(a.CurrentRate(now))
}

func (a *AssetRisk) key() assetKey {
	return assetKey{Asset: a.Asset, SettleDate: a.SettleDate}
}

type assetKey struct {
	Asset      string
	SettleDate string
}
