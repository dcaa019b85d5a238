package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side identifies one half of an order book.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// Action is the kind of incremental book mutation carried by a decoded
// market-data event.
type Action uint8

const (
	ActionNew Action = iota
	ActionChange
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionNew:
		return "new"
	case ActionChange:
		return "change"
	case ActionDelete:
		return "delete"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// UpdateEffect classifies what a single book update changed, from the
// point of view of a consumer deciding how much work to redo.
type UpdateEffect uint8

const (
	// EffectNone: nothing observable changed (e.g. delete on an empty side).
	EffectNone UpdateEffect = iota
	// EffectL2: a depth level changed, top of book untouched.
	EffectL2
	// EffectBestQty: quantity at the best price changed, price unchanged.
	EffectBestQty
	// EffectBestPx: the best price itself moved.
	EffectBestPx
	// EffectError: the update was rejected; book state may be stale.
	EffectError
)

func (e UpdateEffect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectL2:
		return "l2"
	case EffectBestQty:
		return "best_qty"
	case EffectBestPx:
		return "best_px"
	case EffectError:
		return "error"
	}
	return fmt.Sprintf("effect(%d)", uint8(e))
}

// QtyUnit tags the unit a quantity is expressed in. Conversions between
// units are explicit and take the instrument's scale factors (see
// internal/risk).
type QtyUnit uint8

const (
	UnitContracts QtyUnit = iota
	UnitLots
	UnitBase
	UnitQuote
)

func (u QtyUnit) String() string {
	switch u {
	case UnitContracts:
		return "contracts"
	case UnitLots:
		return "lots"
	case UnitBase:
		return "base"
	case UnitQuote:
		return "quote"
	}
	return fmt.Sprintf("unit(%d)", uint8(u))
}

// Instrument is the static definition of one tradeable contract on one
// venue. SettleDate is "SPOT" for cash instruments, otherwise the tenor
// date in YYYY-MM-DD form.
type Instrument struct {
	Venue         string
	Symbol        string
	BaseAsset     string
	QuoteAsset    string
	SettleDate    string
	TickSize      float64
	LotSize       decimal.Decimal
	ContractSize  decimal.Decimal
	FractionalQty bool
}

// Key uniquely identifies the instrument within a process.
func (i *Instrument) Key() string {
	return i.Venue + ":" + i.Symbol + ":" + i.SettleDate
}

// BookUpdate is one already-decoded market-data event. Wire decoding
// (FIX/ITCH/...) happens upstream; by the time an event reaches the book
// it is a plain tuple.
type BookUpdate struct {
	Side    Side
	Action  Action
	Price   float64
	Qty     decimal.Decimal
	Seq     int64
	RSeq    int64
	OrderID uint64 // 0 when the feed is aggregated (no order-level info)
}

// TradeExecution is one fill reported by the order-management layer.
type TradeExecution struct {
	ExecID     uuid.UUID
	UserID     int64
	Instrument *Instrument
	IsBuy      bool
	Price      decimal.Decimal
	Qty        decimal.Decimal // base-asset units
	Fee        decimal.Decimal // quote-asset units
	Timestamp  time.Time
}

// OrderIntent describes an order the strategy wants to send (IsLive) or
// the retirement of one it already sent. Old* are zero for a fresh order.
type OrderIntent struct {
	UserID     int64
	Instrument *Instrument
	IsBuy      bool
	IsLive     bool
	QtyKind    QtyUnit
	NewPrice   decimal.Decimal
	NewQty     decimal.Decimal
	OldPrice   decimal.Decimal
	OldQty     decimal.Decimal
	Timestamp  time.Time
}
