package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_mktcore/pkg/models"
)

// ConvertQty converts a quantity between units using the instrument's
// static scale factors. Base and quote conversion additionally needs a
// reference price (quote per base); pass decimal.Zero when no price is
// available and the conversion will fail rather than guess.
//
// Unit relationships:
//
//	base  = contracts * ContractSize
//	base  = lots * LotSize
//	quote = base * refPx
func ConvertQty(q decimal.Decimal, from, to models.QtyUnit, inst *models.Instrument, refPx decimal.Decimal) (decimal.Decimal, error) {
	if inst == nil {
		return decimal.Zero, fmt.Errorf("quantity conversion requires an instrument")
	}
	if from == to {
		return q, nil
	}
	base, err := toBase(q, from, inst, refPx)
	if err != nil {
		return decimal.Zero, err
	}
	return fromBase(base, to, inst, refPx)
}

func toBase(q decimal.Decimal, from models.QtyUnit, inst *models.Instrument, refPx decimal.Decimal) (decimal.Decimal, error) {
	switch from {
	case models.UnitBase:
		return q, nil
	case models.UnitContracts:
		if inst.ContractSize.Sign() <= 0 {
			return decimal.Zero, fmt.Errorf("%s has no contract size", inst.Key())
		}
		return q.Mul(inst.ContractSize), nil
	case models.UnitLots:
		if inst.LotSize.Sign() <= 0 {
			return decimal.Zero, fmt.Errorf("%s has no lot size", inst.Key())
		}
		return q.Mul(inst.LotSize), nil
	case models.UnitQuote:
		if refPx.Sign() <= 0 {
			return decimal.Zero, fmt.Errorf("quote->base conversion for %s requires a positive reference price", inst.Key())
		}
		return q.Div(refPx), nil
	}
	return decimal.Zero, fmt.Errorf("unknown quantity unit %v", from)
}

func fromBase(q decimal.Decimal, to models.QtyUnit, inst *models.Instrument, refPx decimal.Decimal) (decimal.Decimal, error) {
	switch to {
	case models.UnitBase:
		return q, nil
	case models.UnitContracts:
		if inst.ContractSize.Sign() <= 0 {
			return decimal.Zero, fmt.Errorf("%s has no contract size", inst.Key())
		}
		return q.Div(inst.ContractSize), nil
	case models.UnitLots:
		if inst.LotSize.Sign() <= 0 {
			return decimal.Zero, fmt.Errorf("%s has no lot size", inst.Key())
		}
		return q.Div(inst.LotSize), nil
	case models.UnitQuote:
		if refPx.Sign() <= 0 {
			return decimal.Zero, fmt.Errorf("base->quote conversion for %s requires a positive reference price", inst.Key())
		}
		return q.Mul(refPx), nil
	}
	return decimal.Zero, fmt.Errorf("unknown quantity unit %v", to)
}
