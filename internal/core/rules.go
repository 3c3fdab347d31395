package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinQty      = errors.New("qty below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

// NormalizeLimit rounds a limit price down to the price tick and the quantity
// down to the qty step, then enforces the minimum quantity and notional.
func NormalizeLimit(price, qty decimal.Decimal, rules Rules) (decimal.Decimal, decimal.Decimal, error) {
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return price, qty, ErrInvalidOrder
	}
	if rules.QtyStep.Sign() > 0 {
		qty = RoundDown(qty, rules.QtyStep)
	}
	if qty.Sign() <= 0 {
		return price, qty, ErrInvalidOrder
	}
	if rules.MinQty.Sign() > 0 && qty.Cmp(rules.MinQty) < 0 {
		return price, qty, ErrBelowMinQty
	}
	if rules.PriceTick.Sign() > 0 {
		price = RoundDown(price, rules.PriceTick)
	}
	if price.Sign() <= 0 {
		return price, qty, ErrInvalidOrder
	}
	if rules.MinNotional.Sign() > 0 && price.Mul(qty).Cmp(rules.MinNotional) < 0 {
		return price, qty, ErrBelowMinNotional
	}
	return price, qty, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
