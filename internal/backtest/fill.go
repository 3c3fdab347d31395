package backtest

import (
	"fmt"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

// CheckFill applies the trade-through rule: a BUY fills only when price
// trades strictly below the limit, a SELL only strictly above it. Touching
// the limit never fills and the fill price is always the limit.
func CheckFill(order core.Order, price decimal.Decimal) (bool, decimal.Decimal) {
	switch order.Side {
	case core.Buy:
		if price.Cmp(order.Price) < 0 {
			return true, order.Price
		}
	case core.Sell:
		if price.Cmp(order.Price) > 0 {
			return true, order.Price
		}
	default:
		panic(fmt.Sprintf("backtest: unknown order side %q", order.Side))
	}
	return false, decimal.Zero
}
