package backtest

import (
	"testing"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

func TestCheckFillTradeThrough(t *testing.T) {
	limit := decimal.NewFromInt(100)
	cases := []struct {
		side  core.Side
		price string
		want  bool
	}{
		{core.Buy, "99.99", true},
		{core.Buy, "100", false},
		{core.Buy, "100.00", false},
		{core.Buy, "100.01", false},
		{core.Sell, "100.01", true},
		{core.Sell, "100", false},
		{core.Sell, "99.99", false},
	}
	for _, tc := range cases {
		ord := core.Order{Side: tc.side, Price: limit, Qty: decimal.NewFromInt(1)}
		filled, fillPrice := CheckFill(ord, decimal.RequireFromString(tc.price))
		if filled != tc.want {
			t.Fatalf("CheckFill(%s @%s) filled = %v, want %v", tc.side, tc.price, filled, tc.want)
		}
		if filled && !fillPrice.Equal(limit) {
			t.Fatalf("CheckFill(%s @%s) price = %s, want limit %s", tc.side, tc.price, fillPrice, limit)
		}
	}
}

func TestCheckFillPriceIsAlwaysLimit(t *testing.T) {
	for l := int64(1); l <= 50; l++ {
		limit := decimal.NewFromInt(l * 7)
		for p := int64(1); p <= 400; p += 3 {
			price := decimal.NewFromInt(p)
			for _, side := range []core.Side{core.Buy, core.Sell} {
				filled, fillPrice := CheckFill(core.Order{Side: side, Price: limit}, price)
				want := (side == core.Buy && p < l*7) || (side == core.Sell && p > l*7)
				if filled != want {
					t.Fatalf("CheckFill(%s limit=%s price=%s) = %v, want %v", side, limit, price, filled, want)
				}
				if filled && !fillPrice.Equal(limit) {
					t.Fatalf("fill price = %s, want %s", fillPrice, limit)
				}
			}
		}
	}
}

func TestCheckFillUnknownSidePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("CheckFill() with unknown side did not panic")
		}
	}()
	CheckFill(core.Order{Side: "HOLD", Price: decimal.NewFromInt(1)}, decimal.NewFromInt(1))
}
