package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

// Strategy turns market and position state into order intents. Intents
// returned together with ErrStopped are still executed.
type Strategy interface {
	OnTick(ctx context.Context, state MarketState) ([]Intent, error)
}

var ErrStopped = errors.New("strategy stopped")

type IntentKind string

const (
	PlaceLimit IntentKind = "PLACE_LIMIT"
	Cancel     IntentKind = "CANCEL"
)

type Intent struct {
	Kind      IntentKind
	ClientID  string
	Symbol    string
	Side      core.Side
	Direction core.Direction
	Price     decimal.Decimal
	// Qty is used as-is when positive; otherwise QtyMultiplier is resolved
	// by the executor's quantity calculator.
	Qty           decimal.Decimal
	QtyMultiplier decimal.Decimal
	GridLevel     int
	OrderID       string
}

type PositionView struct {
	Symbol        string
	Direction     core.Direction
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

type MarketState struct {
	StrategyID string
	Tick       core.Tick
	Time       time.Time
	Balance    decimal.Decimal
	Positions  []PositionView
	OpenOrders []core.Order
	// Fills are the orders filled during this tick's fill phase.
	Fills    []core.Order
	LastFill *core.Order
}

// Position returns the view for symbol/direction, or a flat one.
func (s MarketState) Position(symbol string, dir core.Direction) PositionView {
	for _, p := range s.Positions {
		if p.Symbol == symbol && p.Direction == dir {
			return p
		}
	}
	return PositionView{Symbol: symbol, Direction: dir}
}

// ClientOrderID derives the deterministic client order id of a grid order.
func ClientOrderID(symbol string, side core.Side, price decimal.Decimal, level int, dir core.Direction) string {
	return fmt.Sprintf("%s-%s-%s-L%d-%s", symbol, dir, side, level, price.String())
}

func NewPlaceLimit(symbol string, side core.Side, dir core.Direction, price decimal.Decimal, level int) Intent {
	return Intent{
		Kind:      PlaceLimit,
		ClientID:  ClientOrderID(symbol, side, price, level, dir),
		Symbol:    symbol,
		Side:      side,
		Direction: dir,
		Price:     price,
		GridLevel: level,
	}
}

func NewCancel(orderID string) Intent {
	return Intent{Kind: Cancel, OrderID: orderID}
}
