package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type Direction string

type OrderStatus string

type TradeReason string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

const (
	OrderPending  OrderStatus = "PENDING"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderExpired  OrderStatus = "EXPIRED"
)

const (
	ReasonFill        TradeReason = "fill"
	ReasonLiquidation TradeReason = "liquidation"
	ReasonWindDown    TradeReason = "wind_down"
)

// Sign is +1 for long and -1 for short.
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (d Direction) Valid() bool {
	return d == Long || d == Short
}

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// OpeningSide is the side that grows a position in direction d.
func OpeningSide(d Direction) Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// ClosingSide is the side that reduces a position in direction d.
func ClosingSide(d Direction) Side {
	if d == Short {
		return Buy
	}
	return Sell
}

func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderExpired
}

type Tick struct {
	Symbol       string
	ExchangeTime time.Time
	LocalTime    time.Time
	Price        decimal.Decimal
	MarkPrice    decimal.Decimal
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	FundingRate  decimal.Decimal
	// HasFundingRate is set when the source carried a funding rate, so an
	// explicit zero can be told apart from a missing value.
	HasFundingRate bool
}

// Mark returns the mark price, falling back to the last price.
func (t Tick) Mark() decimal.Decimal {
	if t.MarkPrice.Sign() > 0 {
		return t.MarkPrice
	}
	return t.Price
}

type Order struct {
	ID        string
	ClientID  string
	Symbol    string
	Side      Side
	Direction Direction
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Status    OrderStatus
	GridIndex int
	CreatedAt time.Time
	ExpiresAt time.Time
	FilledAt  *time.Time
	FillPrice decimal.Decimal
}

// Opens reports whether the order grows its direction's position.
func (o Order) Opens() bool {
	return o.Side == OpeningSide(o.Direction)
}

func (o Order) Notional() decimal.Decimal {
	return o.Price.Mul(o.Qty)
}

type Trade struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Direction   Direction       `json:"direction"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	Time        time.Time       `json:"time"`
	OrderID     string          `json:"order_id"`
	ClientID    string          `json:"client_id"`
	StrategyID  string          `json:"strategy_id"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Commission  decimal.Decimal `json:"commission"`
	Reason      TradeReason     `json:"reason"`
}

type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}
