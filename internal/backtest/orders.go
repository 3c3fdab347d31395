package backtest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-backtest/internal/core"
)

// TradeRecorder receives every trade the order manager produces.
type TradeRecorder interface {
	RecordTrade(trade core.Trade) error
}

type OrderRequest struct {
	ClientID  string
	Symbol    string
	Side      core.Side
	Direction core.Direction
	Price     decimal.Decimal
	Qty       decimal.Decimal
	GridIndex int
	At        time.Time
	// TTL of zero keeps the order until filled or canceled.
	TTL time.Duration
}

// OrderManager owns the simulated orders of one strategy. Orders only move
// from PENDING to a terminal state and are processed in creation order.
type OrderManager struct {
	strategyID     string
	portfolio      *Portfolio
	commissionRate decimal.Decimal
	recorder       TradeRecorder
	logger         *zap.Logger

	orderSeq   int
	tradeSeq   int
	orders     map[string]*core.Order
	pending    map[string][]*core.Order
	byClientID map[string]*core.Order
	lastFilled map[string]*core.Order
}

func NewOrderManager(strategyID string, portfolio *Portfolio, commissionRate decimal.Decimal, recorder TradeRecorder, logger *zap.Logger) *OrderManager {
	if portfolio == nil {
		portfolio = NewPortfolio()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderManager{
		strategyID:     strategyID,
		portfolio:      portfolio,
		commissionRate: commissionRate,
		recorder:       recorder,
		logger:         logger,
		orders:         make(map[string]*core.Order),
		pending:        make(map[string][]*core.Order),
		byClientID:     make(map[string]*core.Order),
		lastFilled:     make(map[string]*core.Order),
	}
}

// CreateOrder registers a pending limit order. It never checks for a fill;
// the earliest fill check happens on the next tick.
func (m *OrderManager) CreateOrder(req OrderRequest) (core.Order, error) {
	if req.Symbol == "" || !req.Side.Valid() || !req.Direction.Valid() {
		return core.Order{}, fmt.Errorf("%w: symbol, side and direction are required", core.ErrInvalidOrder)
	}
	if req.Price.Sign() <= 0 || req.Qty.Sign() <= 0 {
		return core.Order{}, fmt.Errorf("%w: price and qty must be > 0", core.ErrInvalidOrder)
	}
	if req.ClientID != "" {
		if _, ok := m.byClientID[req.ClientID]; ok {
			return core.Order{}, fmt.Errorf("%w: %s", core.ErrDuplicateOrder, req.ClientID)
		}
	}
	m.orderSeq++
	ord := &core.Order{
		ID:        fmt.Sprintf("%s-%d", m.strategyID, m.orderSeq),
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Direction: req.Direction,
		Price:     req.Price,
		Qty:       req.Qty,
		Status:    core.OrderPending,
		GridIndex: req.GridIndex,
		CreatedAt: req.At,
	}
	if req.TTL > 0 {
		ord.ExpiresAt = req.At.Add(req.TTL)
	}
	m.orders[ord.ID] = ord
	m.pending[ord.Symbol] = append(m.pending[ord.Symbol], ord)
	if ord.ClientID != "" {
		m.byClientID[ord.ClientID] = ord
	}
	return clone(ord), nil
}

// CheckFills expires stale orders on symbol, then fills every pending order
// the price trades through, oldest first.
func (m *OrderManager) CheckFills(symbol string, price decimal.Decimal, at time.Time) ([]core.Trade, error) {
	queue := m.pending[symbol]
	if len(queue) == 0 {
		return nil, nil
	}
	var (
		trades    []core.Trade
		recordErr error
	)
	keep := queue[:0]
	for i, ord := range queue {
		if ord.Status != core.OrderPending {
			continue
		}
		if !ord.ExpiresAt.IsZero() && !at.Before(ord.ExpiresAt) {
			m.finish(ord, core.OrderExpired)
			continue
		}
		filled, fillPrice := CheckFill(*ord, price)
		if !filled {
			keep = append(keep, ord)
			continue
		}
		tracker := m.portfolio.Tracker(ord.Symbol, ord.Direction)
		if !ord.Opens() && tracker.Flat() {
			// Nothing left to reduce, e.g. after a liquidation.
			m.finish(ord, core.OrderExpired)
			continue
		}
		res := tracker.ApplyFill(ord.Side, fillPrice, ord.Qty, m.commissionRate)
		filledAt := at
		ord.FilledAt = &filledAt
		ord.FillPrice = fillPrice
		m.finish(ord, core.OrderFilled)
		m.lastFilled[ord.Symbol] = ord

		trade := m.newTrade(ord, res, fillPrice, at, core.ReasonFill)
		trades = append(trades, trade)
		if err := m.record(trade); err != nil {
			recordErr = err
			keep = append(keep, queue[i+1:]...)
			break
		}
		m.logger.Debug("order_filled",
			zap.String("order_id", ord.ID),
			zap.String("side", string(ord.Side)),
			zap.String("direction", string(ord.Direction)),
			zap.String("price", fillPrice.String()),
			zap.String("qty", res.Qty.String()),
			zap.String("realized", res.RealizedPnL.String()),
		)
	}
	for i := len(keep); i < len(queue); i++ {
		queue[i] = nil
	}
	m.pending[symbol] = keep
	return trades, recordErr
}

// Cancel moves a pending order to CANCELED.
func (m *OrderManager) Cancel(orderID string) error {
	ord, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
	}
	if ord.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", core.ErrOrderTerminal, orderID, ord.Status)
	}
	m.finish(ord, core.OrderCanceled)
	return nil
}

// ClosePosition closes the whole leg at price with a synthetic market order.
// It reports false when the leg is flat.
func (m *OrderManager) ClosePosition(symbol string, dir core.Direction, price decimal.Decimal, at time.Time, reason core.TradeReason) (core.Trade, bool, error) {
	tracker, ok := m.portfolio.Peek(symbol, dir)
	if !ok || tracker.Flat() || price.Sign() <= 0 {
		return core.Trade{}, false, nil
	}
	m.orderSeq++
	filledAt := at
	ord := &core.Order{
		ID:        fmt.Sprintf("%s-%d", m.strategyID, m.orderSeq),
		Symbol:    symbol,
		Side:      core.ClosingSide(dir),
		Direction: dir,
		Price:     price,
		Qty:       tracker.Size,
		Status:    core.OrderFilled,
		CreatedAt: at,
		FilledAt:  &filledAt,
		FillPrice: price,
	}
	m.orders[ord.ID] = ord
	res := tracker.ApplyFill(ord.Side, price, ord.Qty, m.commissionRate)
	m.lastFilled[symbol] = ord
	trade := m.newTrade(ord, res, price, at, reason)
	if err := m.record(trade); err != nil {
		return trade, true, err
	}
	return trade, true, nil
}

// ExpireAll expires every pending order and returns how many were expired.
func (m *OrderManager) ExpireAll(at time.Time) int {
	n := 0
	for symbol, queue := range m.pending {
		for _, ord := range queue {
			if ord.Status == core.OrderPending {
				m.finish(ord, core.OrderExpired)
				n++
			}
		}
		delete(m.pending, symbol)
	}
	if n > 0 {
		m.logger.Debug("orders_expired", zap.Int("count", n), zap.Time("at", at))
	}
	return n
}

// LastFilled is the most recently filled order on symbol.
func (m *OrderManager) LastFilled(symbol string) (core.Order, bool) {
	ord, ok := m.lastFilled[symbol]
	if !ok {
		return core.Order{}, false
	}
	return clone(ord), true
}

// Pending lists pending orders on symbol in creation order.
func (m *OrderManager) Pending(symbol string) []core.Order {
	queue := m.pending[symbol]
	out := make([]core.Order, 0, len(queue))
	for _, ord := range queue {
		if ord.Status == core.OrderPending {
			out = append(out, clone(ord))
		}
	}
	return out
}

func (m *OrderManager) PendingByClientID(clientID string) (core.Order, bool) {
	ord, ok := m.byClientID[clientID]
	if !ok {
		return core.Order{}, false
	}
	return clone(ord), true
}

func (m *OrderManager) Order(orderID string) (core.Order, bool) {
	ord, ok := m.orders[orderID]
	if !ok {
		return core.Order{}, false
	}
	return clone(ord), true
}

// PendingOpenNotional sums the notional of pending opening orders on symbol.
func (m *OrderManager) PendingOpenNotional(symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, ord := range m.pending[symbol] {
		if ord.Status == core.OrderPending && ord.Opens() {
			total = total.Add(ord.Notional())
		}
	}
	return total
}

func (m *OrderManager) Portfolio() *Portfolio { return m.portfolio }

func (m *OrderManager) finish(ord *core.Order, status core.OrderStatus) {
	ord.Status = status
	if ord.ClientID != "" && m.byClientID[ord.ClientID] == ord {
		delete(m.byClientID, ord.ClientID)
	}
}

func (m *OrderManager) newTrade(ord *core.Order, res FillResult, price decimal.Decimal, at time.Time, reason core.TradeReason) core.Trade {
	m.tradeSeq++
	return core.Trade{
		ID:          fmt.Sprintf("%s-t%d", m.strategyID, m.tradeSeq),
		Symbol:      ord.Symbol,
		Side:        ord.Side,
		Direction:   ord.Direction,
		Qty:         res.Qty,
		Price:       price,
		Time:        at,
		OrderID:     ord.ID,
		ClientID:    ord.ClientID,
		StrategyID:  m.strategyID,
		RealizedPnL: res.RealizedPnL,
		Commission:  res.Commission,
		Reason:      reason,
	}
}

func (m *OrderManager) record(trade core.Trade) error {
	if m.recorder == nil {
		return nil
	}
	if err := m.recorder.RecordTrade(trade); err != nil {
		return fmt.Errorf("record trade %s: %w", trade.ID, err)
	}
	return nil
}

func clone(ord *core.Order) core.Order {
	out := *ord
	if ord.FilledAt != nil {
		at := *ord.FilledAt
		out.FilledAt = &at
	}
	return out
}
