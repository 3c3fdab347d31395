package backtest

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-backtest/internal/core"
	"grid-backtest/internal/strategy"
)

// QuantityCalculator resolves the order size of intents that carry a
// multiplier instead of a literal quantity.
type QuantityCalculator interface {
	Quantity(intent strategy.Intent, state strategy.MarketState) (decimal.Decimal, error)
}

type QuantityFunc func(intent strategy.Intent, state strategy.MarketState) (decimal.Decimal, error)

func (f QuantityFunc) Quantity(intent strategy.Intent, state strategy.MarketState) (decimal.Decimal, error) {
	return f(intent, state)
}

// BaseQuantity scales a fixed base size by the intent multiplier.
type BaseQuantity struct {
	Base decimal.Decimal
}

func (b BaseQuantity) Quantity(intent strategy.Intent, _ strategy.MarketState) (decimal.Decimal, error) {
	if intent.QtyMultiplier.Sign() <= 0 {
		return decimal.Zero, errors.New("intent has neither qty nor multiplier")
	}
	return b.Base.Mul(intent.QtyMultiplier), nil
}

type ExecutorConfig struct {
	Rules core.Rules
	Tiers map[string]MMTiers
	// MaxMargin caps initial margin of open plus pending opening exposure.
	// Zero disables the check.
	MaxMargin decimal.Decimal
	OrderTTL  time.Duration
}

type ExecutionReport struct {
	Placed       int `json:"placed"`
	Duplicates   int `json:"duplicates"`
	Canceled     int `json:"canceled"`
	CancelMisses int `json:"cancel_misses"`
	Rejected     int `json:"rejected"`
}

func (r *ExecutionReport) Add(o ExecutionReport) {
	r.Placed += o.Placed
	r.Duplicates += o.Duplicates
	r.Canceled += o.Canceled
	r.CancelMisses += o.CancelMisses
	r.Rejected += o.Rejected
}

// Executor turns strategy intents into order manager calls.
type Executor struct {
	orders *OrderManager
	qty    QuantityCalculator
	cfg    ExecutorConfig
	logger *zap.Logger
}

func NewExecutor(orders *OrderManager, qty QuantityCalculator, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{orders: orders, qty: qty, cfg: cfg, logger: logger}
}

func (e *Executor) Execute(intents []strategy.Intent, state strategy.MarketState) ExecutionReport {
	var rep ExecutionReport
	for _, intent := range intents {
		switch intent.Kind {
		case strategy.PlaceLimit:
			e.place(intent, state, &rep)
		case strategy.Cancel:
			e.cancel(intent, &rep)
		default:
			rep.Rejected++
			e.logger.Warn("intent_unknown_kind", zap.String("kind", string(intent.Kind)))
		}
	}
	return rep
}

func (e *Executor) place(intent strategy.Intent, state strategy.MarketState, rep *ExecutionReport) {
	clientID := intent.ClientID
	if clientID == "" {
		clientID = strategy.ClientOrderID(intent.Symbol, intent.Side, intent.Price, intent.GridLevel, intent.Direction)
	}
	if _, ok := e.orders.PendingByClientID(clientID); ok {
		rep.Duplicates++
		return
	}

	qty := intent.Qty
	if qty.Sign() <= 0 {
		if e.qty == nil {
			e.reject(rep, intent, errors.New("no quantity calculator"))
			return
		}
		resolved, err := e.qty.Quantity(intent, state)
		if err != nil {
			e.reject(rep, intent, err)
			return
		}
		qty = resolved
	}
	price, qty, err := core.NormalizeLimit(intent.Price, qty, e.cfg.Rules)
	if err != nil {
		e.reject(rep, intent, err)
		return
	}
	if e.exceedsMargin(intent, price.Mul(qty)) {
		e.reject(rep, intent, errors.New("max margin exceeded"))
		return
	}

	_, err = e.orders.CreateOrder(OrderRequest{
		ClientID:  clientID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Direction: intent.Direction,
		Price:     price,
		Qty:       qty,
		GridIndex: intent.GridLevel,
		At:        state.Time,
		TTL:       e.cfg.OrderTTL,
	})
	switch {
	case errors.Is(err, core.ErrDuplicateOrder):
		rep.Duplicates++
	case err != nil:
		e.reject(rep, intent, err)
	default:
		rep.Placed++
	}
}

func (e *Executor) exceedsMargin(intent strategy.Intent, notional decimal.Decimal) bool {
	if e.cfg.MaxMargin.Sign() <= 0 || intent.Side != core.OpeningSide(intent.Direction) {
		return false
	}
	exposure := e.orders.Portfolio().OpenNotional(intent.Symbol).
		Add(e.orders.PendingOpenNotional(intent.Symbol)).
		Add(notional)
	rate := decimal.NewFromInt(1)
	if tier, ok := e.cfg.Tiers[intent.Symbol].Select(exposure); ok {
		rate = tier.InitialRate
	}
	return exposure.Mul(rate).Cmp(e.cfg.MaxMargin) > 0
}

func (e *Executor) cancel(intent strategy.Intent, rep *ExecutionReport) {
	err := e.orders.Cancel(intent.OrderID)
	switch {
	case err == nil:
		rep.Canceled++
	case errors.Is(err, core.ErrOrderNotFound), errors.Is(err, core.ErrOrderTerminal):
		rep.CancelMisses++
	default:
		rep.CancelMisses++
		e.logger.Warn("cancel_failed", zap.String("order_id", intent.OrderID), zap.Error(err))
	}
}

func (e *Executor) reject(rep *ExecutionReport, intent strategy.Intent, err error) {
	rep.Rejected++
	e.logger.Debug("intent_rejected",
		zap.String("symbol", intent.Symbol),
		zap.String("side", string(intent.Side)),
		zap.String("direction", string(intent.Direction)),
		zap.String("price", intent.Price.String()),
		zap.Int("level", intent.GridLevel),
		zap.Error(err),
	)
}
