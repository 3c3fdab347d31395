package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-backtest/internal/core"
	"grid-backtest/internal/strategy"
)

// Notifier receives operator-facing events. Messages sharing a throttle key
// may be collapsed by the implementation.
type Notifier interface {
	Notify(message, throttleKey string)
}

type NotifierFunc func(message, throttleKey string)

func (f NotifierFunc) Notify(message, throttleKey string) { f(message, throttleKey) }

type WindDownMode string

const (
	WindDownForceClose WindDownMode = "force_close"
	WindDownMarkOnly   WindDownMode = "mark_only"
)

func (m WindDownMode) Valid() bool {
	return m == WindDownForceClose || m == WindDownMarkOnly
}

type RunnerConfig struct {
	StrategyID     string
	Symbols        []string
	InitialBalance decimal.Decimal
	CommissionRate decimal.Decimal
	Rules          core.Rules
	// Tiers per symbol; symbols without tiers are never liquidated.
	Tiers            map[string]MMTiers
	MaxMargin        decimal.Decimal
	OrderTTL         time.Duration
	SnapshotInterval time.Duration
}

type RunnerOption func(*Runner)

func WithRunnerLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithNotifier(n Notifier) RunnerOption {
	return func(r *Runner) { r.notifier = n }
}

func WithQuantityCalculator(q QuantityCalculator) RunnerOption {
	return func(r *Runner) { r.qty = q }
}

// Runner drives one strategy. Each tick first settles resting orders, then
// lets the strategy react, so a decision never sees a fill it caused.
type Runner struct {
	cfg      RunnerConfig
	strategy strategy.Strategy
	logger   *zap.Logger
	notifier Notifier
	qty      QuantityCalculator

	session   *Session
	portfolio *Portfolio
	orders    *OrderManager
	executor  *Executor

	symbols      map[string]bool
	lastTick     map[string]core.Tick
	lastSnapshot time.Time
	lastTime     time.Time
	stopped      bool
	report       ExecutionReport
	ticks        int
	liquidations int
}

func NewRunner(cfg RunnerConfig, strat strategy.Strategy, opts ...RunnerOption) (*Runner, error) {
	if cfg.StrategyID == "" {
		return nil, errors.New("strategy id is required")
	}
	if strat == nil {
		return nil, errors.New("strategy is required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("at least one symbol is required")
	}
	if cfg.InitialBalance.Sign() <= 0 {
		return nil, errors.New("initial balance must be > 0")
	}
	if cfg.CommissionRate.Sign() < 0 {
		return nil, errors.New("commission rate must be >= 0")
	}
	if cfg.MaxMargin.Sign() < 0 {
		return nil, errors.New("max margin must be >= 0")
	}
	r := &Runner{
		cfg:      cfg,
		strategy: strat,
		logger:   zap.NewNop(),
		symbols:  make(map[string]bool, len(cfg.Symbols)),
		lastTick: make(map[string]core.Tick, len(cfg.Symbols)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("strategy", cfg.StrategyID))
	for _, s := range cfg.Symbols {
		r.symbols[s] = true
	}
	r.session = NewSession(cfg.StrategyID, cfg.InitialBalance)
	r.portfolio = NewPortfolio()
	r.orders = NewOrderManager(cfg.StrategyID, r.portfolio, cfg.CommissionRate, r.session, r.logger)
	r.executor = NewExecutor(r.orders, r.qty, ExecutorConfig{
		Rules:     cfg.Rules,
		Tiers:     cfg.Tiers,
		MaxMargin: cfg.MaxMargin,
		OrderTTL:  cfg.OrderTTL,
	}, r.logger)
	return r, nil
}

func (r *Runner) ID() string { return r.cfg.StrategyID }

func (r *Runner) Symbols() []string { return append([]string(nil), r.cfg.Symbols...) }

func (r *Runner) Subscribes(symbol string) bool { return r.symbols[symbol] }

func (r *Runner) Session() *Session { return r.session }

func (r *Runner) Orders() *OrderManager { return r.orders }

func (r *Runner) Portfolio() *Portfolio { return r.portfolio }

// Stopped reports whether the strategy ended itself with ErrStopped.
func (r *Runner) Stopped() bool { return r.stopped }

func (r *Runner) Report() ExecutionReport { return r.report }

func (r *Runner) Ticks() int { return r.ticks }

func (r *Runner) Liquidations() int { return r.liquidations }

// LastTick is the most recent tick seen for symbol.
func (r *Runner) LastTick(symbol string) (core.Tick, bool) {
	t, ok := r.lastTick[symbol]
	return t, ok
}

// ObserveMark records tick as the latest mark of its symbol without running
// fills or the strategy. Older ticks are ignored.
func (r *Runner) ObserveMark(tick core.Tick) {
	if !r.symbols[tick.Symbol] {
		return
	}
	if last, ok := r.lastTick[tick.Symbol]; ok && tick.ExchangeTime.Before(last.ExchangeTime) {
		return
	}
	r.lastTick[tick.Symbol] = tick
}

func (r *Runner) OnTick(ctx context.Context, tick core.Tick) error {
	if !r.symbols[tick.Symbol] {
		return nil
	}
	at := tick.ExchangeTime
	r.lastTick[tick.Symbol] = tick
	r.lastTime = at
	r.ticks++

	trades, err := r.orders.CheckFills(tick.Symbol, tick.Price, at)
	if err != nil {
		return err
	}
	fills := make([]core.Order, 0, len(trades))
	for _, tr := range trades {
		if ord, ok := r.orders.Order(tr.OrderID); ok {
			fills = append(fills, ord)
		}
	}

	if err := r.checkLiquidation(tick); err != nil {
		return err
	}

	if !r.stopped {
		state := r.marketState(tick, fills)
		intents, err := r.strategy.OnTick(ctx, state)
		stopped := errors.Is(err, strategy.ErrStopped)
		if err != nil && !stopped {
			return fmt.Errorf("strategy %s: %w", r.cfg.StrategyID, err)
		}
		r.report.Add(r.executor.Execute(intents, state))
		if stopped {
			r.stopped = true
			r.logger.Info("strategy_stopped", zap.String("symbol", tick.Symbol), zap.String("price", tick.Price.String()))
		}
	}

	if r.cfg.SnapshotInterval <= 0 || r.lastSnapshot.IsZero() || at.Sub(r.lastSnapshot) >= r.cfg.SnapshotInterval {
		return r.snapshot(at)
	}
	return nil
}

func (r *Runner) checkLiquidation(tick core.Tick) error {
	tiers, ok := r.cfg.Tiers[tick.Symbol]
	if !ok || tiers.Empty() {
		return nil
	}
	mark := tick.Mark()
	for _, dir := range []core.Direction{core.Long, core.Short} {
		tracker, ok := r.portfolio.Peek(tick.Symbol, dir)
		if !ok || tracker.Flat() {
			continue
		}
		wallet := r.session.Balance()
		if !tracker.Liquidated(tiers, wallet, mark) {
			continue
		}
		liq, _ := tracker.LiquidationPrice(tiers, wallet)
		trade, closed, err := r.orders.ClosePosition(tick.Symbol, dir, mark, tick.ExchangeTime, core.ReasonLiquidation)
		if err != nil {
			return err
		}
		if !closed {
			continue
		}
		for _, ord := range r.orders.Pending(tick.Symbol) {
			if ord.Direction != dir {
				continue
			}
			if err := r.orders.Cancel(ord.ID); err != nil {
				r.logger.Debug("cancel_after_liquidation_failed", zap.String("order_id", ord.ID), zap.Error(err))
			}
		}
		r.liquidations++
		r.logger.Warn("position_liquidated",
			zap.String("symbol", tick.Symbol),
			zap.String("direction", string(dir)),
			zap.String("mark", mark.String()),
			zap.String("liquidation_price", liq.String()),
			zap.String("realized", trade.RealizedPnL.String()),
		)
		r.notify(
			fmt.Sprintf("strategy %s: %s %s liquidated at %s (realized %s)", r.cfg.StrategyID, tick.Symbol, dir, mark.String(), trade.RealizedPnL.StringFixed(2)),
			fmt.Sprintf("liquidation:%s:%s", r.cfg.StrategyID, tick.Symbol),
		)
	}
	return nil
}

// ApplyFunding settles one funding boundary on every open leg of symbol at
// the last known mark. Longs pay a positive rate, shorts receive it.
func (r *Runner) ApplyFunding(symbol string, rate decimal.Decimal, at time.Time) error {
	last, ok := r.lastTick[symbol]
	if !ok || rate.IsZero() {
		return nil
	}
	mark := last.Mark()
	for _, dir := range []core.Direction{core.Long, core.Short} {
		tracker, ok := r.portfolio.Peek(symbol, dir)
		if !ok || tracker.Flat() {
			continue
		}
		amount := dir.Sign().Neg().Mul(tracker.Size).Mul(mark).Mul(rate)
		err := r.session.RecordFunding(FundingPayment{
			StrategyID: r.cfg.StrategyID,
			Symbol:     symbol,
			Direction:  dir,
			Time:       at,
			Rate:       rate,
			MarkPrice:  mark,
			Size:       tracker.Size,
			Amount:     amount,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// WindDown expires every pending order and, in force_close mode, closes all
// open legs at their last known mark. A final snapshot is always recorded.
func (r *Runner) WindDown(mode WindDownMode, at time.Time) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown wind-down mode %q", mode)
	}
	expired := r.orders.ExpireAll(at)
	closed := 0
	if mode == WindDownForceClose {
		for _, tracker := range r.portfolio.Open() {
			last, ok := r.lastTick[tracker.Symbol]
			if !ok {
				continue
			}
			_, ok, err := r.orders.ClosePosition(tracker.Symbol, tracker.Direction, last.Mark(), at, core.ReasonWindDown)
			if err != nil {
				return err
			}
			if ok {
				closed++
			}
		}
	}
	r.logger.Info("wind_down",
		zap.String("mode", string(mode)),
		zap.Int("expired_orders", expired),
		zap.Int("closed_positions", closed),
	)
	return r.snapshot(at)
}

// Finalize closes the session. Calling it twice returns ErrSessionClosed.
func (r *Runner) Finalize(at time.Time) error {
	return r.session.Close(at)
}

// LastTime is the exchange time of the last processed tick.
func (r *Runner) LastTime() time.Time { return r.lastTime }

func (r *Runner) snapshot(at time.Time) error {
	unrealized := decimal.Zero
	exposure := decimal.Zero
	for _, tracker := range r.portfolio.Open() {
		last, ok := r.lastTick[tracker.Symbol]
		if !ok {
			continue
		}
		mark := last.Mark()
		unrealized = unrealized.Add(tracker.UnrealizedPnL(mark))
		exposure = exposure.Add(tracker.Size.Mul(mark))
	}
	balance := r.session.Balance()
	r.lastSnapshot = at
	return r.session.RecordSnapshot(Snapshot{
		Time:       at,
		Balance:    balance,
		Unrealized: unrealized,
		Equity:     balance.Add(unrealized),
		Exposure:   exposure,
	})
}

func (r *Runner) marketState(tick core.Tick, fills []core.Order) strategy.MarketState {
	state := strategy.MarketState{
		StrategyID: r.cfg.StrategyID,
		Tick:       tick,
		Time:       tick.ExchangeTime,
		Balance:    r.session.Balance(),
		OpenOrders: r.orders.Pending(tick.Symbol),
		Fills:      fills,
	}
	for _, tracker := range r.portfolio.All() {
		if tracker.Symbol != tick.Symbol {
			continue
		}
		state.Positions = append(state.Positions, strategy.PositionView{
			Symbol:        tracker.Symbol,
			Direction:     tracker.Direction,
			Size:          tracker.Size,
			EntryPrice:    tracker.EntryPrice,
			UnrealizedPnL: tracker.UnrealizedPnL(tick.Mark()),
		})
	}
	if last, ok := r.orders.LastFilled(tick.Symbol); ok {
		state.LastFill = &last
	}
	return state
}

func (r *Runner) notify(message, key string) {
	if r.notifier != nil {
		r.notifier.Notify(message, key)
	}
}
