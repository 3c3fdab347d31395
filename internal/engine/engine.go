package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"grid-backtest/internal/backtest"
	"grid-backtest/internal/core"
)

type Settings struct {
	WindDown           backtest.WindDownMode
	FundingEnabled     bool
	FundingInterval    time.Duration
	DefaultFundingRate decimal.Decimal
	// Parallel drives every runner in its own goroutine over the shared
	// tick slice. Results are identical to the sequential mode.
	Parallel bool
}

// Metrics receives run-level observations. Implementations must be safe for
// concurrent use when Settings.Parallel is set.
type Metrics interface {
	StrategyDisabled(strategyID string)
	ObserveStrategy(res StrategyResult)
	ObserveRun(ticks int, elapsed time.Duration)
}

type options struct {
	logger   *zap.Logger
	notifier backtest.Notifier
	metrics  Metrics
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithNotifier(n backtest.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func resolveOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Engine replays one merged tick stream through many independent runners.
type Engine struct {
	settings Settings
	runners  []*backtest.Runner
	logger   *zap.Logger
	notifier backtest.Notifier
	metrics  Metrics
}

type StrategyResult struct {
	StrategyID    string
	Symbols       []string
	Session       *backtest.Session
	Summary       backtest.Summary
	Metrics       []backtest.SymbolMetrics
	Disabled      bool
	DisableReason string
	Stopped       bool
	Report        backtest.ExecutionReport
	Liquidations  int
	Ticks         int
}

type Result struct {
	Strategies []StrategyResult
	// Ticks counts replayed ticks; SkippedTicks those dropped as invalid or
	// out of order.
	Ticks        int
	SkippedTicks int
	StartTime    time.Time
	EndTime      time.Time
}

type runState struct {
	runner   *backtest.Runner
	disabled bool
	reason   string
	// funding period index of the last tick seen per symbol
	fundingPeriod map[string]int64
}

func New(settings Settings, runners []*backtest.Runner, opts ...Option) (*Engine, error) {
	if len(runners) == 0 {
		return nil, errors.New("at least one runner is required")
	}
	if !settings.WindDown.Valid() {
		return nil, fmt.Errorf("unknown wind-down mode %q", settings.WindDown)
	}
	if settings.FundingEnabled && settings.FundingInterval <= 0 {
		return nil, errors.New("funding interval must be > 0 when funding is enabled")
	}
	seen := make(map[string]bool, len(runners))
	for _, r := range runners {
		if r == nil {
			return nil, errors.New("nil runner")
		}
		if seen[r.ID()] {
			return nil, fmt.Errorf("duplicate strategy id %q", r.ID())
		}
		seen[r.ID()] = true
	}
	o := resolveOptions(opts)
	return &Engine{
		settings: settings,
		runners:  runners,
		logger:   o.logger,
		notifier: o.notifier,
		metrics:  o.metrics,
	}, nil
}

// Run replays ticks, which must already be in global order, then winds every
// runner down at the time of the last tick and closes its session. Invalid
// ticks and ticks that go back in time for their symbol are logged and
// skipped. A cancelled context aborts the run without a partial result.
func (e *Engine) Run(ctx context.Context, ticks []core.Tick) (Result, error) {
	started := time.Now()
	ticks, marks, skipped := e.accept(ticks)
	states := make([]*runState, len(e.runners))
	for i, r := range e.runners {
		states[i] = &runState{runner: r, fundingPeriod: make(map[string]int64)}
	}

	e.logger.Info("backtest_started",
		zap.Int("strategies", len(states)),
		zap.Int("ticks", len(ticks)),
		zap.Int("skipped_ticks", skipped),
		zap.Bool("parallel", e.settings.Parallel),
	)

	if e.settings.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for _, st := range states {
			st := st
			g.Go(func() error {
				for _, tick := range ticks {
					if err := e.step(gctx, st, tick); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}
	} else {
		for _, tick := range ticks {
			for _, st := range states {
				if err := e.step(ctx, st, tick); err != nil {
					return Result{}, err
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{Ticks: len(ticks), SkippedTicks: skipped}
	if len(ticks) > 0 {
		res.StartTime = ticks[0].ExchangeTime
		res.EndTime = ticks[len(ticks)-1].ExchangeTime
	}
	for _, st := range states {
		e.finish(st, res.EndTime, marks)
		sr := e.strategyResult(st)
		if e.metrics != nil {
			e.metrics.ObserveStrategy(sr)
		}
		res.Strategies = append(res.Strategies, sr)
	}
	if e.metrics != nil {
		e.metrics.ObserveRun(res.Ticks, time.Since(started))
	}
	e.logger.Info("backtest_finished",
		zap.Int("ticks", res.Ticks),
		zap.Int("skipped_ticks", res.SkippedTicks),
		zap.Time("start", res.StartTime),
		zap.Time("end", res.EndTime),
		zap.Duration("elapsed", time.Since(started)),
	)
	return res, nil
}

// accept filters ticks before dispatch and returns the last accepted tick of
// every symbol.
func (e *Engine) accept(ticks []core.Tick) ([]core.Tick, map[string]core.Tick, int) {
	out := make([]core.Tick, 0, len(ticks))
	last := make(map[string]core.Tick)
	skipped := 0
	for i, tick := range ticks {
		reason := backtest.InvalidTick(tick)
		if prev, ok := last[tick.Symbol]; reason == "" && ok && backtest.Regressed(prev, tick) {
			reason = "out of order"
		}
		if reason != "" {
			skipped++
			e.logger.Warn("tick_skipped",
				zap.Int("index", i),
				zap.String("symbol", tick.Symbol),
				zap.Time("exchange_ts", tick.ExchangeTime),
				zap.String("reason", reason),
			)
			continue
		}
		last[tick.Symbol] = tick
		out = append(out, tick)
	}
	return out, last, skipped
}

// step feeds one tick to one runner. Only context errors are returned; any
// other failure disables the runner.
func (e *Engine) step(ctx context.Context, st *runState, tick core.Tick) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.disabled || !st.runner.Subscribes(tick.Symbol) {
		return nil
	}
	err := guard(func() error {
		if e.settings.FundingEnabled {
			if err := e.settleFunding(st, tick); err != nil {
				return fmt.Errorf("funding: %w", err)
			}
		}
		return st.runner.OnTick(ctx, tick)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	e.disable(st, err)
	return nil
}

// settleFunding charges every funding boundary crossed since the runner's
// previous tick of the same symbol. The first tick of a symbol only sets the
// baseline. The default rate applies only when the tick carries none.
func (e *Engine) settleFunding(st *runState, tick core.Tick) error {
	interval := e.settings.FundingInterval.Nanoseconds()
	period := floorDiv(tick.ExchangeTime.UnixNano(), interval)
	prev, seen := st.fundingPeriod[tick.Symbol]
	st.fundingPeriod[tick.Symbol] = period
	if !seen || period <= prev {
		return nil
	}
	rate := e.settings.DefaultFundingRate
	if tick.HasFundingRate || !tick.FundingRate.IsZero() {
		rate = tick.FundingRate
	}
	for p := prev + 1; p <= period; p++ {
		boundary := time.Unix(0, p*interval).UTC()
		if err := st.runner.ApplyFunding(tick.Symbol, rate, boundary); err != nil {
			return err
		}
	}
	return nil
}

// finish brings the runner's marks up to the end of the stream, which a
// disabled runner stopped following, then winds it down and closes it.
func (e *Engine) finish(st *runState, at time.Time, marks map[string]core.Tick) {
	id := st.runner.ID()
	for _, symbol := range st.runner.Symbols() {
		if tick, ok := marks[symbol]; ok {
			st.runner.ObserveMark(tick)
		}
	}
	if err := guard(func() error { return st.runner.WindDown(e.settings.WindDown, at) }); err != nil {
		e.logger.Error("wind_down_failed", zap.String("strategy", id), zap.Error(err))
		if !st.disabled {
			e.disable(st, fmt.Errorf("wind down: %w", err))
		}
	}
	if err := st.runner.Finalize(at); err != nil && !errors.Is(err, backtest.ErrSessionClosed) {
		e.logger.Error("session_close_failed", zap.String("strategy", id), zap.Error(err))
	}
}

func (e *Engine) disable(st *runState, err error) {
	id := st.runner.ID()
	st.disabled = true
	st.reason = err.Error()
	e.logger.Error("strategy_disabled", zap.String("strategy", id), zap.Error(err))
	if e.notifier != nil {
		e.notifier.Notify(fmt.Sprintf("strategy %s disabled: %v", id, err), "strategy_disabled:"+id)
	}
	if e.metrics != nil {
		e.metrics.StrategyDisabled(id)
	}
}

func (e *Engine) strategyResult(st *runState) StrategyResult {
	r := st.runner
	sr := StrategyResult{
		StrategyID:    r.ID(),
		Symbols:       r.Symbols(),
		Session:       r.Session(),
		Disabled:      st.disabled,
		DisableReason: st.reason,
		Stopped:       r.Stopped(),
		Report:        r.Report(),
		Liquidations:  r.Liquidations(),
		Ticks:         r.Ticks(),
	}
	if summary, err := r.Session().Summary(); err == nil {
		sr.Summary = summary
	}
	if metrics, err := r.Session().FinalMetrics(); err == nil {
		sr.Metrics = metrics
	}
	return sr
}

// guard converts a panic inside fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
