package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/backtest"
	"grid-backtest/internal/config"
	"grid-backtest/internal/core"
	"grid-backtest/internal/strategy"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func cd(s string) config.Decimal { return config.Decimal{Decimal: d(s)} }

var offsets = []int64{0, -12, -25, -38, -22, -5, 8, 21, 33, 45, 28, 11, -3}

// oscillatingTicks returns two hours of BTC and ETH ticks every 30s, both
// symbols sharing each timestamp.
func oscillatingTicks() []core.Tick {
	var ticks []core.Tick
	for i := 0; i < 240; i++ {
		at := t0.Add(time.Duration(i) * 30 * time.Second)
		off := offsets[i%len(offsets)]
		ticks = append(ticks,
			core.Tick{Symbol: "BTCUSDT", ExchangeTime: at, LocalTime: at, Price: decimal.NewFromInt(1000 + off)},
			core.Tick{Symbol: "ETHUSDT", ExchangeTime: at, LocalTime: at, Price: decimal.New(10000+off*3, -2)},
		)
	}
	return ticks
}

func gridConfig(parallel bool, windDown config.WindDown) config.Config {
	return config.Config{
		Run: config.RunConfig{
			InitialBalance:      cd("10000"),
			CommissionRate:      cd("0.0004"),
			SnapshotIntervalSec: 60,
			WindDown:            windDown,
			Parallel:            parallel,
		},
		Funding: config.FundingConfig{Enabled: true, IntervalSec: 3600, DefaultRate: cd("0.0001")},
		Strategies: []config.StrategyConfig{
			{
				ID: "btc", Symbol: "BTCUSDT", ContractMode: config.ContractDual, GridMode: config.GridArithmetic,
				Levels: 4, Step: cd("10"), Qty: cd("0.1"),
			},
			{
				ID: "eth", Symbol: "ETHUSDT", ContractMode: config.ContractLong, GridMode: config.GridGeo,
				Levels: 3, Step: cd("1.01"), Qty: cd("1"), Rules: config.RulesConfig{PriceTick: cd("0.01")},
			},
		},
	}
}

func runGrid(t *testing.T, parallel bool, windDown config.WindDown) Result {
	t.Helper()
	eng, err := FromConfig(gridConfig(parallel, windDown), nil)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	res, err := eng.Run(context.Background(), oscillatingTicks())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res
}

func assertSameResult(t *testing.T, a, b Result) {
	t.Helper()
	if len(a.Strategies) != len(b.Strategies) {
		t.Fatalf("strategies = %d vs %d", len(a.Strategies), len(b.Strategies))
	}
	for i := range a.Strategies {
		sa, sb := a.Strategies[i], b.Strategies[i]
		if sa.StrategyID != sb.StrategyID {
			t.Fatalf("strategy[%d] = %s vs %s", i, sa.StrategyID, sb.StrategyID)
		}
		if !sa.Summary.FinalBalance.Equal(sb.Summary.FinalBalance) {
			t.Fatalf("%s final balance = %s vs %s", sa.StrategyID, sa.Summary.FinalBalance, sb.Summary.FinalBalance)
		}
		ta, tb := sa.Session.Trades(), sb.Session.Trades()
		if len(ta) != len(tb) {
			t.Fatalf("%s trades = %d vs %d", sa.StrategyID, len(ta), len(tb))
		}
		for j := range ta {
			if ta[j].ID != tb[j].ID || !ta[j].Price.Equal(tb[j].Price) || !ta[j].RealizedPnL.Equal(tb[j].RealizedPnL) || !ta[j].Time.Equal(tb[j].Time) {
				t.Fatalf("%s trade %d = %+v vs %+v", sa.StrategyID, j, ta[j], tb[j])
			}
		}
		if len(sa.Session.Funding()) != len(sb.Session.Funding()) {
			t.Fatalf("%s funding = %d vs %d", sa.StrategyID, len(sa.Session.Funding()), len(sb.Session.Funding()))
		}
	}
}

func TestEngineParallelMatchesSequential(t *testing.T) {
	seq := runGrid(t, false, config.WindDownForceClose)
	par := runGrid(t, true, config.WindDownForceClose)
	for _, s := range seq.Strategies {
		if len(s.Session.Trades()) == 0 {
			t.Fatalf("%s produced no trades, scenario is not exercising fills", s.StrategyID)
		}
	}
	assertSameResult(t, seq, par)
}

func TestEngineForceCloseIsDeterministicAndFlat(t *testing.T) {
	first := runGrid(t, false, config.WindDownForceClose)
	second := runGrid(t, false, config.WindDownForceClose)
	assertSameResult(t, first, second)

	for _, s := range first.Strategies {
		if !s.Session.Closed() {
			t.Fatalf("%s session still open", s.StrategyID)
		}
		trades := s.Session.Trades()
		for _, sym := range s.Symbols {
			for _, dir := range []core.Direction{core.Long, core.Short} {
				var leg []core.Trade
				for _, tr := range trades {
					if tr.Symbol == sym && tr.Direction == dir {
						leg = append(leg, tr)
					}
				}
				if replayed := backtest.Replay(sym, dir, leg); !replayed.Flat() {
					t.Fatalf("%s %s %s size after force close = %s", s.StrategyID, sym, dir, replayed.Size)
				}
			}
		}
		total := d("10000")
		for _, tr := range trades {
			total = total.Add(tr.RealizedPnL)
		}
		for _, f := range s.Session.Funding() {
			total = total.Add(f.Amount)
		}
		if !total.Equal(s.Summary.FinalBalance) {
			t.Fatalf("%s ledger = %s, final balance = %s", s.StrategyID, total, s.Summary.FinalBalance)
		}
	}
}

func TestEngineMarkOnlyLeavesPositionsOpen(t *testing.T) {
	res := runGrid(t, false, config.WindDownMarkOnly)
	for _, s := range res.Strategies {
		for _, tr := range s.Session.Trades() {
			if tr.Reason == core.ReasonWindDown {
				t.Fatalf("%s has wind-down trade in mark_only mode", s.StrategyID)
			}
		}
		snaps := s.Session.Snapshots()
		if len(snaps) == 0 || !snaps[len(snaps)-1].Time.Equal(res.EndTime) {
			t.Fatalf("%s last snapshot not at end time", s.StrategyID)
		}
		if !s.Session.Closed() {
			t.Fatalf("%s session still open", s.StrategyID)
		}
	}
}

type buyOnce struct {
	symbol string
	placed bool
}

func (b *buyOnce) OnTick(_ context.Context, state strategy.MarketState) ([]strategy.Intent, error) {
	if b.placed {
		return nil, nil
	}
	b.placed = true
	intent := strategy.NewPlaceLimit(b.symbol, core.Buy, core.Long, state.Tick.Price.Add(decimal.NewFromInt(1)), -1)
	intent.Qty = decimal.NewFromInt(1)
	return []strategy.Intent{intent}, nil
}

type panicAt struct {
	n     int
	calls int
}

func (p *panicAt) OnTick(context.Context, strategy.MarketState) ([]strategy.Intent, error) {
	p.calls++
	if p.calls == p.n {
		panic("boom")
	}
	return nil, nil
}

type notifySpy struct {
	mu   sync.Mutex
	keys []string
}

func (n *notifySpy) Notify(_ string, key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys = append(n.keys, key)
}

type metricsSpy struct {
	mu       sync.Mutex
	disabled []string
	observed int
	runs     int
}

func (m *metricsSpy) StrategyDisabled(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = append(m.disabled, id)
}

func (m *metricsSpy) ObserveStrategy(StrategyResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed++
}

func (m *metricsSpy) ObserveRun(int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
}

func newRunner(t *testing.T, id string, strat strategy.Strategy) *backtest.Runner {
	t.Helper()
	r, err := backtest.NewRunner(backtest.RunnerConfig{
		StrategyID:     id,
		Symbols:        []string{"BTCUSDT"},
		InitialBalance: d("1000"),
	}, strat)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r
}

func btcTick(at time.Duration, price string) core.Tick {
	return core.Tick{Symbol: "BTCUSDT", ExchangeTime: t0.Add(at), Price: d(price)}
}

func TestEngineFundingSettlesEachBoundaryOnce(t *testing.T) {
	r := newRunner(t, "funded", &buyOnce{symbol: "BTCUSDT"})
	eng, err := New(Settings{
		WindDown:           backtest.WindDownMarkOnly,
		FundingEnabled:     true,
		FundingInterval:    time.Hour,
		DefaultFundingRate: d("0.001"),
	}, []*backtest.Runner{r})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ticks := []core.Tick{
		btcTick(10*time.Minute, "100"),
		btcTick(20*time.Minute, "100"),
		btcTick(65*time.Minute, "102"),
		{Symbol: "BTCUSDT", ExchangeTime: t0.Add(210 * time.Minute), Price: d("103"), FundingRate: d("0.002")},
	}
	if _, err := eng.Run(context.Background(), ticks); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	funding := r.Session().Funding()
	if len(funding) != 3 {
		t.Fatalf("funding payments = %d, want 3", len(funding))
	}
	wantTimes := []time.Time{t0.Add(time.Hour), t0.Add(2 * time.Hour), t0.Add(3 * time.Hour)}
	wantAmounts := []string{"-0.1", "-0.204", "-0.204"}
	total := decimal.Zero
	for i, f := range funding {
		if !f.Time.Equal(wantTimes[i]) {
			t.Fatalf("funding[%d].Time = %s, want %s", i, f.Time, wantTimes[i])
		}
		if !f.Amount.Equal(d(wantAmounts[i])) {
			t.Fatalf("funding[%d].Amount = %s, want %s", i, f.Amount, wantAmounts[i])
		}
		total = total.Add(f.Amount)
	}
	// 1000 + fill realized (zero commission) + funding
	if !r.Session().Balance().Equal(d("1000").Add(total)) {
		t.Fatalf("Balance() = %s, want %s", r.Session().Balance(), d("1000").Add(total))
	}
}

func TestEngineDisablesPanickingStrategyAndContinues(t *testing.T) {
	bad := newRunner(t, "bad", &panicAt{n: 2})
	good := newRunner(t, "good", &panicAt{n: -1})
	notifier := &notifySpy{}
	metrics := &metricsSpy{}
	eng, err := New(Settings{WindDown: backtest.WindDownForceClose}, []*backtest.Runner{bad, good},
		WithNotifier(notifier), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ticks := []core.Tick{
		btcTick(time.Second, "100"),
		btcTick(2*time.Second, "101"),
		btcTick(3*time.Second, "102"),
		btcTick(4*time.Second, "103"),
	}
	res, err := eng.Run(context.Background(), ticks)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	badRes, goodRes := res.Strategies[0], res.Strategies[1]
	if !badRes.Disabled || !strings.Contains(badRes.DisableReason, "panic: boom") {
		t.Fatalf("bad result = %+v, want disabled by panic", badRes)
	}
	if badRes.Ticks != 2 {
		t.Fatalf("bad ticks = %d, want 2", badRes.Ticks)
	}
	if goodRes.Disabled || goodRes.Ticks != 4 {
		t.Fatalf("good result = %+v, want 4 ticks and enabled", goodRes)
	}
	if !badRes.Session.Closed() {
		t.Fatalf("disabled runner session not finalized")
	}
	if len(notifier.keys) != 1 || notifier.keys[0] != "strategy_disabled:bad" {
		t.Fatalf("notify keys = %v", notifier.keys)
	}
	if len(metrics.disabled) != 1 || metrics.observed != 2 || metrics.runs != 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

type errorAt struct{ n, calls int }

func (e *errorAt) OnTick(context.Context, strategy.MarketState) ([]strategy.Intent, error) {
	e.calls++
	if e.calls == e.n {
		return nil, errors.New("bad state")
	}
	return nil, nil
}

func TestEngineDisablesOnStrategyErrorInParallel(t *testing.T) {
	bad := newRunner(t, "bad", &errorAt{n: 1})
	good := newRunner(t, "good", &errorAt{n: -1})
	eng, err := New(Settings{WindDown: backtest.WindDownMarkOnly, Parallel: true}, []*backtest.Runner{bad, good})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := eng.Run(context.Background(), []core.Tick{btcTick(time.Second, "100"), btcTick(2*time.Second, "100")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Strategies[0].Disabled || res.Strategies[1].Disabled {
		t.Fatalf("disabled = %v/%v, want true/false", res.Strategies[0].Disabled, res.Strategies[1].Disabled)
	}
}

func TestEngineContextCancelAbortsRun(t *testing.T) {
	eng, err := New(Settings{WindDown: backtest.WindDownForceClose}, []*backtest.Runner{newRunner(t, "s1", &panicAt{n: -1})})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := eng.Run(ctx, []core.Tick{btcTick(time.Second, "100")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want %v", err, context.Canceled)
	}
	if len(res.Strategies) != 0 {
		t.Fatalf("partial result returned: %+v", res)
	}
}

func TestNewValidatesSettings(t *testing.T) {
	r := newRunner(t, "s1", &panicAt{n: -1})
	if _, err := New(Settings{WindDown: backtest.WindDownForceClose}, nil); err == nil {
		t.Fatalf("New() without runners error = nil")
	}
	if _, err := New(Settings{WindDown: "liquidate"}, []*backtest.Runner{r}); err == nil {
		t.Fatalf("New() with unknown wind-down error = nil")
	}
	if _, err := New(Settings{WindDown: backtest.WindDownForceClose, FundingEnabled: true}, []*backtest.Runner{r}); err == nil {
		t.Fatalf("New() with zero funding interval error = nil")
	}
	dup := newRunner(t, "s1", &panicAt{n: -1})
	if _, err := New(Settings{WindDown: backtest.WindDownForceClose}, []*backtest.Runner{r, dup}); err == nil {
		t.Fatalf("New() with duplicate ids error = nil")
	}
}

func TestFloorDiv(t *testing.T) {
	cases := []struct{ a, b, want int64 }{
		{7, 2, 3},
		{-7, 2, -4},
		{-8, 2, -4},
		{0, 5, 0},
	}
	for _, c := range cases {
		if got := floorDiv(c.a, c.b); got != c.want {
			t.Fatalf("floorDiv(%d, %d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestFromConfigTrendFilterRunsDeterministically(t *testing.T) {
	run := func(parallel bool) Result {
		cfg := gridConfig(parallel, config.WindDownForceClose)
		cfg.Strategies[0].TrendFilter = config.TrendConfig{Enabled: true, Window: 6, EnterScore: 1, ExitScore: 0.5, EnterConfirm: 1, ExitConfirm: 2}
		eng, err := FromConfig(cfg, nil)
		if err != nil {
			t.Fatalf("FromConfig() error = %v", err)
		}
		res, err := eng.Run(context.Background(), oscillatingTicks())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		return res
	}
	seq, par := run(false), run(true)
	assertSameResult(t, seq, par)
	for _, sr := range seq.Strategies {
		if sr.Disabled {
			t.Fatalf("%s disabled: %s", sr.StrategyID, sr.DisableReason)
		}
	}
}

type restingBuy struct {
	price  string
	placed bool
}

func (r *restingBuy) OnTick(_ context.Context, state strategy.MarketState) ([]strategy.Intent, error) {
	if r.placed {
		return nil, nil
	}
	r.placed = true
	intent := strategy.NewPlaceLimit(state.Tick.Symbol, core.Buy, core.Long, d(r.price), -1)
	intent.Qty = decimal.NewFromInt(1)
	return []strategy.Intent{intent}, nil
}

func TestEngineSkipsInvalidAndOutOfOrderTicks(t *testing.T) {
	cases := []struct {
		name  string
		ticks []core.Tick
	}{
		{
			name:  "zero price",
			ticks: []core.Tick{btcTick(0, "100"), btcTick(time.Second, "0"), btcTick(2*time.Second, "100")},
		},
		{
			name:  "time goes back",
			ticks: []core.Tick{btcTick(10*time.Second, "100"), btcTick(0, "80"), btcTick(20*time.Second, "100")},
		},
		{
			name:  "missing symbol",
			ticks: []core.Tick{btcTick(0, "100"), {ExchangeTime: t0.Add(time.Second), Price: d("80")}, btcTick(2*time.Second, "100")},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRunner(t, "resting", &restingBuy{price: "90"})
			eng, err := New(Settings{WindDown: backtest.WindDownMarkOnly}, []*backtest.Runner{r})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			res, err := eng.Run(context.Background(), tc.ticks)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Ticks != 2 || res.SkippedTicks != 1 {
				t.Fatalf("ticks = %d skipped = %d, want 2 and 1", res.Ticks, res.SkippedTicks)
			}
			if trades := r.Session().Trades(); len(trades) != 0 {
				t.Fatalf("trades = %+v, want none", trades)
			}
			if res.Strategies[0].Ticks != 2 {
				t.Fatalf("runner ticks = %d, want 2", res.Strategies[0].Ticks)
			}
		})
	}
}

func TestEngineFundingKeepsExplicitZeroRate(t *testing.T) {
	r := newRunner(t, "funded", &buyOnce{symbol: "BTCUSDT"})
	eng, err := New(Settings{
		WindDown:           backtest.WindDownMarkOnly,
		FundingEnabled:     true,
		FundingInterval:    time.Hour,
		DefaultFundingRate: d("0.001"),
	}, []*backtest.Runner{r})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	zeroRate := func(at time.Duration, price string) core.Tick {
		tick := btcTick(at, price)
		tick.HasFundingRate = true
		return tick
	}
	ticks := []core.Tick{
		zeroRate(10*time.Minute, "100"),
		zeroRate(20*time.Minute, "100"),
		zeroRate(65*time.Minute, "100"),
		zeroRate(130*time.Minute, "100"),
	}
	if _, err := eng.Run(context.Background(), ticks); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if funding := r.Session().Funding(); len(funding) != 0 {
		t.Fatalf("funding payments = %+v, want none for an explicit zero rate", funding)
	}
	if !r.Session().Balance().Equal(d("1000")) {
		t.Fatalf("Balance() = %s, want 1000", r.Session().Balance())
	}
}

type buyThenFail struct {
	buyOnce
	failAt int
	calls  int
}

func (b *buyThenFail) OnTick(ctx context.Context, state strategy.MarketState) ([]strategy.Intent, error) {
	b.calls++
	if b.calls == b.failAt {
		return nil, errors.New("bad state")
	}
	return b.buyOnce.OnTick(ctx, state)
}

func TestEngineForceClosesDisabledRunnerAtFinalMark(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		r := newRunner(t, "failing", &buyThenFail{buyOnce: buyOnce{symbol: "BTCUSDT"}, failAt: 3})
		eng, err := New(Settings{WindDown: backtest.WindDownForceClose, Parallel: parallel}, []*backtest.Runner{r})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		ticks := []core.Tick{
			btcTick(time.Second, "100"),
			btcTick(2*time.Second, "100"),
			btcTick(3*time.Second, "85"),
			btcTick(4*time.Second, "200"),
		}
		res, err := eng.Run(context.Background(), ticks)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !res.Strategies[0].Disabled {
			t.Fatalf("parallel=%v: runner not disabled", parallel)
		}
		trades := r.Session().Trades()
		if len(trades) != 2 {
			t.Fatalf("parallel=%v: trades = %+v, want fill and wind-down", parallel, trades)
		}
		closing := trades[1]
		if closing.Reason != core.ReasonWindDown || !closing.Price.Equal(d("200")) || !closing.Time.Equal(t0.Add(4*time.Second)) {
			t.Fatalf("parallel=%v: wind-down trade = %s @%s at %s", parallel, closing.Reason, closing.Price, closing.Time)
		}
		if !closing.RealizedPnL.Equal(d("99")) {
			t.Fatalf("parallel=%v: realized = %s, want 99", parallel, closing.RealizedPnL)
		}
	}
}

func TestResolveOptionsKeepsNopLoggerForNil(t *testing.T) {
	notifier := &notifySpy{}
	o := resolveOptions([]Option{WithLogger(nil), WithNotifier(notifier)})
	if o.logger == nil {
		t.Fatalf("logger = nil, want nop logger")
	}
	if o.notifier != notifier {
		t.Fatalf("notifier not applied")
	}
}
