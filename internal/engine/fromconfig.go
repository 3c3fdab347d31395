package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"grid-backtest/internal/backtest"
	"grid-backtest/internal/config"
	"grid-backtest/internal/core"
	"grid-backtest/internal/grid"
	"grid-backtest/internal/risklimit"
	"grid-backtest/internal/strategy"
)

// FromConfig builds one grid runner per configured strategy. Symbols missing
// from tiers run without liquidation checks.
func FromConfig(cfg config.Config, tiers risklimit.Table, opts ...Option) (*Engine, error) {
	o := resolveOptions(opts)
	runners := make([]*backtest.Runner, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		r, err := buildRunner(cfg, sc, tiers, o)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
		runners = append(runners, r)
	}
	settings := Settings{
		WindDown:           backtest.WindDownMode(cfg.Run.WindDown),
		FundingEnabled:     cfg.Funding.Enabled,
		FundingInterval:    cfg.Funding.Interval(),
		DefaultFundingRate: cfg.Funding.DefaultRate.Decimal,
		Parallel:           cfg.Run.Parallel,
	}
	return New(settings, runners, opts...)
}

func buildRunner(cfg config.Config, sc config.StrategyConfig, tiers risklimit.Table, o options) (*backtest.Runner, error) {
	strat, err := strategy.NewGridStrategy(strategy.GridConfig{
		Symbol:        sc.Symbol,
		ContractMode:  strategy.ContractMode(sc.ContractMode),
		GridMode:      grid.Mode(sc.GridMode),
		Levels:        sc.Levels,
		Step:          sc.Step.Decimal,
		Tick:          sc.Rules.PriceTick.Decimal,
		Qty:           sc.Qty.Decimal,
		LevelQtyScale: sc.LevelQtyScale.Decimal,
		StopPrice:     sc.StopPrice.Decimal,
		Trend: strategy.TrendFilterConfig{
			Enabled:      sc.TrendFilter.Enabled,
			Window:       sc.TrendFilter.Window,
			EnterScore:   sc.TrendFilter.EnterScore,
			ExitScore:    sc.TrendFilter.ExitScore,
			EnterConfirm: sc.TrendFilter.EnterConfirm,
			ExitConfirm:  sc.TrendFilter.ExitConfirm,
			MinDwell:     time.Duration(sc.TrendFilter.MinDwellSec) * time.Second,
		},
	})
	if err != nil {
		return nil, err
	}
	runnerTiers := map[string]backtest.MMTiers{}
	if t, ok := tiers[sc.Symbol]; ok {
		runnerTiers[sc.Symbol] = t
	} else if len(tiers) > 0 {
		o.logger.Warn("risk_limits_missing", zap.String("strategy", sc.ID), zap.String("symbol", sc.Symbol))
	}
	opts := []backtest.RunnerOption{
		backtest.WithRunnerLogger(o.logger),
		backtest.WithQuantityCalculator(backtest.BaseQuantity{Base: sc.Qty.Decimal}),
	}
	if o.notifier != nil {
		opts = append(opts, backtest.WithNotifier(o.notifier))
	}
	return backtest.NewRunner(backtest.RunnerConfig{
		StrategyID:     sc.ID,
		Symbols:        []string{sc.Symbol},
		InitialBalance: cfg.Run.InitialBalance.Decimal,
		CommissionRate: cfg.Run.CommissionRate.Decimal,
		Rules: core.Rules{
			MinQty:      sc.Rules.MinQty.Decimal,
			MinNotional: sc.Rules.MinNotional.Decimal,
			PriceTick:   sc.Rules.PriceTick.Decimal,
			QtyStep:     sc.Rules.QtyStep.Decimal,
		},
		Tiers:            runnerTiers,
		MaxMargin:        sc.MaxMargin.Decimal,
		OrderTTL:         cfg.Run.OrderTTL(),
		SnapshotInterval: cfg.Run.SnapshotInterval(),
	}, strat, opts...)
}
