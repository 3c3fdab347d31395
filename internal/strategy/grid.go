package strategy

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
	"grid-backtest/internal/grid"
)

type ContractMode string

const (
	ContractModeDual  ContractMode = "dual"
	ContractModeLong  ContractMode = "long"
	ContractModeShort ContractMode = "short"
)

func NormalizeContractMode(mode ContractMode) ContractMode {
	m := ContractMode(strings.ToLower(strings.TrimSpace(string(mode))))
	switch m {
	case ContractModeLong, ContractModeShort:
		return m
	default:
		return ContractModeDual
	}
}

type GridConfig struct {
	Symbol       string
	ContractMode ContractMode
	GridMode     grid.Mode
	Levels       int
	Step         decimal.Decimal
	Tick         decimal.Decimal
	Qty          decimal.Decimal
	// LevelQtyScale grows order size with distance from the anchor. When set,
	// intents carry a multiplier instead of a literal quantity.
	LevelQtyScale decimal.Decimal
	// StopPrice ends the strategy: long/dual stop at or below it, short at or above it.
	StopPrice decimal.Decimal
	Trend     TrendFilterConfig
}

type holdingKey struct {
	dir   core.Direction
	level int
}

// GridStrategy keeps a ladder of opening orders around the first observed
// price and answers every opening fill with a closing order one level back
// toward the anchor. A level is re-armed once its closing order fills.
type GridStrategy struct {
	cfg     GridConfig
	grid    grid.Grid
	ready   bool
	stopped bool
	holding map[holdingKey]bool
	trend   *trendDetector
	regime  Regime
}

func NewGridStrategy(cfg GridConfig) (*GridStrategy, error) {
	cfg.ContractMode = NormalizeContractMode(cfg.ContractMode)
	if cfg.Symbol == "" {
		return nil, errors.New("grid symbol is required")
	}
	if cfg.Levels < 1 {
		return nil, errors.New("grid levels must be >= 1")
	}
	if cfg.Step.Sign() <= 0 {
		return nil, errors.New("grid step must be > 0")
	}
	if cfg.Qty.Sign() <= 0 {
		return nil, errors.New("grid qty must be > 0")
	}
	if cfg.LevelQtyScale.Sign() < 0 {
		return nil, errors.New("grid level qty scale must be >= 0")
	}
	return &GridStrategy{
		cfg:     cfg,
		holding: make(map[holdingKey]bool),
		trend:   newTrendDetector(cfg.Trend),
		regime:  RegimeRange,
	}, nil
}

// Regime is the trend filter's current classification; always range when
// the filter is disabled.
func (s *GridStrategy) Regime() Regime { return s.regime }

func (s *GridStrategy) OnTick(_ context.Context, state MarketState) ([]Intent, error) {
	if s.stopped {
		return nil, ErrStopped
	}
	if state.Tick.Symbol != s.cfg.Symbol {
		return nil, nil
	}
	price := state.Tick.Price
	if !s.ready {
		g, err := grid.Build(grid.Spec{
			Anchor: price,
			Step:   s.cfg.Step,
			Levels: s.cfg.Levels,
			Mode:   s.cfg.GridMode,
			Tick:   s.cfg.Tick,
		})
		if err != nil {
			return nil, err
		}
		s.grid = g
		s.ready = true
	}
	if s.shouldStop(price) {
		s.stopped = true
		intents := make([]Intent, 0, len(state.OpenOrders))
		for _, ord := range state.OpenOrders {
			intents = append(intents, NewCancel(ord.ID))
		}
		return intents, ErrStopped
	}

	for _, ord := range state.Fills {
		s.onFill(ord)
	}
	for _, dir := range s.directions() {
		if state.Position(s.cfg.Symbol, dir).Size.Sign() == 0 {
			s.clearHoldings(dir)
		}
	}

	s.regime, _ = s.trend.Update(price, state.Time)

	intents := make([]Intent, 0, 2*s.cfg.Levels)
	for _, dir := range s.directions() {
		if s.paused(dir) {
			intents = append(intents, cancelOpenings(state.OpenOrders, s.cfg.Symbol, dir)...)
			intents = append(intents, s.ladder(dir, false)...)
			continue
		}
		intents = append(intents, s.ladder(dir, true)...)
	}
	return intents, nil
}

// paused reports whether dir trades against the current trend.
func (s *GridStrategy) paused(dir core.Direction) bool {
	switch s.regime {
	case RegimeTrendDown:
		return dir == core.Long
	case RegimeTrendUp:
		return dir == core.Short
	default:
		return false
	}
}

func cancelOpenings(orders []core.Order, symbol string, dir core.Direction) []Intent {
	var out []Intent
	for _, ord := range orders {
		if ord.Symbol == symbol && ord.Direction == dir && ord.Opens() {
			out = append(out, NewCancel(ord.ID))
		}
	}
	return out
}

func (s *GridStrategy) directions() []core.Direction {
	switch s.cfg.ContractMode {
	case ContractModeLong:
		return []core.Direction{core.Long}
	case ContractModeShort:
		return []core.Direction{core.Short}
	default:
		return []core.Direction{core.Long, core.Short}
	}
}

func (s *GridStrategy) onFill(ord core.Order) {
	if ord.Symbol != s.cfg.Symbol {
		return
	}
	if ord.Opens() {
		s.holding[holdingKey{dir: ord.Direction, level: ord.GridIndex}] = true
		return
	}
	delete(s.holding, holdingKey{dir: ord.Direction, level: openLevelFor(ord.Direction, ord.GridIndex)})
}

func (s *GridStrategy) clearHoldings(dir core.Direction) {
	for k := range s.holding {
		if k.dir == dir {
			delete(s.holding, k)
		}
	}
}

// ladder lists, per level, either the opening order or the closing order of
// a held level. Opening orders are left out unless openings is set.
func (s *GridStrategy) ladder(dir core.Direction, openings bool) []Intent {
	var levels []int
	if dir == core.Long {
		for i := -1; i >= s.grid.MinLevel(); i-- {
			levels = append(levels, i)
		}
	} else {
		for i := 1; i <= s.grid.MaxLevel(); i++ {
			levels = append(levels, i)
		}
	}
	out := make([]Intent, 0, len(levels))
	for _, level := range levels {
		target, side := level, core.OpeningSide(dir)
		if s.holding[holdingKey{dir: dir, level: level}] {
			target, side = closeLevelFor(dir, level), core.ClosingSide(dir)
		} else if !openings {
			continue
		}
		intent := NewPlaceLimit(s.cfg.Symbol, side, dir, s.grid.PriceAt(target), target)
		s.applyQty(&intent, level)
		out = append(out, intent)
	}
	return out
}

func (s *GridStrategy) applyQty(intent *Intent, level int) {
	if s.cfg.LevelQtyScale.Sign() == 0 {
		intent.Qty = s.cfg.Qty
		return
	}
	distance := level
	if distance < 0 {
		distance = -distance
	}
	intent.QtyMultiplier = decimal.NewFromInt(1).Add(s.cfg.LevelQtyScale.Mul(decimal.NewFromInt(int64(distance - 1))))
}

func (s *GridStrategy) shouldStop(price decimal.Decimal) bool {
	if s.cfg.StopPrice.Sign() <= 0 {
		return false
	}
	if s.cfg.ContractMode == ContractModeShort {
		return price.Cmp(s.cfg.StopPrice) >= 0
	}
	return price.Cmp(s.cfg.StopPrice) <= 0
}

// closeLevelFor is the level of the closing order for an opening fill at level.
func closeLevelFor(dir core.Direction, level int) int {
	if dir == core.Short {
		return level - 1
	}
	return level + 1
}

func openLevelFor(dir core.Direction, closeLevel int) int {
	if dir == core.Short {
		return closeLevel + 1
	}
	return closeLevel - 1
}
