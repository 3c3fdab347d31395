package grid

import (
	"errors"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

type Mode string

const (
	ModeArithmetic Mode = "arithmetic"
	ModeGeometric  Mode = "geometric"
)

// Spec describes a ladder centred on Anchor. In arithmetic mode Step is an
// absolute price distance; in geometric mode it is a ratio > 1.
type Spec struct {
	Anchor decimal.Decimal
	Step   decimal.Decimal
	Levels int
	Mode   Mode
	Tick   decimal.Decimal
}

// Grid holds level prices. Level 0 is the anchor, negative levels lie below it.
type Grid struct {
	Anchor decimal.Decimal
	below  []decimal.Decimal
	above  []decimal.Decimal
}

func Build(spec Spec) (Grid, error) {
	if spec.Levels < 1 {
		return Grid{}, errors.New("levels must be >= 1")
	}
	if spec.Anchor.Sign() <= 0 {
		return Grid{}, errors.New("anchor must be > 0")
	}
	if spec.Mode == "" {
		spec.Mode = ModeArithmetic
	}
	switch spec.Mode {
	case ModeArithmetic:
		if spec.Step.Sign() <= 0 {
			return Grid{}, errors.New("grid step must be > 0")
		}
	case ModeGeometric:
		if spec.Step.Cmp(decimal.NewFromInt(1)) <= 0 {
			return Grid{}, errors.New("geometric grid step must be > 1")
		}
	default:
		return Grid{}, errors.New("grid mode must be arithmetic or geometric")
	}

	g := Grid{Anchor: spec.Anchor}
	last := spec.Anchor
	for i := 1; i <= spec.Levels; i++ {
		p := core.RoundDown(levelPrice(spec, -i), spec.Tick)
		if p.Sign() <= 0 || p.Cmp(last) >= 0 {
			break
		}
		g.below = append(g.below, p)
		last = p
	}
	last = spec.Anchor
	for i := 1; i <= spec.Levels; i++ {
		p := core.RoundDown(levelPrice(spec, i), spec.Tick)
		if p.Cmp(last) <= 0 {
			continue
		}
		g.above = append(g.above, p)
		last = p
	}
	if len(g.below) == 0 && len(g.above) == 0 {
		return Grid{}, errors.New("grid collapsed after tick normalization")
	}
	return g, nil
}

func levelPrice(spec Spec, idx int) decimal.Decimal {
	if spec.Mode == ModeGeometric {
		if idx >= 0 {
			return spec.Anchor.Mul(powDecimal(spec.Step, idx))
		}
		return spec.Anchor.Div(powDecimal(spec.Step, -idx))
	}
	return spec.Anchor.Add(spec.Step.Mul(decimal.NewFromInt(int64(idx))))
}

// PriceAt returns the price of a level, or zero when the level is outside the grid.
func (g Grid) PriceAt(level int) decimal.Decimal {
	switch {
	case level == 0:
		return g.Anchor
	case level < 0 && -level <= len(g.below):
		return g.below[-level-1]
	case level > 0 && level <= len(g.above):
		return g.above[level-1]
	}
	return decimal.Zero
}

// MinLevel is the lowest populated level (<= 0).
func (g Grid) MinLevel() int { return -len(g.below) }

// MaxLevel is the highest populated level (>= 0).
func (g Grid) MaxLevel() int { return len(g.above) }

func powDecimal(base decimal.Decimal, exp int) decimal.Decimal {
	out := decimal.NewFromInt(1)
	for i := 0; i < exp; i++ {
		out = out.Mul(base)
	}
	return out
}
