package backtest

import (
	"sort"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

type legKey struct {
	symbol string
	dir    core.Direction
}

// Portfolio owns the position trackers of one strategy.
type Portfolio struct {
	legs map[legKey]*PositionTracker
}

func NewPortfolio() *Portfolio {
	return &Portfolio{legs: make(map[legKey]*PositionTracker)}
}

// Tracker returns the tracker for symbol/dir, creating a flat one on first use.
func (p *Portfolio) Tracker(symbol string, dir core.Direction) *PositionTracker {
	k := legKey{symbol: symbol, dir: dir}
	t, ok := p.legs[k]
	if !ok {
		t = NewPositionTracker(symbol, dir)
		p.legs[k] = t
	}
	return t
}

// Peek returns the tracker without creating it.
func (p *Portfolio) Peek(symbol string, dir core.Direction) (*PositionTracker, bool) {
	t, ok := p.legs[legKey{symbol: symbol, dir: dir}]
	return t, ok
}

// All lists trackers by symbol, LONG before SHORT.
func (p *Portfolio) All() []*PositionTracker {
	out := make([]*PositionTracker, 0, len(p.legs))
	for _, t := range p.legs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Direction == core.Long && out[j].Direction == core.Short
	})
	return out
}

func (p *Portfolio) Open() []*PositionTracker {
	all := p.All()
	out := all[:0]
	for _, t := range all {
		if !t.Flat() {
			out = append(out, t)
		}
	}
	return out
}

func (p *Portfolio) Unrealized(symbol string, mark decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, dir := range []core.Direction{core.Long, core.Short} {
		if t, ok := p.Peek(symbol, dir); ok {
			total = total.Add(t.UnrealizedPnL(mark))
		}
	}
	return total
}

// OpenNotional sums entry notional of every open leg on symbol.
func (p *Portfolio) OpenNotional(symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, dir := range []core.Direction{core.Long, core.Short} {
		if t, ok := p.Peek(symbol, dir); ok {
			total = total.Add(t.Notional())
		}
	}
	return total
}
