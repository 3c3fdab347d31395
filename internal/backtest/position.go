package backtest

import (
	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

// PositionTracker holds one leg of a hedge-mode position. Size never goes
// negative; flips need the paired direction's tracker.
type PositionTracker struct {
	Symbol      string
	Direction   core.Direction
	Size        decimal.Decimal
	EntryPrice  decimal.Decimal
	RealizedPnL decimal.Decimal
	Commission  decimal.Decimal
}

type FillResult struct {
	Qty         decimal.Decimal
	Excess      decimal.Decimal
	RealizedPnL decimal.Decimal
	Commission  decimal.Decimal
	Opened      bool
}

func NewPositionTracker(symbol string, dir core.Direction) *PositionTracker {
	return &PositionTracker{Symbol: symbol, Direction: dir}
}

// ApplyFill charges price*qty*rate commission and applies the fill.
func (p *PositionTracker) ApplyFill(side core.Side, price, qty, commissionRate decimal.Decimal) FillResult {
	commission := price.Mul(qty).Mul(commissionRate)
	return p.apply(side, price, qty, commission)
}

// ApplyTrade replays a ledger trade with its recorded commission.
func (p *PositionTracker) ApplyTrade(trade core.Trade) FillResult {
	return p.apply(trade.Side, trade.Price, trade.Qty, trade.Commission)
}

// Replay rebuilds a tracker from the trade ledger of one leg.
func Replay(symbol string, dir core.Direction, trades []core.Trade) *PositionTracker {
	p := NewPositionTracker(symbol, dir)
	for _, tr := range trades {
		if tr.Symbol != symbol || tr.Direction != dir {
			continue
		}
		p.ApplyTrade(tr)
	}
	return p
}

func (p *PositionTracker) apply(side core.Side, price, qty, commission decimal.Decimal) FillResult {
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return FillResult{}
	}
	if side == core.OpeningSide(p.Direction) {
		if p.Size.Sign() == 0 {
			p.EntryPrice = price
		} else {
			p.EntryPrice = weightedPrice(p.EntryPrice, p.Size, price, qty)
		}
		p.Size = p.Size.Add(qty)
		p.Commission = p.Commission.Add(commission)
		realized := commission.Neg()
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		return FillResult{Qty: qty, Excess: decimal.Zero, RealizedPnL: realized, Commission: commission, Opened: true}
	}

	closeQty := decimal.Min(qty, p.Size)
	excess := qty.Sub(closeQty)
	if closeQty.Sign() <= 0 {
		return FillResult{Excess: excess}
	}
	if excess.Sign() > 0 {
		// Commission is only charged on the executed part.
		commission = commission.Mul(closeQty).Div(qty)
	}
	realized := price.Sub(p.EntryPrice).Mul(closeQty).Mul(p.Direction.Sign()).Sub(commission)
	p.Size = p.Size.Sub(closeQty)
	if p.Size.Sign() == 0 {
		p.EntryPrice = decimal.Zero
	}
	p.Commission = p.Commission.Add(commission)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	return FillResult{Qty: closeQty, Excess: excess, RealizedPnL: realized, Commission: commission}
}

func (p *PositionTracker) Flat() bool { return p.Size.Sign() == 0 }

func (p *PositionTracker) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Size.Sign() == 0 || mark.Sign() <= 0 {
		return decimal.Zero
	}
	return mark.Sub(p.EntryPrice).Mul(p.Size).Mul(p.Direction.Sign())
}

// Notional is the position value at entry.
func (p *PositionTracker) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Size)
}

func (p *PositionTracker) InitialMargin(tiers MMTiers) decimal.Decimal {
	tier, ok := tiers.Select(p.Notional())
	if !ok {
		return decimal.Zero
	}
	return p.Notional().Mul(tier.InitialRate)
}

func (p *PositionTracker) MaintenanceMargin(tiers MMTiers, mark decimal.Decimal) decimal.Decimal {
	notional := mark.Mul(p.Size)
	tier, ok := tiers.Select(notional)
	if !ok {
		return decimal.Zero
	}
	mm := notional.Mul(tier.MaintenanceRate).Sub(tier.Deduction)
	if mm.Sign() < 0 {
		return decimal.Zero
	}
	return mm
}

// LiquidationPrice solves the one-way maintenance margin equation with the
// tier matching the entry notional:
//
//	long:  (entry*size - (wallet + deduction)) / (size * (1 - mmr))
//	short: (entry*size + (wallet + deduction)) / (size * (1 + mmr))
//
// A long result below zero means the leg cannot be liquidated and is
// reported as 0.
func (p *PositionTracker) LiquidationPrice(tiers MMTiers, wallet decimal.Decimal) (decimal.Decimal, bool) {
	if p.Size.Sign() == 0 {
		return decimal.Zero, false
	}
	tier, ok := tiers.Select(p.Notional())
	if !ok {
		return decimal.Zero, false
	}
	one := decimal.NewFromInt(1)
	cushion := wallet.Add(tier.Deduction)
	if p.Direction == core.Short {
		return p.Notional().Add(cushion).Div(p.Size.Mul(one.Add(tier.MaintenanceRate))), true
	}
	liq := p.Notional().Sub(cushion).Div(p.Size.Mul(one.Sub(tier.MaintenanceRate)))
	if liq.Sign() < 0 {
		return decimal.Zero, true
	}
	return liq, true
}

// Liquidated reports whether mark has crossed the liquidation price.
func (p *PositionTracker) Liquidated(tiers MMTiers, wallet, mark decimal.Decimal) bool {
	liq, ok := p.LiquidationPrice(tiers, wallet)
	if !ok || liq.Sign() <= 0 {
		return false
	}
	if p.Direction == core.Short {
		return mark.Cmp(liq) >= 0
	}
	return mark.Cmp(liq) <= 0
}

func weightedPrice(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.Sign() <= 0 {
		return decimal.Zero
	}
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}
