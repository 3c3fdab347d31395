package backtest

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidTiers = errors.New("invalid margin tiers")

// MMTier is one notional bracket. Bound is the exclusive upper notional of
// the bracket; the last tier is Unbounded.
type MMTier struct {
	Bound           decimal.Decimal
	Unbounded       bool
	MaintenanceRate decimal.Decimal
	Deduction       decimal.Decimal
	InitialRate     decimal.Decimal
}

// MMTiers is a validated tier table. The zero value has no tiers.
type MMTiers struct {
	tiers []MMTier
}

func NewMMTiers(tiers []MMTier) (MMTiers, error) {
	if len(tiers) == 0 {
		return MMTiers{}, fmt.Errorf("%w: empty table", ErrInvalidTiers)
	}
	prev := decimal.Zero
	for i, t := range tiers {
		last := i == len(tiers)-1
		if t.Unbounded != last {
			return MMTiers{}, fmt.Errorf("%w: only the last tier may be unbounded (tier %d)", ErrInvalidTiers, i)
		}
		if !t.Unbounded {
			if t.Bound.Cmp(prev) <= 0 {
				return MMTiers{}, fmt.Errorf("%w: bounds must be strictly increasing (tier %d)", ErrInvalidTiers, i)
			}
			prev = t.Bound
		}
		if t.MaintenanceRate.Sign() < 0 || t.MaintenanceRate.Cmp(decimal.NewFromInt(1)) >= 0 {
			return MMTiers{}, fmt.Errorf("%w: maintenance rate must be in [0,1) (tier %d)", ErrInvalidTiers, i)
		}
		if t.InitialRate.Sign() < 0 || t.InitialRate.Cmp(decimal.NewFromInt(1)) > 0 {
			return MMTiers{}, fmt.Errorf("%w: initial rate must be in [0,1] (tier %d)", ErrInvalidTiers, i)
		}
		if t.Deduction.Sign() < 0 {
			return MMTiers{}, fmt.Errorf("%w: deduction must be >= 0 (tier %d)", ErrInvalidTiers, i)
		}
	}
	out := make([]MMTier, len(tiers))
	copy(out, tiers)
	return MMTiers{tiers: out}, nil
}

func (m MMTiers) Empty() bool { return len(m.tiers) == 0 }

func (m MMTiers) Tiers() []MMTier {
	out := make([]MMTier, len(m.tiers))
	copy(out, m.tiers)
	return out
}

// Select returns the first tier whose bound exceeds notional, so a notional
// sitting exactly on a boundary belongs to the higher tier.
func (m MMTiers) Select(notional decimal.Decimal) (MMTier, bool) {
	for _, t := range m.tiers {
		if t.Unbounded || t.Bound.Cmp(notional) > 0 {
			return t, true
		}
	}
	return MMTier{}, false
}
