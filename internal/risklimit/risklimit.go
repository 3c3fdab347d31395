// Package risklimit loads the cached maintenance-margin brackets used for
// liquidation and margin checks. The cache is YAML or JSON; both go through
// the YAML decoder.
package risklimit

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"grid-backtest/internal/backtest"
	"grid-backtest/internal/config"
)

type file struct {
	Symbols []symbolEntry `yaml:"symbols"`
}

type symbolEntry struct {
	Symbol string      `yaml:"symbol"`
	Tiers  []tierEntry `yaml:"tiers"`
}

// tierEntry mirrors an exchange leverage bracket. A tier without
// notional_cap is unbounded; the cap of the last tier is ignored because it
// only reflects the exchange position limit.
type tierEntry struct {
	NotionalCap      config.Decimal `yaml:"notional_cap"`
	MaintMarginRatio config.Decimal `yaml:"maint_margin_ratio"`
	Cum              config.Decimal `yaml:"cum"`
	InitialRate      config.Decimal `yaml:"initial_rate"`
	InitialLeverage  int64          `yaml:"initial_leverage"`
}

// Table maps symbol to its validated tiers.
type Table map[string]backtest.MMTiers

// Symbols returns the table's symbols in ascending order.
func (t Table) Symbols() []string {
	out := make([]string, 0, len(t))
	for s := range t {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Missing lists the requested symbols that have no tiers.
func (t Table) Missing(symbols []string) []string {
	var out []string
	for _, s := range symbols {
		if _, ok := t[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (Table, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode risk limits: %w", err)
	}
	if len(f.Symbols) == 0 {
		return nil, errors.New("risk limits contain no symbols")
	}
	table := make(Table, len(f.Symbols))
	for i, entry := range f.Symbols {
		symbol := strings.ToUpper(strings.TrimSpace(entry.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("symbols[%d].symbol is required", i)
		}
		if _, dup := table[symbol]; dup {
			return nil, fmt.Errorf("symbols[%d]: duplicate symbol %s", i, symbol)
		}
		tiers, err := buildTiers(entry.Tiers)
		if err != nil {
			return nil, fmt.Errorf("symbols[%d] %s: %w", i, symbol, err)
		}
		table[symbol] = tiers
	}
	return table, nil
}

func buildTiers(entries []tierEntry) (backtest.MMTiers, error) {
	tiers := make([]backtest.MMTier, 0, len(entries))
	for i, e := range entries {
		last := i == len(entries)-1
		rate, err := initialRate(e)
		if err != nil {
			return backtest.MMTiers{}, fmt.Errorf("tiers[%d]: %w", i, err)
		}
		tier := backtest.MMTier{
			MaintenanceRate: e.MaintMarginRatio.Decimal,
			Deduction:       e.Cum.Decimal,
			InitialRate:     rate,
		}
		if last || e.NotionalCap.Sign() <= 0 {
			tier.Unbounded = true
		} else {
			tier.Bound = e.NotionalCap.Decimal
		}
		tiers = append(tiers, tier)
	}
	return backtest.NewMMTiers(tiers)
}

func initialRate(e tierEntry) (decimal.Decimal, error) {
	if e.InitialRate.Sign() > 0 {
		if e.InitialLeverage > 0 {
			return decimal.Zero, errors.New("set initial_rate or initial_leverage, not both")
		}
		return e.InitialRate.Decimal, nil
	}
	if e.InitialLeverage < 0 {
		return decimal.Zero, errors.New("initial_leverage must be >= 1")
	}
	if e.InitialLeverage > 0 {
		return decimal.NewFromInt(1).Div(decimal.NewFromInt(e.InitialLeverage)), nil
	}
	return decimal.NewFromInt(1), nil
}
