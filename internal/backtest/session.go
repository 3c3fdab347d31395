package backtest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSessionOpen   = errors.New("session still open")
)

// Snapshot is a point-in-time equity record.
type Snapshot struct {
	Time       time.Time       `json:"time"`
	Balance    decimal.Decimal `json:"balance"`
	Unrealized decimal.Decimal `json:"unrealized"`
	Equity     decimal.Decimal `json:"equity"`
	// Exposure is the mark value of all open legs.
	Exposure decimal.Decimal `json:"exposure"`
}

type FundingPayment struct {
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Direction  core.Direction  `json:"direction"`
	Time       time.Time       `json:"time"`
	Rate       decimal.Decimal `json:"rate"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	Size       decimal.Decimal `json:"size"`
	Amount     decimal.Decimal `json:"amount"`
}

type SymbolMetrics struct {
	Symbol        string `json:"symbol"`
	TotalTrades   int    `json:"total_trades"`
	WinningTrades int    `json:"winning_trades"`
	LosingTrades  int    `json:"losing_trades"`
	// WinRate is a percentage.
	WinRate    decimal.Decimal `json:"win_rate"`
	TotalPnL   decimal.Decimal `json:"total_pnl"`
	Commission decimal.Decimal `json:"commission"`
	Funding    decimal.Decimal `json:"funding"`
}

type DailyPnL struct {
	Date string          `json:"date"`
	PnL  decimal.Decimal `json:"pnl"`
}

type Summary struct {
	SessionID          string          `json:"session_id"`
	StrategyID         string          `json:"strategy_id"`
	StartTime          time.Time       `json:"start_time"`
	EndTime            time.Time       `json:"end_time"`
	Trades             int             `json:"trades"`
	InitialBalance     decimal.Decimal `json:"initial_balance"`
	FinalBalance       decimal.Decimal `json:"final_balance"`
	StartEquity        decimal.Decimal `json:"start_equity"`
	EndEquity          decimal.Decimal `json:"end_equity"`
	TotalReturnPct     decimal.Decimal `json:"total_return_pct"`
	MaxDrawdownPct     decimal.Decimal `json:"max_drawdown_pct"`
	MaxDrawdown        decimal.Decimal `json:"max_drawdown"`
	MaxCapitalUsagePct decimal.Decimal `json:"max_capital_usage_pct"`
	Fees               decimal.Decimal `json:"fees"`
	Funding            decimal.Decimal `json:"funding"`
	DailyPnL           []DailyPnL      `json:"daily_pnl"`
}

// Session is the append-only ledger of one strategy run. Metrics are
// computed once, when the session is closed.
type Session struct {
	ID             string
	StrategyID     string
	InitialBalance decimal.Decimal

	balance  decimal.Decimal
	trades   []core.Trade
	funding  []FundingPayment
	snaps    []Snapshot
	closed   bool
	closedAt time.Time
	metrics  []SymbolMetrics
	summary  Summary
}

func NewSession(strategyID string, initialBalance decimal.Decimal) *Session {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Session{
		ID:             id.String(),
		StrategyID:     strategyID,
		InitialBalance: initialBalance,
		balance:        initialBalance,
	}
}

// RecordTrade appends a trade and books its realized PnL, which is already
// net of commission.
func (s *Session) RecordTrade(trade core.Trade) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.trades = append(s.trades, trade)
	s.balance = s.balance.Add(trade.RealizedPnL)
	return nil
}

func (s *Session) RecordFunding(p FundingPayment) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.funding = append(s.funding, p)
	s.balance = s.balance.Add(p.Amount)
	return nil
}

func (s *Session) RecordSnapshot(snap Snapshot) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.snaps = append(s.snaps, snap)
	return nil
}

func (s *Session) Balance() decimal.Decimal { return s.balance }

func (s *Session) Closed() bool { return s.closed }

func (s *Session) Trades() []core.Trade {
	out := make([]core.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

func (s *Session) Funding() []FundingPayment {
	out := make([]FundingPayment, len(s.funding))
	copy(out, s.funding)
	return out
}

func (s *Session) Snapshots() []Snapshot {
	out := make([]Snapshot, len(s.snaps))
	copy(out, s.snaps)
	return out
}

// Close freezes the ledger and computes the final metrics.
func (s *Session) Close(at time.Time) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	s.closedAt = at
	s.metrics = computeMetrics(s.trades, s.funding)
	s.summary = s.computeSummary()
	return nil
}

// FinalMetrics returns per-symbol metrics ordered by symbol.
func (s *Session) FinalMetrics() ([]SymbolMetrics, error) {
	if !s.closed {
		return nil, ErrSessionOpen
	}
	out := make([]SymbolMetrics, len(s.metrics))
	copy(out, s.metrics)
	return out, nil
}

func (s *Session) Summary() (Summary, error) {
	if !s.closed {
		return Summary{}, ErrSessionOpen
	}
	sum := s.summary
	sum.DailyPnL = append([]DailyPnL(nil), s.summary.DailyPnL...)
	return sum, nil
}

func computeMetrics(trades []core.Trade, funding []FundingPayment) []SymbolMetrics {
	bySymbol := make(map[string]*SymbolMetrics)
	get := func(symbol string) *SymbolMetrics {
		m, ok := bySymbol[symbol]
		if !ok {
			m = &SymbolMetrics{Symbol: symbol}
			bySymbol[symbol] = m
		}
		return m
	}
	for _, tr := range trades {
		m := get(tr.Symbol)
		m.TotalTrades++
		switch tr.RealizedPnL.Sign() {
		case 1:
			m.WinningTrades++
		case -1:
			m.LosingTrades++
		}
		m.TotalPnL = m.TotalPnL.Add(tr.RealizedPnL)
		m.Commission = m.Commission.Add(tr.Commission)
	}
	for _, p := range funding {
		m := get(p.Symbol)
		m.Funding = m.Funding.Add(p.Amount)
	}
	out := make([]SymbolMetrics, 0, len(bySymbol))
	for _, m := range bySymbol {
		if m.TotalTrades > 0 {
			m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).
				Div(decimal.NewFromInt(int64(m.TotalTrades))).
				Mul(decimal.NewFromInt(100))
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *Session) computeSummary() Summary {
	sum := Summary{
		SessionID:      s.ID,
		StrategyID:     s.StrategyID,
		Trades:         len(s.trades),
		InitialBalance: s.InitialBalance,
		FinalBalance:   s.balance,
		StartEquity:    s.InitialBalance,
		EndEquity:      s.balance,
		EndTime:        s.closedAt,
	}
	for _, tr := range s.trades {
		sum.Fees = sum.Fees.Add(tr.Commission)
	}
	for _, p := range s.funding {
		sum.Funding = sum.Funding.Add(p.Amount)
	}

	highWatermark := s.InitialBalance
	maxDrawdown := decimal.Zero
	maxUsage := decimal.Zero
	dailyClose := make(map[string]decimal.Decimal)
	dayOrder := make([]string, 0)
	for i, snap := range s.snaps {
		if i == 0 {
			sum.StartTime = snap.Time
		}
		sum.EndEquity = snap.Equity
		if snap.Equity.Cmp(highWatermark) > 0 {
			highWatermark = snap.Equity
		}
		if highWatermark.Sign() > 0 {
			drawdown := highWatermark.Sub(snap.Equity)
			if drawdown.Cmp(sum.MaxDrawdown) > 0 {
				sum.MaxDrawdown = drawdown
			}
			dd := drawdown.Div(highWatermark)
			if dd.Cmp(maxDrawdown) > 0 {
				maxDrawdown = dd
			}
		}
		if snap.Equity.Sign() > 0 {
			usage := snap.Exposure.Div(snap.Equity)
			if usage.Cmp(maxUsage) > 0 {
				maxUsage = usage
			}
		}
		day := snap.Time.UTC().Format("2006-01-02")
		if _, ok := dailyClose[day]; !ok {
			dayOrder = append(dayOrder, day)
		}
		dailyClose[day] = snap.Equity
	}
	hundred := decimal.NewFromInt(100)
	sum.MaxDrawdownPct = maxDrawdown.Mul(hundred)
	sum.MaxCapitalUsagePct = maxUsage.Mul(hundred)
	if sum.StartEquity.Sign() > 0 {
		sum.TotalReturnPct = sum.EndEquity.Sub(sum.StartEquity).Div(sum.StartEquity).Mul(hundred)
	}
	prevClose := sum.StartEquity
	for _, day := range dayOrder {
		closeEquity := dailyClose[day]
		sum.DailyPnL = append(sum.DailyPnL, DailyPnL{Date: day, PnL: closeEquity.Sub(prevClose)})
		prevClose = closeEquity
	}
	return sum
}

func (m SymbolMetrics) String() string {
	return fmt.Sprintf("symbol=%s trades=%d wins=%d losses=%d win_rate=%s pnl=%s commission=%s funding=%s",
		m.Symbol, m.TotalTrades, m.WinningTrades, m.LosingTrades,
		m.WinRate.StringFixed(2), m.TotalPnL.String(), m.Commission.String(), m.Funding.String())
}
