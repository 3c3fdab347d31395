// Package report renders finished runs as CSV files and plain-text summaries.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"grid-backtest/internal/backtest"
	"grid-backtest/internal/core"
	"grid-backtest/internal/engine"
)

var (
	tradeHeader   = []string{"time", "strategy", "trade_id", "order_id", "client_id", "symbol", "side", "direction", "qty", "price", "realized_pnl", "commission", "reason"}
	fundingHeader = []string{"time", "strategy", "symbol", "direction", "rate", "mark_price", "size", "amount"}
	metricsHeader = []string{"strategy", "symbol", "total_trades", "winning_trades", "losing_trades", "win_rate", "total_pnl", "commission", "funding"}
	equityHeader  = []string{"time", "balance", "unrealized", "equity", "exposure"}
)

func WriteTradesCSV(w io.Writer, trades []core.Trade) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHeader); err != nil {
		return err
	}
	for _, tr := range trades {
		if err := cw.Write([]string{
			tr.Time.UTC().Format(time.RFC3339Nano),
			tr.StrategyID,
			tr.ID,
			tr.OrderID,
			tr.ClientID,
			tr.Symbol,
			string(tr.Side),
			string(tr.Direction),
			tr.Qty.String(),
			tr.Price.String(),
			tr.RealizedPnL.String(),
			tr.Commission.String(),
			string(tr.Reason),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteFundingCSV(w io.Writer, payments []backtest.FundingPayment) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(fundingHeader); err != nil {
		return err
	}
	for _, p := range payments {
		if err := cw.Write([]string{
			p.Time.UTC().Format(time.RFC3339Nano),
			p.StrategyID,
			p.Symbol,
			string(p.Direction),
			p.Rate.String(),
			p.MarkPrice.String(),
			p.Size.String(),
			p.Amount.String(),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteEquityCSV(w io.Writer, snaps []backtest.Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(equityHeader); err != nil {
		return err
	}
	for _, s := range snaps {
		if err := cw.Write([]string{
			s.Time.UTC().Format(time.RFC3339Nano),
			s.Balance.String(),
			s.Unrealized.String(),
			s.Equity.String(),
			s.Exposure.String(),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteMetricsCSV writes one row per strategy and symbol.
func WriteMetricsCSV(w io.Writer, strategies []engine.StrategyResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(metricsHeader); err != nil {
		return err
	}
	for _, sr := range strategies {
		for _, m := range sr.Metrics {
			if err := cw.Write([]string{
				sr.StrategyID,
				m.Symbol,
				strconv.Itoa(m.TotalTrades),
				strconv.Itoa(m.WinningTrades),
				strconv.Itoa(m.LosingTrades),
				m.WinRate.StringFixed(2),
				m.TotalPnL.String(),
				m.Commission.String(),
				m.Funding.String(),
			}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteRun writes metrics.csv under dir and trades.csv, funding.csv and
// equity.csv under dir/<strategy>.
func WriteRun(dir string, res engine.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, "metrics.csv"), func(w io.Writer) error {
		return WriteMetricsCSV(w, res.Strategies)
	}); err != nil {
		return err
	}
	for _, sr := range res.Strategies {
		sdir := filepath.Join(dir, sr.StrategyID)
		if err := os.MkdirAll(sdir, 0o755); err != nil {
			return err
		}
		sess := sr.Session
		if err := writeFile(filepath.Join(sdir, "trades.csv"), func(w io.Writer) error {
			return WriteTradesCSV(w, sess.Trades())
		}); err != nil {
			return err
		}
		if err := writeFile(filepath.Join(sdir, "funding.csv"), func(w io.Writer) error {
			return WriteFundingCSV(w, sess.Funding())
		}); err != nil {
			return err
		}
		if err := writeFile(filepath.Join(sdir, "equity.csv"), func(w io.Writer) error {
			return WriteEquityCSV(w, sess.Snapshots())
		}); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, fill func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// SummaryLine renders one strategy as a single key=value line.
func SummaryLine(sr engine.StrategyResult) string {
	s := sr.Summary
	return fmt.Sprintf(
		"summary strategy=%s session=%s symbols=%s trades=%d total_return_pct=%s max_drawdown_pct=%s max_drawdown=%s max_capital_usage_pct=%s start_equity=%s end_equity=%s final_balance=%s fees=%s funding=%s liquidations=%d disabled=%t",
		sr.StrategyID,
		s.SessionID,
		strings.Join(sr.Symbols, ","),
		s.Trades,
		s.TotalReturnPct.StringFixed(4),
		s.MaxDrawdownPct.StringFixed(4),
		s.MaxDrawdown.String(),
		s.MaxCapitalUsagePct.StringFixed(4),
		s.StartEquity.String(),
		s.EndEquity.String(),
		s.FinalBalance.String(),
		s.Fees.String(),
		s.Funding.String(),
		sr.Liquidations,
		sr.Disabled,
	)
}

// WriteSummary prints a table of every strategy followed by its per-symbol
// metrics.
func WriteSummary(w io.Writer, res engine.Result) error {
	fmt.Fprintf(w, "ticks=%d start=%s end=%s skipped_ticks=%d\n\n", res.Ticks,
		res.StartTime.UTC().Format(time.RFC3339), res.EndTime.UTC().Format(time.RFC3339), res.SkippedTicks)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STRATEGY\tTRADES\tRETURN%\tMAX_DD%\tFINAL_BALANCE\tFEES\tFUNDING\tLIQ\tSTATUS")
	for _, sr := range res.Strategies {
		s := sr.Summary
		status := "ok"
		switch {
		case sr.Disabled:
			status = "disabled: " + sr.DisableReason
		case sr.Stopped:
			status = "stopped"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			sr.StrategyID, s.Trades, s.TotalReturnPct.StringFixed(2), s.MaxDrawdownPct.StringFixed(2),
			s.FinalBalance.StringFixed(4), s.Fees.StringFixed(4), s.Funding.StringFixed(4), sr.Liquidations, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, sr := range res.Strategies {
		for _, m := range sr.Metrics {
			if _, err := fmt.Fprintf(w, "%s %s\n", sr.StrategyID, m.String()); err != nil {
				return err
			}
		}
	}
	return nil
}
