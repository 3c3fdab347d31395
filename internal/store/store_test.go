package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-backtest/internal/backtest"
	"grid-backtest/internal/core"
	"grid-backtest/internal/engine"
)

var t0 = time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)

func sampleRun(t *testing.T) engine.Result {
	t.Helper()
	sess := backtest.NewSession("grid1", decimal.NewFromInt(1000))
	trades := []core.Trade{
		{ID: "grid1-1-fill", Symbol: "BTCUSDT", Side: core.Buy, Direction: core.Long, Qty: decimal.RequireFromString("0.01"),
			Price: decimal.NewFromInt(100), Time: t0, OrderID: "grid1-1", ClientID: "c1", StrategyID: "grid1",
			RealizedPnL: decimal.RequireFromString("-0.0004"), Commission: decimal.RequireFromString("0.0004"), Reason: core.ReasonFill},
		{ID: "grid1-2-fill", Symbol: "BTCUSDT", Side: core.Sell, Direction: core.Long, Qty: decimal.RequireFromString("0.01"),
			Price: decimal.NewFromInt(110), Time: t0.Add(2 * time.Minute), OrderID: "grid1-2", StrategyID: "grid1",
			RealizedPnL: decimal.RequireFromString("0.0996"), Commission: decimal.RequireFromString("0.0004"), Reason: core.ReasonFill},
	}
	for _, tr := range trades {
		if err := sess.RecordTrade(tr); err != nil {
			t.Fatalf("RecordTrade() error = %v", err)
		}
	}
	if err := sess.RecordFunding(backtest.FundingPayment{StrategyID: "grid1", Symbol: "BTCUSDT", Direction: core.Long,
		Time: t0.Add(time.Minute), Rate: decimal.RequireFromString("0.0001"), MarkPrice: decimal.NewFromInt(105),
		Size: decimal.RequireFromString("0.01"), Amount: decimal.RequireFromString("-0.000105")}); err != nil {
		t.Fatalf("RecordFunding() error = %v", err)
	}
	if err := sess.RecordSnapshot(backtest.Snapshot{Time: t0, Balance: decimal.NewFromInt(1000), Equity: decimal.NewFromInt(1000)}); err != nil {
		t.Fatalf("RecordSnapshot() error = %v", err)
	}
	end := t0.Add(2 * time.Minute)
	if err := sess.Close(end); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	sum, _ := sess.Summary()
	metrics, _ := sess.FinalMetrics()
	return engine.Result{
		Ticks:     3,
		StartTime: t0,
		EndTime:   end,
		Strategies: []engine.StrategyResult{{
			StrategyID: "grid1",
			Symbols:    []string{"BTCUSDT"},
			Session:    sess,
			Summary:    sum,
			Metrics:    metrics,
			Ticks:      3,
		}},
	}
}

func TestStoreSaveRunLayout(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res := sampleRun(t)
	if err := s.SaveRun(context.Background(), res); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	for _, rel := range []string{
		"run.json",
		"grid1/summary.json",
		"grid1/funding.jsonl",
		"grid1/equity.jsonl",
		"grid1/trades/2024-03-01.jsonl",
		"grid1/trades/2024-03-02.jsonl",
	} {
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			t.Fatalf("missing %s: %v", rel, err)
		}
	}

	got, ok, err := s.LoadResult("grid1")
	if err != nil || !ok {
		t.Fatalf("LoadResult() = ok %v err %v", ok, err)
	}
	if got.SessionID != res.Strategies[0].Session.ID {
		t.Fatalf("session id = %s, want %s", got.SessionID, res.Strategies[0].Session.ID)
	}
	if !got.Summary.FinalBalance.Equal(res.Strategies[0].Summary.FinalBalance) {
		t.Fatalf("final balance = %s, want %s", got.Summary.FinalBalance, res.Strategies[0].Summary.FinalBalance)
	}
	if got.SavedAt.IsZero() {
		t.Fatalf("saved_at should be set")
	}

	funding, err := s.LoadFunding("grid1")
	if err != nil {
		t.Fatalf("LoadFunding() error = %v", err)
	}
	if len(funding) != 1 || !funding[0].Amount.Equal(decimal.RequireFromString("-0.000105")) {
		t.Fatalf("funding = %+v", funding)
	}
}

func TestStoreSaveRunTwiceDoesNotDuplicateTrades(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res := sampleRun(t)
	for i := 0; i < 2; i++ {
		if err := s.SaveRun(context.Background(), res); err != nil {
			t.Fatalf("SaveRun() #%d error = %v", i, err)
		}
	}
	trades, err := s.LoadTrades("grid1")
	if err != nil {
		t.Fatalf("LoadTrades() error = %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	if trades[0].ID != "grid1-1-fill" || trades[1].ID != "grid1-2-fill" {
		t.Fatalf("trade order = %s, %s", trades[0].ID, trades[1].ID)
	}
	if !trades[1].RealizedPnL.Equal(decimal.RequireFromString("0.0996")) {
		t.Fatalf("realized pnl = %s", trades[1].RealizedPnL)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok, err := s.LoadResult("nope"); ok || err != nil {
		t.Fatalf("LoadResult() = ok %v err %v, want false nil", ok, err)
	}
	trades, err := s.LoadTrades("nope")
	if err != nil || trades != nil {
		t.Fatalf("LoadTrades() = %v, %v", trades, err)
	}
}

func TestStoreRejectsInvalidStrategyID(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if err := s.SaveResult(Result{StrategyID: id}); err == nil {
			t.Fatalf("SaveResult(%q) error = nil, want error", id)
		}
	}
}

func TestStoreSaveRunCanceled(t *testing.T) {
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SaveRun(ctx, sampleRun(t)); err == nil {
		t.Fatalf("SaveRun() error = nil, want context error")
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New("", nil); err == nil {
		t.Fatalf("New(\"\") error = nil, want error")
	}
}
