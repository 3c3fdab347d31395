package backtest

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestJSONLFeedParsesRecorderLines(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.jsonl"), `{"ts":1700000001000,"price":"101.5","mark_price":"101.4","funding_rate":"0.0001"}
`)
	writeFile(t, filepath.Join(dir, "a.jsonl"), `{"symbol":"ethusdt","exchange_ts":"2023-11-14T22:13:20Z","local_ts":1700000000500,"last":2000,"bid":"1999.9","ask":"2000.1"}
not json
{"ts":1700000000900}

`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	feed, err := NewJSONLFeed(dir, WithSymbol("BTCUSDT"))
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer feed.Close()

	first, err := feed.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if first.Symbol != "ETHUSDT" || !first.Price.Equal(d("2000")) || !first.Bid.Equal(d("1999.9")) {
		t.Fatalf("first tick = %+v", first)
	}
	if !first.ExchangeTime.Equal(time.Unix(1_700_000_000, 0)) || !first.LocalTime.Equal(time.UnixMilli(1_700_000_000_500)) {
		t.Fatalf("first tick times = %s / %s", first.ExchangeTime, first.LocalTime)
	}

	second, err := feed.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if second.Symbol != "BTCUSDT" || !second.Mark().Equal(d("101.4")) || !second.FundingRate.Equal(d("0.0001")) {
		t.Fatalf("second tick = %+v", second)
	}
	if !second.LocalTime.Equal(second.ExchangeTime) {
		t.Fatalf("local time should default to exchange time")
	}
	if _, err := feed.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next() error = %v, want EOF", err)
	}
	if feed.Skipped() != 2 {
		t.Fatalf("Skipped() = %d, want 2", feed.Skipped())
	}
}

func TestJSONLFeedKeepsExplicitZeroFundingRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	writeFile(t, path, `{"ts":1700000000000,"price":"100","funding_rate":"0"}
{"ts":1700000001000,"price":"100"}
`)
	feed, err := NewJSONLFeed(path, WithSymbol("BTCUSDT"))
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer feed.Close()

	zero, err := feed.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !zero.HasFundingRate || !zero.FundingRate.IsZero() {
		t.Fatalf("explicit zero rate = %s has=%v", zero.FundingRate, zero.HasFundingRate)
	}
	missing, err := feed.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if missing.HasFundingRate {
		t.Fatalf("missing rate reported as present")
	}
}

func TestJSONLFeedEmptyDirectory(t *testing.T) {
	if _, err := NewJSONLFeed(t.TempDir()); err == nil {
		t.Fatalf("NewJSONLFeed() error = nil, want error")
	}
}

func TestParseTimeNumberMagnitudes(t *testing.T) {
	want := time.Unix(1_700_000_000, 0)
	for _, v := range []int64{1_700_000_000, 1_700_000_000_000, 1_700_000_000_000_000, 1_700_000_000_000_000_000} {
		if got := parseTimeNumber(v); !got.Equal(want) {
			t.Fatalf("parseTimeNumber(%d) = %s, want %s", v, got, want)
		}
	}
}
