package backtest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-backtest/internal/core"
)

// Feed yields ticks of one stream in stream order and io.EOF at the end.
type Feed interface {
	Next() (core.Tick, error)
	Close() error
}

type FeedOption func(*feedOptions)

type feedOptions struct {
	symbol string
	logger *zap.Logger
}

// WithSymbol fills in the symbol of records that do not carry one.
func WithSymbol(symbol string) FeedOption {
	return func(o *feedOptions) { o.symbol = symbol }
}

func WithFeedLogger(logger *zap.Logger) FeedOption {
	return func(o *feedOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// JSONLFeed reads recorder output: one JSON object per line, from a file or
// from every *.jsonl file of a directory in name order.
type JSONLFeed struct {
	opts    feedOptions
	paths   []string
	index   int
	line    int
	skipped int
	file    *os.File
	scanner *bufio.Scanner
}

func NewJSONLFeed(path string, opts ...FeedOption) (*JSONLFeed, error) {
	o := feedOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	feed := &JSONLFeed{opts: o, paths: paths}
	if err := feed.openCurrent(); err != nil {
		return nil, err
	}
	return feed, nil
}

func (f *JSONLFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

// Skipped counts lines that could not be decoded into a tick.
func (f *JSONLFeed) Skipped() int { return f.skipped }

func (f *JSONLFeed) Next() (core.Tick, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return core.Tick{}, err
			}
		}
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return core.Tick{}, err
			}
			_ = f.Close()
			f.index++
			if f.index >= len(f.paths) {
				return core.Tick{}, io.EOF
			}
			continue
		}
		f.line++
		line := strings.TrimSpace(f.scanner.Text())
		if line == "" {
			continue
		}
		tick, err := f.decode(line)
		if err != nil {
			f.skipped++
			f.opts.logger.Warn("tick_line_skipped",
				zap.String("file", f.paths[f.index]),
				zap.Int("line", f.line),
				zap.Error(err),
			)
			continue
		}
		return tick, nil
	}
}

func (f *JSONLFeed) decode(line string) (core.Tick, error) {
	var raw map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return core.Tick{}, err
	}

	tick := core.Tick{Symbol: f.opts.symbol}
	if v, ok := first(raw, "symbol", "s"); ok {
		if s, isString := v.(string); isString && s != "" {
			tick.Symbol = strings.ToUpper(s)
		}
	}
	v, ok := first(raw, "exchange_ts", "ts", "time", "timestamp", "t")
	if !ok {
		return core.Tick{}, errors.New("missing exchange time")
	}
	if tick.ExchangeTime, ok = parseTimeValue(v); !ok {
		return core.Tick{}, fmt.Errorf("bad exchange time %v", v)
	}
	tick.LocalTime = tick.ExchangeTime
	if v, found := first(raw, "local_ts", "local_time"); found {
		if lt, ok := parseTimeValue(v); ok {
			tick.LocalTime = lt
		}
	}
	v, ok = first(raw, "price", "last", "close", "p")
	if !ok {
		return core.Tick{}, errors.New("missing price")
	}
	if tick.Price, ok = parseDecimalValue(v); !ok {
		return core.Tick{}, fmt.Errorf("bad price %v", v)
	}
	tick.MarkPrice = optionalDecimal(raw, "mark_price", "mark")
	tick.Bid = optionalDecimal(raw, "bid", "best_bid")
	tick.Ask = optionalDecimal(raw, "ask", "best_ask")
	if v, found := first(raw, "funding_rate", "r"); found {
		tick.FundingRate, tick.HasFundingRate = parseDecimalValue(v)
	}
	return tick, nil
}

func (f *JSONLFeed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	f.file = file
	f.scanner = scanner
	f.line = 0
	return nil
}

// SliceFeed replays ticks held in memory.
type SliceFeed struct {
	ticks []core.Tick
	pos   int
}

func NewSliceFeed(ticks []core.Tick) *SliceFeed {
	return &SliceFeed{ticks: ticks}
}

func (f *SliceFeed) Next() (core.Tick, error) {
	if f.pos >= len(f.ticks) {
		return core.Tick{}, io.EOF
	}
	t := f.ticks[f.pos]
	f.pos++
	return t, nil
}

func (f *SliceFeed) Close() error { return nil }

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, name))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no jsonl files found in %s", path)
	}
	return paths, nil
}

func first(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func optionalDecimal(m map[string]interface{}, keys ...string) decimal.Decimal {
	v, ok := first(m, keys...)
	if !ok {
		return decimal.Zero
	}
	val, ok := parseDecimalValue(v)
	if !ok {
		return decimal.Zero
	}
	return val
}

func parseTimeValue(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		return parseTimeString(t)
	case json.Number:
		if iv, err := t.Int64(); err == nil {
			return parseTimeNumber(iv), true
		}
		if fv, err := t.Float64(); err == nil {
			return parseTimeNumber(int64(fv)), true
		}
	case float64:
		return parseTimeNumber(int64(t)), true
	case int64:
		return parseTimeNumber(t), true
	}
	return time.Time{}, false
}

func parseTimeString(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if allDigits(raw) {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return parseTimeNumber(v), true
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseTimeNumber accepts epoch seconds, milliseconds, microseconds or
// nanoseconds, picked by magnitude.
func parseTimeNumber(v int64) time.Time {
	switch {
	case v >= 1_000_000_000_000_000_000:
		return time.Unix(0, v).UTC()
	case v >= 1_000_000_000_000_000:
		return time.UnixMicro(v).UTC()
	case v >= 1_000_000_000_000:
		return time.UnixMilli(v).UTC()
	default:
		return time.Unix(v, 0).UTC()
	}
}

func parseDecimalValue(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		dec, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case string:
		if t == "" {
			return decimal.Zero, false
		}
		dec, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case float64:
		return decimal.NewFromFloat(t), true
	}
	return decimal.Zero, false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var (
	_ Feed = (*JSONLFeed)(nil)
	_ Feed = (*SliceFeed)(nil)
)
