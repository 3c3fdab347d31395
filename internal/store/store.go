package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-backtest/internal/backtest"
	"grid-backtest/internal/core"
	"grid-backtest/internal/engine"
)

// Result is the persisted outcome of one strategy run.
type Result struct {
	StrategyID    string                   `json:"strategy_id"`
	SessionID     string                   `json:"session_id"`
	Symbols       []string                 `json:"symbols"`
	Disabled      bool                     `json:"disabled"`
	DisableReason string                   `json:"disable_reason,omitempty"`
	Stopped       bool                     `json:"stopped"`
	Liquidations  int                      `json:"liquidations"`
	Ticks         int                      `json:"ticks"`
	Report        backtest.ExecutionReport `json:"report"`
	Summary       backtest.Summary         `json:"summary"`
	Metrics       []backtest.SymbolMetrics `json:"metrics"`
	SavedAt       time.Time                `json:"saved_at"`
}

type Manifest struct {
	Ticks        int       `json:"ticks"`
	SkippedTicks int       `json:"skipped_ticks"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Strategies   []string  `json:"strategies"`
	SavedAt      time.Time `json:"saved_at"`
}

// Persister stores a finished run.
type Persister interface {
	SaveRun(ctx context.Context, res engine.Result) error
}

// Store writes one directory per strategy under root: summary.json,
// trades/<date>.jsonl, funding.jsonl and equity.jsonl, plus run.json.
type Store struct {
	root   string
	logger *zap.Logger
	mu     sync.Mutex
}

func New(root string, logger *zap.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("output dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{root: root, logger: logger}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) SaveRun(ctx context.Context, res engine.Result) error {
	ids := make([]string, 0, len(res.Strategies))
	for _, sr := range res.Strategies {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.SaveResult(ResultFrom(sr)); err != nil {
			return err
		}
		if err := s.resetTrades(sr.StrategyID); err != nil {
			return err
		}
		if err := s.AppendTrades(sr.StrategyID, sr.Session.Trades()); err != nil {
			return err
		}
		if err := s.SaveFunding(sr.StrategyID, sr.Session.Funding()); err != nil {
			return err
		}
		if err := s.SaveEquity(sr.StrategyID, sr.Session.Snapshots()); err != nil {
			return err
		}
		ids = append(ids, sr.StrategyID)
	}
	return s.SaveManifest(Manifest{
		Ticks:        res.Ticks,
		SkippedTicks: res.SkippedTicks,
		StartTime:    res.StartTime,
		EndTime:      res.EndTime,
		Strategies:   ids,
	})
}

func ResultFrom(sr engine.StrategyResult) Result {
	return Result{
		StrategyID:    sr.StrategyID,
		SessionID:     sr.Session.ID,
		Symbols:       sr.Symbols,
		Disabled:      sr.Disabled,
		DisableReason: sr.DisableReason,
		Stopped:       sr.Stopped,
		Liquidations:  sr.Liquidations,
		Ticks:         sr.Ticks,
		Report:        sr.Report,
		Summary:       sr.Summary,
		Metrics:       sr.Metrics,
	}
}

func (s *Store) SaveManifest(m Manifest) error {
	if m.SavedAt.IsZero() {
		m.SavedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(filepath.Join(s.root, "run.json"), m)
}

func (s *Store) SaveResult(res Result) error {
	if res.StrategyID == "" {
		return errors.New("strategy id required")
	}
	if res.SavedAt.IsZero() {
		res.SavedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.strategyDir(res.StrategyID)
	if err != nil {
		return err
	}
	return s.writeJSONAtomic(filepath.Join(dir, "summary.json"), res)
}

func (s *Store) LoadResult(strategyID string) (Result, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.root, strategyID, "summary.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, false, err
	}
	return res, true, nil
}

// AppendTrades appends trades to one JSONL file per UTC day.
func (s *Store) AppendTrades(strategyID string, trades []core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.strategyDir(strategyID)
	if err != nil {
		return err
	}
	dir = filepath.Join(dir, "trades")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	byDay := make(map[string][]core.Trade)
	var days []string
	for _, tr := range trades {
		day := tr.Time.UTC().Format("2006-01-02")
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], tr)
	}
	for _, day := range days {
		if err := appendJSONLines(filepath.Join(dir, day+".jsonl"), byDay[day]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) resetTrades(strategyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.strategyDir(strategyID)
	if err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(dir, "trades"))
}

// LoadTrades reads every trade file of a strategy in day order.
func (s *Store) LoadTrades(strategyID string) ([]core.Trade, error) {
	dir := filepath.Join(s.root, strategyID, "trades")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var out []core.Trade
	for _, name := range names {
		trades, err := readJSONLines[core.Trade](filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, trades...)
	}
	return out, nil
}

func (s *Store) SaveFunding(strategyID string, payments []backtest.FundingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.strategyDir(strategyID)
	if err != nil {
		return err
	}
	return writeJSONLinesAtomic(s, filepath.Join(dir, "funding.jsonl"), payments)
}

func (s *Store) LoadFunding(strategyID string) ([]backtest.FundingPayment, error) {
	return readJSONLines[backtest.FundingPayment](filepath.Join(s.root, strategyID, "funding.jsonl"))
}

func (s *Store) SaveEquity(strategyID string, snaps []backtest.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, err := s.strategyDir(strategyID)
	if err != nil {
		return err
	}
	return writeJSONLinesAtomic(s, filepath.Join(dir, "equity.jsonl"), snaps)
}

func (s *Store) strategyDir(strategyID string) (string, error) {
	if strategyID == "" || strings.ContainsAny(strategyID, `/\`) || strategyID == "." || strategyID == ".." {
		return "", errors.New("invalid strategy id")
	}
	dir := filepath.Join(s.root, strategyID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	return s.commitTemp(tmp, path)
}

func writeJSONLinesAtomic[T any](s *Store, path string, entries []T) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	return s.commitTemp(tmp, path)
}

func (s *Store) commitTemp(tmp *os.File, path string) error {
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.fsyncDirBestEffort(filepath.Dir(path), path)
	return nil
}

func (s *Store) fsyncDirBestEffort(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		s.logger.Warn("store_dir_fsync_skipped", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.logger.Warn("store_dir_fsync_failed", zap.String("dir", dir), zap.String("target", path), zap.Error(err))
	}
}

func appendJSONLines[T any](path string, entries []T) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func readJSONLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	var out []T
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}
