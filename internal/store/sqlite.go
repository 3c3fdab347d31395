package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-backtest/internal/core"
	"grid-backtest/internal/engine"
)

// SQLiteStore keeps every run in one database so sessions can be compared
// across runs. Decimals are stored as TEXT to stay exact.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// SessionRow is one stored strategy session.
type SessionRow struct {
	SessionID      string
	StrategyID     string
	StartTime      time.Time
	EndTime        time.Time
	Trades         int
	InitialBalance decimal.Decimal
	FinalBalance   decimal.Decimal
	MaxDrawdownPct decimal.Decimal
	Disabled       bool
}

func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("sqlite_store_opened", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			trades INTEGER NOT NULL,
			initial_balance TEXT NOT NULL,
			final_balance TEXT NOT NULL,
			total_return_pct TEXT NOT NULL,
			max_drawdown_pct TEXT NOT NULL,
			max_drawdown TEXT NOT NULL,
			fees TEXT NOT NULL,
			funding TEXT NOT NULL,
			liquidations INTEGER NOT NULL,
			disabled BOOLEAN NOT NULL DEFAULT 0,
			disable_reason TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_strategy ON sessions(strategy_id);`,
		`CREATE TABLE IF NOT EXISTS trades (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			trade_id TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			client_id TEXT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			direction TEXT NOT NULL,
			qty TEXT NOT NULL,
			price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			commission TEXT NOT NULL,
			reason TEXT NOT NULL,
			time DATETIME NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS funding (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			rate TEXT NOT NULL,
			mark_price TEXT NOT NULL,
			size TEXT NOT NULL,
			amount TEXT NOT NULL,
			time DATETIME NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS symbol_metrics (
			session_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			total_trades INTEGER NOT NULL,
			winning_trades INTEGER NOT NULL,
			losing_trades INTEGER NOT NULL,
			win_rate TEXT NOT NULL,
			total_pnl TEXT NOT NULL,
			commission TEXT NOT NULL,
			funding TEXT NOT NULL,
			PRIMARY KEY (session_id, symbol)
		);`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// SaveRun stores every strategy session of res in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, res engine.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, sr := range res.Strategies {
		sum := sr.Summary
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO sessions (session_id, strategy_id, start_time, end_time, trades,
			initial_balance, final_balance, total_return_pct, max_drawdown_pct, max_drawdown, fees, funding,
			liquidations, disabled, disable_reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sr.Session.ID, sr.StrategyID, sum.StartTime.UTC(), sum.EndTime.UTC(), sum.Trades,
			sum.InitialBalance.String(), sum.FinalBalance.String(), sum.TotalReturnPct.String(),
			sum.MaxDrawdownPct.String(), sum.MaxDrawdown.String(), sum.Fees.String(), sum.Funding.String(),
			sr.Liquidations, sr.Disabled, sr.DisableReason, now)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", sr.StrategyID, err)
		}
		for i, tr := range sr.Session.Trades() {
			_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO trades (session_id, seq, trade_id, strategy_id, order_id, client_id,
				symbol, side, direction, qty, price, realized_pnl, commission, reason, time)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sr.Session.ID, i, tr.ID, tr.StrategyID, tr.OrderID, tr.ClientID, tr.Symbol, string(tr.Side), string(tr.Direction),
				tr.Qty.String(), tr.Price.String(), tr.RealizedPnL.String(), tr.Commission.String(),
				string(tr.Reason), tr.Time.UTC())
			if err != nil {
				return fmt.Errorf("insert trade %s: %w", tr.ID, err)
			}
		}
		for i, f := range sr.Session.Funding() {
			_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO funding (session_id, seq, symbol, direction, rate,
				mark_price, size, amount, time) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sr.Session.ID, i, f.Symbol, string(f.Direction), f.Rate.String(), f.MarkPrice.String(),
				f.Size.String(), f.Amount.String(), f.Time.UTC())
			if err != nil {
				return fmt.Errorf("insert funding %s: %w", sr.StrategyID, err)
			}
		}
		for _, m := range sr.Metrics {
			_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO symbol_metrics (session_id, symbol, total_trades,
				winning_trades, losing_trades, win_rate, total_pnl, commission, funding)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sr.Session.ID, m.Symbol, m.TotalTrades, m.WinningTrades, m.LosingTrades,
				m.WinRate.String(), m.TotalPnL.String(), m.Commission.String(), m.Funding.String())
			if err != nil {
				return fmt.Errorf("insert metrics %s/%s: %w", sr.StrategyID, m.Symbol, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Info("sqlite_run_saved", zap.Int("sessions", len(res.Strategies)))
	return nil
}

// Sessions lists stored sessions of strategyID, oldest first. An empty
// strategyID lists all sessions.
func (s *SQLiteStore) Sessions(ctx context.Context, strategyID string) ([]SessionRow, error) {
	query := `SELECT session_id, strategy_id, start_time, end_time, trades, initial_balance, final_balance,
		max_drawdown_pct, disabled FROM sessions`
	var args []any
	if strategyID != "" {
		query += ` WHERE strategy_id = ?`
		args = append(args, strategyID)
	}
	query += ` ORDER BY created_at, session_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var (
			row                      SessionRow
			initial, final, drawdown string
		)
		if err := rows.Scan(&row.SessionID, &row.StrategyID, &row.StartTime, &row.EndTime, &row.Trades,
			&initial, &final, &drawdown, &row.Disabled); err != nil {
			return nil, err
		}
		if row.InitialBalance, err = decimal.NewFromString(initial); err != nil {
			return nil, err
		}
		if row.FinalBalance, err = decimal.NewFromString(final); err != nil {
			return nil, err
		}
		if row.MaxDrawdownPct, err = decimal.NewFromString(drawdown); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Trades returns the stored ledger of a session in recording order.
func (s *SQLiteStore) Trades(ctx context.Context, sessionID string) ([]core.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trade_id, strategy_id, order_id, client_id, symbol, side, direction, qty, price,
		realized_pnl, commission, reason, time FROM trades WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Trade
	for rows.Next() {
		var (
			tr                               core.Trade
			clientID                         sql.NullString
			side, dir, reason                string
			qty, price, realized, commission string
		)
		if err := rows.Scan(&tr.ID, &tr.StrategyID, &tr.OrderID, &clientID, &tr.Symbol, &side, &dir, &qty, &price,
			&realized, &commission, &reason, &tr.Time); err != nil {
			return nil, err
		}
		tr.ClientID = clientID.String
		tr.Side = core.Side(side)
		tr.Direction = core.Direction(dir)
		tr.Reason = core.TradeReason(reason)
		for _, f := range []struct {
			dst *decimal.Decimal
			raw string
		}{{&tr.Qty, qty}, {&tr.Price, price}, {&tr.RealizedPnL, realized}, {&tr.Commission, commission}} {
			v, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, err
			}
			*f.dst = v
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

var _ Persister = (*SQLiteStore)(nil)
var _ Persister = (*Store)(nil)
