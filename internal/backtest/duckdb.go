package backtest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/shopspring/decimal"

	"grid-backtest/internal/core"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DuckDBQuery selects one symbol's ticks from a table with columns
// symbol, exchange_ts, local_ts, price, mark_price, bid, ask, funding_rate.
type DuckDBQuery struct {
	Table  string
	Symbol string
	From   time.Time
	To     time.Time
}

func OpenDuckDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return db, nil
}

// LoadDuckDBTicks reads the whole selection up front and returns it as an
// in-memory feed, so no query runs during replay.
func LoadDuckDBTicks(ctx context.Context, db *sql.DB, q DuckDBQuery) (*SliceFeed, error) {
	if db == nil {
		return nil, errors.New("duckdb handle is nil")
	}
	table := q.Table
	if table == "" {
		table = "ticks"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if q.Symbol == "" {
		return nil, errors.New("symbol is required")
	}

	query := fmt.Sprintf(`SELECT exchange_ts, local_ts,
	CAST(price AS VARCHAR), CAST(mark_price AS VARCHAR), CAST(bid AS VARCHAR), CAST(ask AS VARCHAR), CAST(funding_rate AS VARCHAR)
FROM %s WHERE symbol = ?`, table)
	args := []interface{}{q.Symbol}
	if !q.From.IsZero() {
		query += " AND exchange_ts >= ?"
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		query += " AND exchange_ts < ?"
		args = append(args, q.To)
	}
	query += " ORDER BY exchange_ts, local_ts"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var ticks []core.Tick
	for rows.Next() {
		var (
			exchangeTS time.Time
			localTS    sql.NullTime
			price      sql.NullString
			mark       sql.NullString
			bid        sql.NullString
			ask        sql.NullString
			funding    sql.NullString
		)
		if err := rows.Scan(&exchangeTS, &localTS, &price, &mark, &bid, &ask, &funding); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		tick := core.Tick{
			Symbol:       q.Symbol,
			ExchangeTime: exchangeTS.UTC(),
			LocalTime:    exchangeTS.UTC(),
			Price:        nullDecimal(price),
			MarkPrice:    nullDecimal(mark),
			Bid:          nullDecimal(bid),
			Ask:          nullDecimal(ask),
		}
		tick.FundingRate, tick.HasFundingRate = parseNullDecimal(funding)
		if localTS.Valid {
			tick.LocalTime = localTS.Time.UTC()
		}
		ticks = append(ticks, tick)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read ticks: %w", err)
	}
	return NewSliceFeed(ticks), nil
}

// nullDecimal maps NULL and unparsable values to zero; the merge drops
// ticks whose price ends up non-positive.
func nullDecimal(s sql.NullString) decimal.Decimal {
	v, _ := parseNullDecimal(s)
	return v
}

func parseNullDecimal(s sql.NullString) (decimal.Decimal, bool) {
	if !s.Valid {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(strings.TrimSpace(s.String))
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}
