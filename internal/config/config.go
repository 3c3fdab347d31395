package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type DataSource string

type ContractMode string

type GridMode string

type WindDown string

const (
	SourceJSONL  DataSource = "jsonl"
	SourceDuckDB DataSource = "duckdb"
)

const (
	ContractDual  ContractMode = "dual"
	ContractLong  ContractMode = "long"
	ContractShort ContractMode = "short"
)

const (
	GridArithmetic GridMode = "arithmetic"
	GridGeo        GridMode = "geometric"
)

const (
	WindDownForceClose WindDown = "force_close"
	WindDownMarkOnly   WindDown = "mark_only"
)

// Environment variables that override Telegram secrets. They are read from
// the process environment first, then from a .env file next to the config.
const (
	EnvTelegramBotToken = "GRIDBT_TELEGRAM_BOT_TOKEN"
	EnvTelegramChatID   = "GRIDBT_TELEGRAM_CHAT_ID"
)

type Config struct {
	Run           RunConfig           `yaml:"run"`
	Funding       FundingConfig       `yaml:"funding"`
	Data          DataConfig          `yaml:"data"`
	Strategies    []StrategyConfig    `yaml:"strategies"`
	Output        OutputConfig        `yaml:"output"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type RunConfig struct {
	InitialBalance      Decimal  `yaml:"initial_balance"`
	CommissionRate      Decimal  `yaml:"commission_rate"`
	OrderTTLSec         int64    `yaml:"order_ttl_sec"`
	SnapshotIntervalSec int64    `yaml:"snapshot_interval_sec"`
	WindDown            WindDown `yaml:"wind_down"`
	Parallel            bool     `yaml:"parallel"`
}

type FundingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	IntervalSec int64   `yaml:"interval_sec"`
	DefaultRate Decimal `yaml:"default_rate"`
}

type DataConfig struct {
	Source     DataSource     `yaml:"source"`
	Streams    []StreamConfig `yaml:"streams"`
	DuckDB     DuckDBConfig   `yaml:"duckdb"`
	From       string         `yaml:"from"`
	To         string         `yaml:"to"`
	RiskLimits string         `yaml:"risk_limits"`
}

// StreamConfig is one JSONL tick stream. Symbol fills in records that do not
// carry their own.
type StreamConfig struct {
	Path   string `yaml:"path"`
	Symbol string `yaml:"symbol"`
}

type DuckDBConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

type StrategyConfig struct {
	ID            string       `yaml:"id"`
	Symbol        string       `yaml:"symbol"`
	ContractMode  ContractMode `yaml:"contract_mode"`
	GridMode      GridMode     `yaml:"grid_mode"`
	Levels        int          `yaml:"levels"`
	Step          Decimal      `yaml:"step"`
	Qty           Decimal      `yaml:"qty"`
	LevelQtyScale Decimal      `yaml:"level_qty_scale"`
	StopPrice     Decimal      `yaml:"stop_price"`
	MaxMargin     Decimal      `yaml:"max_margin"`
	Rules         RulesConfig  `yaml:"rules"`
	TrendFilter   TrendConfig  `yaml:"trend_filter"`
}

// TrendConfig pauses new entries of the leg trading against a confirmed
// trend. Zero values fall back to the strategy defaults.
type TrendConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Window       int     `yaml:"window"`
	EnterScore   float64 `yaml:"enter_score"`
	ExitScore    float64 `yaml:"exit_score"`
	EnterConfirm int     `yaml:"enter_confirm"`
	ExitConfirm  int     `yaml:"exit_confirm"`
	MinDwellSec  int64   `yaml:"min_dwell_sec"`
}

type RulesConfig struct {
	MinQty      Decimal `yaml:"min_qty"`
	MinNotional Decimal `yaml:"min_notional"`
	PriceTick   Decimal `yaml:"price_tick"`
	QtyStep     Decimal `yaml:"qty_step"`
}

type OutputConfig struct {
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
	CSV        bool   `yaml:"csv"`
}

type ObservabilityConfig struct {
	Log      LogConfig      `yaml:"log"`
	Telegram TelegramConfig `yaml:"telegram"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelegramConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BotToken    string `yaml:"bot_token"`
	ChatID      string `yaml:"chat_id"`
	APIBaseURL  string `yaml:"api_base_url"`
	TimeoutSec  int64  `yaml:"timeout_sec"`
	ThrottleSec int64  `yaml:"throttle_sec"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Textfile string `yaml:"textfile"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	if err := cfg.applyEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays secrets. A missing .env file is not an error.
func (c *Config) applyEnv(envPath string) error {
	fileEnv, err := godotenv.Read(envPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", envPath, err)
		}
		fileEnv = map[string]string{}
	}
	lookup := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(fileEnv[key])
	}
	if v := lookup(EnvTelegramBotToken); v != "" {
		c.Observability.Telegram.BotToken = v
	}
	if v := lookup(EnvTelegramChatID); v != "" {
		c.Observability.Telegram.ChatID = v
	}
	return nil
}

func (c *Config) normalize() {
	c.Run.WindDown = WindDown(strings.ToLower(strings.TrimSpace(string(c.Run.WindDown))))
	c.Data.Source = DataSource(strings.ToLower(strings.TrimSpace(string(c.Data.Source))))
	c.Data.DuckDB.Path = strings.TrimSpace(c.Data.DuckDB.Path)
	c.Data.DuckDB.Table = strings.TrimSpace(c.Data.DuckDB.Table)
	c.Data.From = strings.TrimSpace(c.Data.From)
	c.Data.To = strings.TrimSpace(c.Data.To)
	c.Data.RiskLimits = strings.TrimSpace(c.Data.RiskLimits)
	for i := range c.Data.Streams {
		c.Data.Streams[i].Path = strings.TrimSpace(c.Data.Streams[i].Path)
		c.Data.Streams[i].Symbol = strings.ToUpper(strings.TrimSpace(c.Data.Streams[i].Symbol))
	}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		s.ID = strings.ToLower(strings.TrimSpace(s.ID))
		s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
		s.ContractMode = ContractMode(strings.ToLower(strings.TrimSpace(string(s.ContractMode))))
		s.GridMode = GridMode(strings.ToLower(strings.TrimSpace(string(s.GridMode))))
	}
	c.Output.Dir = strings.TrimSpace(c.Output.Dir)
	c.Output.SQLitePath = strings.TrimSpace(c.Output.SQLitePath)
	c.Observability.Log.Level = strings.ToLower(strings.TrimSpace(c.Observability.Log.Level))
	c.Observability.Log.Format = strings.ToLower(strings.TrimSpace(c.Observability.Log.Format))
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.Metrics.Textfile = strings.TrimSpace(c.Observability.Metrics.Textfile)
}

func (c *Config) applyDefaults() {
	if c.Run.WindDown == "" {
		c.Run.WindDown = WindDownForceClose
	}
	if c.Run.SnapshotIntervalSec == 0 {
		c.Run.SnapshotIntervalSec = 60
	}
	if c.Funding.IntervalSec == 0 {
		c.Funding.IntervalSec = 8 * 3600
	}
	if c.Data.Source == "" {
		c.Data.Source = SourceJSONL
	}
	if c.Data.DuckDB.Table == "" {
		c.Data.DuckDB.Table = "ticks"
	}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.ContractMode == "" {
			s.ContractMode = ContractDual
		}
		if s.GridMode == "" {
			s.GridMode = GridArithmetic
		}
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "results"
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = "info"
	}
	if c.Observability.Log.Format == "" {
		c.Observability.Log.Format = "json"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Telegram.ThrottleSec == 0 {
		c.Observability.Telegram.ThrottleSec = 60
	}
	if c.Observability.Metrics.Textfile == "" {
		c.Observability.Metrics.Textfile = "metrics.prom"
	}
}

func (c Config) Validate() error {
	if c.Run.InitialBalance.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("run.initial_balance must be > 0")
	}
	if c.Run.CommissionRate.Cmp(decimal.Zero) < 0 || c.Run.CommissionRate.Cmp(decimal.NewFromInt(1)) >= 0 {
		return fmt.Errorf("run.commission_rate must be between 0 and 1")
	}
	if c.Run.OrderTTLSec < 0 {
		return fmt.Errorf("run.order_ttl_sec must be >= 0")
	}
	if c.Run.SnapshotIntervalSec < 0 || c.Run.SnapshotIntervalSec > 86400 {
		return fmt.Errorf("run.snapshot_interval_sec must be between 0 and 86400")
	}
	if c.Run.WindDown != WindDownForceClose && c.Run.WindDown != WindDownMarkOnly {
		return fmt.Errorf("run.wind_down must be force_close or mark_only")
	}
	if c.Funding.Enabled {
		if c.Funding.IntervalSec < 60 || c.Funding.IntervalSec > 86400 {
			return fmt.Errorf("funding.interval_sec must be between 60 and 86400")
		}
		if c.Funding.DefaultRate.Abs().Cmp(decimal.NewFromInt(1)) >= 0 {
			return fmt.Errorf("funding.default_rate must be between -1 and 1")
		}
	}
	switch c.Data.Source {
	case SourceJSONL:
		if len(c.Data.Streams) == 0 {
			return fmt.Errorf("data.streams is required for jsonl source")
		}
		for i, s := range c.Data.Streams {
			if s.Path == "" {
				return fmt.Errorf("data.streams[%d].path is required", i)
			}
			if s.Symbol != "" && !isValidSymbol(s.Symbol) {
				return fmt.Errorf("data.streams[%d].symbol must match [A-Z0-9], length 6..20", i)
			}
		}
	case SourceDuckDB:
		if c.Data.DuckDB.Path == "" {
			return fmt.Errorf("data.duckdb.path is required for duckdb source")
		}
	default:
		return fmt.Errorf("data.source must be jsonl or duckdb")
	}
	from, err := c.Data.FromTime()
	if err != nil {
		return err
	}
	to, err := c.Data.ToTime()
	if err != nil {
		return err
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return fmt.Errorf("data.to must be after data.from")
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	seen := make(map[string]bool, len(c.Strategies))
	for i, s := range c.Strategies {
		if err := s.validate(); err != nil {
			return fmt.Errorf("strategies[%d]: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("strategies[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	switch c.Observability.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log.level must be debug, info, warn, or error")
	}
	if c.Observability.Log.Format != "json" && c.Observability.Log.Format != "console" {
		return fmt.Errorf("observability.log.format must be json or console")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if c.Observability.Telegram.ThrottleSec < 0 || c.Observability.Telegram.ThrottleSec > 86400 {
			return fmt.Errorf("observability.telegram.throttle_sec must be between 0 and 86400")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func (s StrategyConfig) validate() error {
	if !isValidStrategyID(s.ID) {
		return fmt.Errorf("id must match [a-z0-9_-], length 1..32")
	}
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(s.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 6..20")
	}
	switch s.ContractMode {
	case ContractDual, ContractLong, ContractShort:
	default:
		return fmt.Errorf("contract_mode must be dual, long, or short")
	}
	if s.GridMode != GridArithmetic && s.GridMode != GridGeo {
		return fmt.Errorf("grid_mode must be arithmetic or geometric")
	}
	if s.Levels < 1 || s.Levels > 500 {
		return fmt.Errorf("levels must be between 1 and 500")
	}
	if s.Step.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("step must be > 0")
	}
	if s.GridMode == GridGeo && s.Step.Cmp(decimal.NewFromInt(1)) <= 0 {
		return fmt.Errorf("step must be > 1 for geometric grid")
	}
	if s.Qty.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("qty must be > 0")
	}
	if s.LevelQtyScale.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("level_qty_scale must be >= 0")
	}
	if s.StopPrice.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("stop_price must be >= 0")
	}
	if s.MaxMargin.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("max_margin must be >= 0")
	}
	if s.Rules.MinQty.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("rules.min_qty must be >= 0")
	}
	if s.Rules.MinNotional.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("rules.min_notional must be >= 0")
	}
	if s.Rules.PriceTick.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("rules.price_tick must be >= 0")
	}
	if s.TrendFilter.Enabled {
		tf := s.TrendFilter
		if tf.Window != 0 && (tf.Window < 5 || tf.Window > 10000) {
			return fmt.Errorf("trend_filter.window must be between 5 and 10000")
		}
		if tf.EnterScore < 0 || tf.ExitScore < 0 {
			return fmt.Errorf("trend_filter scores must be >= 0")
		}
		if tf.EnterScore > 0 && tf.ExitScore > 0 && tf.EnterScore < tf.ExitScore {
			return fmt.Errorf("trend_filter.enter_score must be >= exit_score")
		}
		if tf.EnterConfirm < 0 || tf.ExitConfirm < 0 || tf.MinDwellSec < 0 {
			return fmt.Errorf("trend_filter confirmations and min_dwell_sec must be >= 0")
		}
	}
	if s.Rules.QtyStep.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("rules.qty_step must be >= 0")
	}
	return nil
}

// Symbols lists the distinct strategy symbols in configuration order.
func (c Config) Symbols() []string {
	seen := make(map[string]bool, len(c.Strategies))
	out := make([]string, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		if seen[s.Symbol] {
			continue
		}
		seen[s.Symbol] = true
		out = append(out, s.Symbol)
	}
	return out
}

func (r RunConfig) OrderTTL() time.Duration {
	return time.Duration(r.OrderTTLSec) * time.Second
}

func (r RunConfig) SnapshotInterval() time.Duration {
	return time.Duration(r.SnapshotIntervalSec) * time.Second
}

func (f FundingConfig) Interval() time.Duration {
	return time.Duration(f.IntervalSec) * time.Second
}

func (d DataConfig) FromTime() (time.Time, error) {
	return parseBound("data.from", d.From)
}

func (d DataConfig) ToTime() (time.Time, error) {
	return parseBound("data.to", d.To)
}

func parseBound(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%s must be RFC3339 or YYYY-MM-DD", field)
}

func isValidStrategyID(v string) bool {
	if len(v) < 1 || len(v) > 32 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
