package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"grid-backtest/internal/alert"
	"grid-backtest/internal/backtest"
	"grid-backtest/internal/config"
	"grid-backtest/internal/core"
	"grid-backtest/internal/engine"
	"grid-backtest/internal/logging"
	"grid-backtest/internal/observability"
	"grid-backtest/internal/report"
	"grid-backtest/internal/risklimit"
	"grid-backtest/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, configPath, os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("backtest canceled")
			return
		}
		fatal(err.Error())
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func run(ctx context.Context, configPath string, stdout io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Observability.Log.Level, cfg.Observability.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("config", configPath))

	lock, err := store.LockDir(cfg.Output.Dir)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			logger.Warn("release_run_lock_failed", zap.Error(relErr))
		}
	}()

	var tiers risklimit.Table
	if cfg.Data.RiskLimits != "" {
		tiers, err = risklimit.Load(cfg.Data.RiskLimits)
		if err != nil {
			return err
		}
		if missing := tiers.Missing(cfg.Symbols()); len(missing) > 0 {
			logger.Warn("risk_limits_incomplete", zap.Strings("symbols", missing))
		}
	}

	ticks, err := loadTicks(ctx, cfg, logger)
	if err != nil {
		return err
	}

	alerts, err := buildAlertManager(cfg, configPath, logger)
	if err != nil {
		return err
	}
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				logger.Warn("close_alert_manager_failed", zap.Error(err))
			}
		}()
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	if alerts != nil {
		opts = append(opts, engine.WithNotifier(alerts))
	}
	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetrics()
		opts = append(opts, engine.WithMetrics(metrics))
	}
	eng, err := engine.FromConfig(cfg, tiers, opts...)
	if err != nil {
		return err
	}
	res, err := eng.Run(ctx, ticks)
	if err != nil {
		return err
	}
	if err := persist(ctx, cfg, res, metrics, logger); err != nil {
		return err
	}
	for _, sr := range res.Strategies {
		fmt.Fprintln(stdout, report.SummaryLine(sr))
	}
	return nil
}

// loadTicks reads every configured stream and merges them into replay order.
func loadTicks(ctx context.Context, cfg config.Config, logger *zap.Logger) ([]core.Tick, error) {
	from, err := cfg.Data.FromTime()
	if err != nil {
		return nil, err
	}
	to, err := cfg.Data.ToTime()
	if err != nil {
		return nil, err
	}

	var feeds []backtest.Feed
	closeAll := func() {
		for _, f := range feeds {
			_ = f.Close()
		}
	}
	switch cfg.Data.Source {
	case config.SourceJSONL:
		for _, s := range cfg.Data.Streams {
			feed, err := backtest.NewJSONLFeed(s.Path, backtest.WithSymbol(s.Symbol), backtest.WithFeedLogger(logger))
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("open stream %s: %w", s.Path, err)
			}
			feeds = append(feeds, feed)
		}
	case config.SourceDuckDB:
		db, err := backtest.OpenDuckDB(cfg.Data.DuckDB.Path)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		for _, symbol := range cfg.Symbols() {
			feed, err := backtest.LoadDuckDBTicks(ctx, db, backtest.DuckDBQuery{
				Table:  cfg.Data.DuckDB.Table,
				Symbol: symbol,
				From:   from,
				To:     to,
			})
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", symbol, err)
			}
			feeds = append(feeds, feed)
		}
	default:
		return nil, fmt.Errorf("unknown data source %q", cfg.Data.Source)
	}

	ticks, stats, err := backtest.Merge(feeds, logger)
	if err != nil {
		return nil, err
	}
	ticks = window(ticks, from, to)
	if len(ticks) == 0 {
		return nil, errors.New("no ticks in the selected range")
	}
	logger.Info("ticks_loaded",
		zap.Int("ticks", len(ticks)),
		zap.Int("invalid", stats.Invalid),
		zap.Int("out_of_order", stats.OutOfOrder),
	)
	return ticks, nil
}

// window keeps ticks with from <= exchange time < to. Zero bounds are open.
func window(ticks []core.Tick, from, to time.Time) []core.Tick {
	if from.IsZero() && to.IsZero() {
		return ticks
	}
	out := ticks[:0:0]
	for _, t := range ticks {
		if !from.IsZero() && t.ExchangeTime.Before(from) {
			continue
		}
		if !to.IsZero() && !t.ExchangeTime.Before(to) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func persist(ctx context.Context, cfg config.Config, res engine.Result, metrics *observability.Metrics, logger *zap.Logger) error {
	st, err := store.New(cfg.Output.Dir, logger)
	if err != nil {
		return err
	}
	persisters := []store.Persister{st}
	if cfg.Output.SQLitePath != "" {
		db, err := store.NewSQLiteStore(cfg.Output.SQLitePath, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		persisters = append(persisters, db)
	}
	for _, p := range persisters {
		if err := p.SaveRun(ctx, res); err != nil {
			return err
		}
	}
	if cfg.Output.CSV {
		if err := report.WriteRun(cfg.Output.Dir, res); err != nil {
			return err
		}
	}
	f, err := os.Create(filepath.Join(cfg.Output.Dir, "summary.txt"))
	if err != nil {
		return err
	}
	if err := report.WriteSummary(f, res); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if metrics != nil {
		path := cfg.Observability.Metrics.Textfile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Output.Dir, path)
		}
		if err := metrics.WriteTextfile(path); err != nil {
			return err
		}
	}
	logger.Info("results_written", zap.String("dir", cfg.Output.Dir), zap.Bool("sqlite", cfg.Output.SQLitePath != ""))
	return nil
}

func buildAlertManager(cfg config.Config, source string, logger *zap.Logger) (*alert.Manager, error) {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil, nil
	}
	sender, err := alert.NewTelegramSender(tg)
	if err != nil {
		return nil, err
	}
	return alert.NewManager(sender, alert.ManagerOptions{
		Source:   filepath.Base(source),
		Throttle: time.Duration(tg.ThrottleSec) * time.Second,
		Logger:   logger,
	}), nil
}
