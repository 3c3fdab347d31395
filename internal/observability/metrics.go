// Package observability exports run metrics in the Prometheus text format.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"grid-backtest/internal/engine"
)

const namespace = "gridbt"

// Metrics implements engine.Metrics on a private registry so a run can be
// dumped to a node_exporter textfile without touching the global one.
type Metrics struct {
	registry *prometheus.Registry

	StrategiesDisabled *prometheus.CounterVec
	FinalBalance       *prometheus.GaugeVec
	ReturnPct          *prometheus.GaugeVec
	MaxDrawdownPct     *prometheus.GaugeVec
	Trades             *prometheus.GaugeVec
	Liquidations       *prometheus.GaugeVec
	Fees               *prometheus.GaugeVec
	Funding            *prometheus.GaugeVec
	OrdersRejected     *prometheus.GaugeVec

	RunTicks    prometheus.Gauge
	RunDuration prometheus.Gauge
	RunsTotal   prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	strategyGauge := func(subsystem, name, help string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, []string{"strategy"})
		reg.MustRegister(g)
		return g
	}
	m := &Metrics{
		registry: reg,
		StrategiesDisabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "disabled_total",
			Help:      "Strategies disabled after an error or panic",
		}, []string{"strategy"}),
		FinalBalance:   strategyGauge("strategy", "final_balance", "Wallet balance at session close"),
		ReturnPct:      strategyGauge("strategy", "total_return_pct", "Equity return over the session in percent"),
		MaxDrawdownPct: strategyGauge("strategy", "max_drawdown_pct", "Largest peak to trough equity drop in percent"),
		Trades:         strategyGauge("strategy", "trades", "Trades recorded in the session"),
		Liquidations:   strategyGauge("strategy", "liquidations", "Legs force-closed by the liquidation check"),
		Fees:           strategyGauge("strategy", "fees", "Commission paid"),
		Funding:        strategyGauge("strategy", "funding", "Net funding received, negative when paid"),
		OrdersRejected: strategyGauge("executor", "orders_rejected", "Orders rejected by the executor"),
		RunTicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "ticks",
			Help:      "Ticks replayed by the last run",
		}),
		RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of the last run",
		}),
		RunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "completed_total",
			Help:      "Completed runs",
		}),
	}
	reg.MustRegister(m.StrategiesDisabled, m.RunTicks, m.RunDuration, m.RunsTotal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) StrategyDisabled(strategyID string) {
	m.StrategiesDisabled.WithLabelValues(strategyID).Inc()
}

func (m *Metrics) ObserveStrategy(res engine.StrategyResult) {
	id := res.StrategyID
	sum := res.Summary
	m.FinalBalance.WithLabelValues(id).Set(sum.FinalBalance.InexactFloat64())
	m.ReturnPct.WithLabelValues(id).Set(sum.TotalReturnPct.InexactFloat64())
	m.MaxDrawdownPct.WithLabelValues(id).Set(sum.MaxDrawdownPct.InexactFloat64())
	m.Trades.WithLabelValues(id).Set(float64(sum.Trades))
	m.Liquidations.WithLabelValues(id).Set(float64(res.Liquidations))
	m.Fees.WithLabelValues(id).Set(sum.Fees.InexactFloat64())
	m.Funding.WithLabelValues(id).Set(sum.Funding.InexactFloat64())
	m.OrdersRejected.WithLabelValues(id).Set(float64(res.Report.Rejected))
}

func (m *Metrics) ObserveRun(ticks int, elapsed time.Duration) {
	m.RunTicks.Set(float64(ticks))
	m.RunDuration.Set(elapsed.Seconds())
	m.RunsTotal.Inc()
}

// WriteTextfile atomically writes every metric to path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

var _ engine.Metrics = (*Metrics)(nil)
