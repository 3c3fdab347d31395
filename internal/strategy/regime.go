package strategy

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

type Regime string

const (
	RegimeRange     Regime = "range"
	RegimeTrendUp   Regime = "trend_up"
	RegimeTrendDown Regime = "trend_down"
)

// TrendFilterConfig pauses the leg that trades against a confirmed trend:
// no new long entries in a downtrend, no new short entries in an uptrend.
type TrendFilterConfig struct {
	Enabled bool
	// Window is the number of ticks the trend score is computed over.
	Window       int
	EnterScore   float64
	ExitScore    float64
	EnterConfirm int
	ExitConfirm  int
	// MinDwell is the minimum time between two regime switches.
	MinDwell time.Duration
}

func normalizeTrendConfig(cfg TrendFilterConfig) TrendFilterConfig {
	if cfg.Window < 5 {
		cfg.Window = 30
	}
	if cfg.EnterScore <= 0 {
		cfg.EnterScore = 1.8
	}
	if cfg.ExitScore <= 0 {
		cfg.ExitScore = 1.2
	}
	if cfg.EnterScore < cfg.ExitScore {
		cfg.EnterScore = cfg.ExitScore + 0.1
	}
	if cfg.EnterConfirm < 1 {
		cfg.EnterConfirm = 3
	}
	if cfg.ExitConfirm < 1 {
		cfg.ExitConfirm = 5
	}
	if cfg.MinDwell < 0 {
		cfg.MinDwell = 0
	}
	return cfg
}

// trendDetector classifies the recent price path with hysteresis: a regime
// is entered above EnterScore and left below ExitScore, each after a number
// of confirming ticks.
type trendDetector struct {
	cfg        TrendFilterConfig
	state      Regime
	lastChange time.Time
	enterHits  int
	exitHits   int
	prices     []float64
}

func newTrendDetector(cfg TrendFilterConfig) *trendDetector {
	if !cfg.Enabled {
		return nil
	}
	cfg = normalizeTrendConfig(cfg)
	return &trendDetector{
		cfg:    cfg,
		state:  RegimeRange,
		prices: make([]float64, 0, cfg.Window),
	}
}

// Update feeds one price and reports the regime and whether it changed.
func (d *trendDetector) Update(price decimal.Decimal, now time.Time) (Regime, bool) {
	if d == nil {
		return RegimeRange, false
	}
	p := price.InexactFloat64()
	if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return d.state, false
	}
	if len(d.prices) == d.cfg.Window {
		copy(d.prices, d.prices[1:])
		d.prices[len(d.prices)-1] = p
	} else {
		d.prices = append(d.prices, p)
	}
	if len(d.prices) < d.cfg.Window {
		return d.state, false
	}

	score, direction := trendScore(d.prices)
	want := RegimeRange
	switch {
	case direction > 0:
		want = RegimeTrendUp
	case direction < 0:
		want = RegimeTrendDown
	}
	canSwitch := d.lastChange.IsZero() || now.Sub(d.lastChange) >= d.cfg.MinDwell
	next := d.state
	switch {
	case score >= d.cfg.EnterScore && want != RegimeRange && want != d.state:
		d.enterHits++
		d.exitHits = 0
		if d.enterHits >= d.cfg.EnterConfirm && canSwitch {
			next = want
		}
	case d.state != RegimeRange && score <= d.cfg.ExitScore:
		d.exitHits++
		d.enterHits = 0
		if d.exitHits >= d.cfg.ExitConfirm && canSwitch {
			next = RegimeRange
		}
	default:
		d.enterHits = 0
		d.exitHits = 0
	}

	if next == d.state {
		return d.state, false
	}
	d.state = next
	d.lastChange = now
	d.enterHits = 0
	d.exitHits = 0
	return d.state, true
}

// trendScore is the absolute log return over the window divided by the
// volatility of the per-tick log returns.
func trendScore(prices []float64) (score float64, direction int) {
	if len(prices) < 3 {
		return 0, 0
	}
	first, last := prices[0], prices[len(prices)-1]
	ret := math.Log(last / first)
	switch {
	case ret > 0:
		direction = 1
	case ret < 0:
		direction = -1
	default:
		return 0, 0
	}

	var sum, sumSq float64
	n := 0
	for i := 1; i < len(prices); i++ {
		r := math.Log(prices[i] / prices[i-1])
		sum += r
		sumSq += r * r
		n++
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	vol := math.Sqrt(variance)
	if vol == 0 {
		return math.Inf(1), direction
	}
	return math.Abs(ret) / vol, direction
}
