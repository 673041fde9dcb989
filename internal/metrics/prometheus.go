package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes detector and pipeline counters via Prometheus.
type Recorder struct {
	candlesIngested *prometheus.CounterVec
	setupsEmitted   *prometheus.CounterVec
	signalsEmitted  *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	lastClose       *prometheus.GaugeVec
	candleLag       *prometheus.HistogramVec
}

// New creates a Prometheus recorder registered on the default registry.
func New() *Recorder {
	return &Recorder{
		candlesIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fpf_candles_ingested_total",
				Help: "Total number of closed candles processed",
			},
			[]string{"symbol", "tf"},
		),
		setupsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fpf_setups_total",
				Help: "Total number of setup events (FIX_HIGH, FIX_LOW, RETURN)",
			},
			[]string{"symbol", "tf", "kind"},
		),
		signalsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fpf_signals_total",
				Help: "Total number of final long/short signals",
			},
			[]string{"symbol", "tf", "direction"},
		),
		rejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fpf_rejections_total",
				Help: "Breakout candidates rejected, by reason",
			},
			[]string{"symbol", "tf", "reason"},
		),
		outcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fpf_signal_outcomes_total",
				Help: "Tracked signal resolutions (tp2, sl, timeout)",
			},
			[]string{"symbol", "outcome"},
		),
		lastClose: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fpf_last_close_price",
				Help: "Last close price per symbol and timeframe",
			},
			[]string{"symbol", "tf"},
		),
		candleLag: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fpf_candle_lag_seconds",
				Help:    "Delay between candle close time and processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tf"},
		),
	}
}

// RecordCandle records one processed candle and its close price.
func (r *Recorder) RecordCandle(symbol, tf string, close float64) {
	r.candlesIngested.WithLabelValues(symbol, tf).Inc()
	r.lastClose.WithLabelValues(symbol, tf).Set(close)
}

// RecordSetup records a setup event by kind.
func (r *Recorder) RecordSetup(symbol, tf, kind string) {
	r.setupsEmitted.WithLabelValues(symbol, tf, kind).Inc()
}

// RecordSignal records a final signal by direction.
func (r *Recorder) RecordSignal(symbol, tf, direction string) {
	r.signalsEmitted.WithLabelValues(symbol, tf, direction).Inc()
}

// RecordRejection records a breakout rejection by reason.
func (r *Recorder) RecordRejection(symbol, tf, reason string) {
	r.rejections.WithLabelValues(symbol, tf, reason).Inc()
}

// RecordOutcome records a resolved signal outcome.
func (r *Recorder) RecordOutcome(symbol, outcome string) {
	r.outcomes.WithLabelValues(symbol, outcome).Inc()
}

// RecordCandleLag records processing delay for a timeframe.
func (r *Recorder) RecordCandleLag(tf string, seconds float64) {
	r.candleLag.WithLabelValues(tf).Observe(seconds)
}
