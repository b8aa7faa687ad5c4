/**
 * @description
 * Prometheus recorder for pipeline, scoring, execution and settlement counters.
 * A nil *Recorder is valid and records nothing.
 *
 * @dependencies
 * - github.com/prometheus/client_golang/prometheus/promauto
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exports pipeline and trading counters to Prometheus
type Recorder struct {
	stepDuration  *prometheus.HistogramVec
	stepsTotal    *prometheus.CounterVec
	candidates    *prometheus.GaugeVec
	published     prometheus.Gauge
	ordersTotal   *prometheus.CounterVec
	settledTotal  prometheus.Counter
	fetchFailures *prometheus.CounterVec
	brier         *prometheus.GaugeVec
	pnl           *prometheus.GaugeVec
}

// New creates a recorder registered on the default registry
func New() *Recorder {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates a recorder registered on reg
func NewWith(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		stepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kalbot_pipeline_step_duration_seconds",
				Help:    "Duration of daily pipeline steps in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		stepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kalbot_pipeline_steps_total",
				Help: "Pipeline step executions by outcome",
			},
			[]string{"step", "status"},
		),
		candidates: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kalbot_scoring_candidates",
				Help: "Candidates produced by the last scoring pass, by evaluation status",
			},
			[]string{"status"},
		),
		published: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "kalbot_published_signals",
				Help: "Signals in the last published batch",
			},
		),
		ordersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kalbot_paper_orders_total",
				Help: "Simulated fills by side",
			},
			[]string{"side"},
		),
		settledTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "kalbot_settlements_total",
				Help: "Markets newly settled by reconciliation",
			},
		),
		fetchFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kalbot_upstream_failures_total",
				Help: "Upstream fetch failures by source",
			},
			[]string{"source"},
		),
		brier: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kalbot_daily_brier_score",
				Help: "Brier score of the latest recomputed metric day",
			},
			[]string{"mode"},
		),
		pnl: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kalbot_daily_net_pnl_usd",
				Help: "Net realized P&L of the latest recomputed metric day",
			},
			[]string{"mode"},
		),
	}
}

// RecordStep records one pipeline step outcome and its duration
func (r *Recorder) RecordStep(step, status string, seconds float64) {
	if r == nil {
		return
	}
	r.stepDuration.WithLabelValues(step).Observe(seconds)
	r.stepsTotal.WithLabelValues(step, status).Inc()
}

// RecordScoring records candidate counts and the published batch size
func (r *Recorder) RecordScoring(ok, degraded, unavailable, published int) {
	if r == nil {
		return
	}
	r.candidates.WithLabelValues("ok").Set(float64(ok))
	r.candidates.WithLabelValues("degraded").Set(float64(degraded))
	r.candidates.WithLabelValues("unavailable").Set(float64(unavailable))
	r.published.Set(float64(published))
}

// RecordOrder records a simulated fill
func (r *Recorder) RecordOrder(side string) {
	if r == nil {
		return
	}
	r.ordersTotal.WithLabelValues(side).Inc()
}

// RecordSettlements adds newly settled markets
func (r *Recorder) RecordSettlements(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.settledTotal.Add(float64(n))
}

// RecordFetchFailure records an upstream failure for source ("kalshi", "nws")
func (r *Recorder) RecordFetchFailure(source string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.fetchFailures.WithLabelValues(source).Add(float64(n))
}

// RecordDailyMetric exports the latest day's Brier score and net P&L
func (r *Recorder) RecordDailyMetric(mode string, brier *float64, netPnL float64) {
	if r == nil {
		return
	}
	if brier != nil {
		r.brier.WithLabelValues(mode).Set(*brier)
	}
	r.pnl.WithLabelValues(mode).Set(netPnL)
}
