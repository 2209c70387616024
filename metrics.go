package shardq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects evaluation metrics. A nil *Metrics records nothing.
type Metrics struct {
	CheckedOut     prometheus.Gauge
	Evaluations    *prometheus.CounterVec
	EvalDuration   prometheus.Histogram
	ScannerSeeks   prometheus.Counter
	ScannerNexts   prometheus.Counter
	QueueTimeouts  *prometheus.CounterVec
	StageProcessed *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CheckedOut: f.NewGauge(prometheus.GaugeOpts{
			Name: "shardq_contexts_checked_out",
			Help: "Evaluation contexts currently checked out of their pools",
		}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shardq_evaluations_total",
			Help: "Completed evaluations by outcome",
		}, []string{"outcome"}),
		EvalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shardq_evaluation_duration_seconds",
			Help:    "Duration of a single document evaluation",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14), // 50us to ~400ms
		}),
		ScannerSeeks: f.NewCounter(prometheus.CounterOpts{
			Name: "shardq_scanner_seeks_total",
			Help: "Seeks issued by field index scanners",
		}),
		ScannerNexts: f.NewCounter(prometheus.CounterOpts{
			Name: "shardq_scanner_nexts_total",
			Help: "Single-step advances issued by field index scanners",
		}),
		QueueTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shardq_bulk_queue_timeouts_total",
			Help: "Timed out queue offers and polls in the bulk pipeline by stage",
		}, []string{"stage"}),
		StageProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shardq_bulk_stage_processed_total",
			Help: "Items processed by bulk pipeline stages",
		}, []string{"stage"}),
	}
}

func (m *Metrics) checkedOut(delta float64) {
	if m != nil {
		m.CheckedOut.Add(delta)
	}
}

func (m *Metrics) evaluated(o outcome, d time.Duration) {
	if m != nil {
		m.Evaluations.WithLabelValues(o.String()).Inc()
		m.EvalDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) scannerSeek() {
	if m != nil {
		m.ScannerSeeks.Inc()
	}
}

func (m *Metrics) scannerNext() {
	if m != nil {
		m.ScannerNexts.Inc()
	}
}

func (m *Metrics) queueTimeout(stage string) {
	if m != nil {
		m.QueueTimeouts.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) stageProcessed(stage string) {
	if m != nil {
		m.StageProcessed.WithLabelValues(stage).Inc()
	}
}
