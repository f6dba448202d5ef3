package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	requests      *prometheus.CounterVec
	piiMatches    *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rag_stage_duration_seconds",
				Help:    "Duration of pipeline stages",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"flow", "stage"},
		),
		stageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_stage_failures_total",
				Help: "Pipeline stage failures by error kind",
			},
			[]string{"flow", "stage", "kind"},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_requests_total",
				Help: "Pipeline runs by outcome",
			},
			[]string{"flow", "outcome"}, // outcome: ok, error
		),
		piiMatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rag_pii_matches_total",
				Help: "PII spans redacted, by type and stage",
			},
			[]string{"type", "stage"},
		),
	}
}

func (m *Metrics) observeStage(flow, stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(flow, stage).Observe(d.Seconds())
}

func (m *Metrics) stageFailed(flow, stage, kind string) {
	m.stageFailures.WithLabelValues(flow, stage, kind).Inc()
}

func (m *Metrics) finished(flow string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requests.WithLabelValues(flow, outcome).Inc()
}

func (m *Metrics) redacted(typ, stage string) {
	m.piiMatches.WithLabelValues(typ, stage).Inc()
}
