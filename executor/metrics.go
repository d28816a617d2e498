package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes used as the "outcome" label
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
	OutcomeAborted = "aborted"
	OutcomeTimeout = "timeout"
	OutcomeBusy    = "busy"
)

// Metrics are the executor's prometheus collectors
type Metrics struct {
	runs           *prometheus.CounterVec
	recordsUpdated prometheus.Counter
	updateFailures prometheus.Counter
	runDuration    prometheus.Histogram
	lastRun        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "queuerules",
				Name:      "executions_total",
				Help:      "Executor runs by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		recordsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queuerules",
			Name:      "records_updated_total",
			Help:      "Records moved to a new queue status",
		}),
		updateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queuerules",
			Name:      "record_update_failures_total",
			Help:      "Record status updates rejected by the record store",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "queuerules",
			Name:      "execution_duration_seconds",
			Help:      "Executor run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "queuerules",
			Name:      "last_execution_timestamp_seconds",
			Help:      "Unix time the last executor run finished",
		}),
	}

	for _, c := range []prometheus.Collector{m.runs, m.recordsUpdated, m.updateFailures, m.runDuration, m.lastRun} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(s *Summary, outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(s.TriggeredBy), outcome).Inc()
	m.recordsUpdated.Add(float64(s.RulesUpdated))
	m.updateFailures.Add(float64(s.Failed))
	m.runDuration.Observe(float64(s.DurationMs) / 1000)
	m.lastRun.SetToCurrentTime()
}

func (m *Metrics) busy(trigger string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(trigger, OutcomeBusy).Inc()
}
