package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	inFlight      prometheus.Gauge
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	artifactBytes *prometheus.HistogramVec
}

// NewMetrics creates the pipeline collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localcoder",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localcoder",
			Subsystem: "pipeline",
			Name:      "runs_in_flight",
			Help:      "Pipeline runs currently executing or waiting for the engine.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "localcoder",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each stage, including time queued for the engine.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localcoder",
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Stages that failed a run.",
		}, []string{"stage"}),
		artifactBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "localcoder",
			Subsystem: "pipeline",
			Name:      "artifact_bytes",
			Help:      "Size of each stage artifact.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"stage"}),
	}

	if reg != nil {
		reg.MustRegister(m.runs, m.inFlight, m.stageDuration, m.stageFailures, m.artifactBytes)
	}
	return m
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) runEnded(state State) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.runs.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) stageCompleted(stage State, d time.Duration, artifact string) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	m.artifactBytes.WithLabelValues(string(stage)).Observe(float64(len(artifact)))
}

func (m *Metrics) stageFailed(stage State) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(string(stage)).Inc()
}

// RunCount returns the counter for runs that ended in state.
func (m *Metrics) RunCount(state State) prometheus.Counter {
	return m.runs.WithLabelValues(string(state))
}

// StageFailures returns the failure counter for stage.
func (m *Metrics) StageFailures(stage State) prometheus.Counter {
	return m.stageFailures.WithLabelValues(string(stage))
}
