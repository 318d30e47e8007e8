package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stream outcomes recorded by Metrics.
const (
	OutcomeEnd       = "end"
	OutcomeStop      = "stop"
	OutcomeBudget    = "budget"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	streams      *prometheus.CounterVec
	fragments    prometheus.Counter
	streamTime   prometheus.Histogram
	queueWait    prometheus.Histogram
	loadDuration prometheus.Gauge
	inFlight     prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "localcoder",
			Subsystem: "engine",
			Name:      "streams_total",
			Help:      "Completion streams by how they ended.",
		}, []string{"outcome"}),
		fragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localcoder",
			Subsystem: "engine",
			Name:      "fragments_total",
			Help:      "Text fragments received from the inference server.",
		}),
		streamTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "localcoder",
			Subsystem: "engine",
			Name:      "stream_duration_seconds",
			Help:      "Wall time of one completion stream.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "localcoder",
			Subsystem: "engine",
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting for the engine to become free.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		loadDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localcoder",
			Subsystem: "engine",
			Name:      "load_duration_seconds",
			Help:      "Time taken to load the model.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localcoder",
			Subsystem: "engine",
			Name:      "streams_in_flight",
			Help:      "Completion streams currently generating (0 or 1).",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.streams, m.fragments, m.streamTime, m.queueWait, m.loadDuration, m.inFlight)
	}
	return m
}

func (m *Metrics) observeLoad(d time.Duration) {
	if m == nil {
		return
	}
	m.loadDuration.Set(d.Seconds())
}

func (m *Metrics) observeQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Observe(d.Seconds())
}

func (m *Metrics) streamStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) streamEnded(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.streams.WithLabelValues(outcome).Inc()
	m.streamTime.Observe(d.Seconds())
}

func (m *Metrics) fragment() {
	if m == nil {
		return
	}
	m.fragments.Inc()
}

// StreamCount returns the counter for streams that ended with outcome.
func (m *Metrics) StreamCount(outcome string) prometheus.Counter {
	return m.streams.WithLabelValues(outcome)
}
