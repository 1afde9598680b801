package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all library metrics. A nil *Metrics is valid everywhere it is
// accepted; recording methods are no-ops so embedders without a Prometheus
// registry pay nothing.
type Metrics struct {
	// Spool metrics
	SpoolFiles       prometheus.Gauge
	SpoolBytes       prometheus.Gauge
	SpoolEnqueued    prometheus.Counter
	SpoolDropped     *prometheus.CounterVec
	SpoolQuarantined prometheus.Counter
	SpoolGCDeleted   *prometheus.CounterVec

	// Transmitter metrics
	TransmissionsTotal   *prometheus.CounterVec
	TransmissionDuration prometheus.Histogram

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		SpoolFiles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "spool_files",
				Help:      "Number of committed transmission files in the spool",
			},
		),
		SpoolBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "spool_bytes",
				Help:      "Total size in bytes of committed transmission files",
			},
		),
		SpoolEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spool_enqueued_total",
				Help:      "Total number of transmissions accepted into the spool",
			},
		),
		SpoolDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spool_dropped_total",
				Help:      "Total number of transmissions dropped at enqueue by reason",
			},
			[]string{"reason"},
		),
		SpoolQuarantined: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spool_quarantined_total",
				Help:      "Total number of corrupt files moved aside",
			},
		),
		SpoolGCDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spool_gc_deleted_total",
				Help:      "Total number of expired files removed by GC by kind",
			},
			[]string{"kind"},
		),
		TransmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transmissions_total",
				Help:      "Total number of transmission attempts by outcome",
			},
			[]string{"status"},
		),
		TransmissionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transmission_duration_seconds",
				Help:      "Transmission POST duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.SpoolFiles,
		m.SpoolBytes,
		m.SpoolEnqueued,
		m.SpoolDropped,
		m.SpoolQuarantined,
		m.SpoolGCDeleted,
		m.TransmissionsTotal,
		m.TransmissionDuration,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveSpool updates the spool occupancy gauges.
func (m *Metrics) ObserveSpool(files int, bytes int64) {
	if m == nil {
		return
	}
	m.SpoolFiles.Set(float64(files))
	m.SpoolBytes.Set(float64(bytes))
}

// IncEnqueued counts one accepted transmission.
func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	m.SpoolEnqueued.Inc()
}

// IncDropped counts one dropped enqueue.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.SpoolDropped.WithLabelValues(reason).Inc()
}

// IncQuarantined counts one quarantined file.
func (m *Metrics) IncQuarantined() {
	if m == nil {
		return
	}
	m.SpoolQuarantined.Inc()
}

// IncGCDeleted counts one expired file removed by GC.
func (m *Metrics) IncGCDeleted(kind string) {
	if m == nil {
		return
	}
	m.SpoolGCDeleted.WithLabelValues(kind).Inc()
}

// ObserveTransmission records one POST outcome and its duration.
func (m *Metrics) ObserveTransmission(status string, seconds float64) {
	if m == nil {
		return
	}
	m.TransmissionsTotal.WithLabelValues(status).Inc()
	if seconds > 0 {
		m.TransmissionDuration.Observe(seconds)
	}
}

// SetBreakerState records the circuit breaker state.
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}
