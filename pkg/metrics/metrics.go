// Package metrics exposes pipeline counters for Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	cyclesPublished prometheus.Counter
	cyclesSkipped   prometheus.Counter
	readFailures    *prometheus.CounterVec
	rowsWritten     prometheus.Counter
	writeErrors     prometheus.Counter
	transitions     *prometheus.CounterVec
	backend         *prometheus.GaugeVec
	loggingEnabled  prometheus.Gauge
	cycleDuration   prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cyclesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ina219_cycles_published_total",
			Help: "Sampling cycles that published a frame.",
		}),
		cyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ina219_cycles_skipped_total",
			Help: "Sampling cycles dropped because the state lock was not acquired in time.",
		}),
		readFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ina219_sensor_read_failures_total",
			Help: "Failed channel reads.",
		}, []string{"channel"}),
		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ina219_log_rows_written_total",
			Help: "CSV rows appended to the active log file.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ina219_log_write_errors_total",
			Help: "Failed CSV writes, including those recovered by failover.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ina219_storage_transitions_total",
			Help: "Storage backend switches by destination.",
		}, []string{"to"}),
		backend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ina219_storage_backend",
			Help: "1 for the active storage backend.",
		}, []string{"backend"}),
		loggingEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ina219_logging_enabled",
			Help: "1 when CSV logging is active.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ina219_cycle_duration_seconds",
			Help:    "Time spent reading both channels and publishing.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}
	reg.MustRegister(m.cyclesPublished, m.cyclesSkipped, m.readFailures, m.rowsWritten,
		m.writeErrors, m.transitions, m.backend, m.loggingEnabled, m.cycleDuration)
	return m
}

func (m *Metrics) CyclePublished(d time.Duration) {
	if m == nil {
		return
	}
	m.cyclesPublished.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) CycleSkipped() {
	if m == nil {
		return
	}
	m.cyclesSkipped.Inc()
}

func (m *Metrics) SensorReadFailed(channel string) {
	if m == nil {
		return
	}
	m.readFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) RowWritten() {
	if m == nil {
		return
	}
	m.rowsWritten.Inc()
}

func (m *Metrics) WriteFailed() {
	if m == nil {
		return
	}
	m.writeErrors.Inc()
}

// BackendSwitched records a transition and moves the active-backend gauge.
func (m *Metrics) BackendSwitched(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
	m.SetBackend(from, to)
}

// SetBackend marks to as active without counting a transition.
func (m *Metrics) SetBackend(from, to string) {
	if m == nil {
		return
	}
	if from != "" && from != to {
		m.backend.WithLabelValues(from).Set(0)
	}
	m.backend.WithLabelValues(to).Set(1)
}

func (m *Metrics) SetLoggingEnabled(on bool) {
	if m == nil {
		return
	}
	if on {
		m.loggingEnabled.Set(1)
	} else {
		m.loggingEnabled.Set(0)
	}
}
