package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for package operations.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operationsStarted *prometheus.CounterVec
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeOperations  prometheus.Gauge

	// Transaction contents
	packages *prometheus.CounterVec
	steps    *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Policy
	policyDenials *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose methods are no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of package operations started",
			},
			[]string{"operation", "mode"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of package operations finished",
			},
			[]string{"operation", "mode", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of package operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "mode"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Current number of running package operations",
			},
		),

		packages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packages_total",
				Help:      "Packages in finished transactions by summary bucket",
			},
			[]string{"operation", "bucket"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Progress steps by final status",
			},
			[]string{"status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Operations blocked by policy",
			},
			[]string{"operation", "policy"},
		),
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operations,
		m.operationDuration,
		m.activeOperations,
		m.packages,
		m.steps,
		m.errorsByClass,
		m.policyDenials,
	)

	return m, nil
}

// Mode returns the mode label for an apply flag.
func Mode(apply bool) string {
	if apply {
		return "apply"
	}
	return "dry-run"
}

// RecordOperationStarted counts a started operation.
func (m *Metrics) RecordOperationStarted(operation, mode string) {
	if m.operationsStarted == nil {
		return
	}
	m.operationsStarted.WithLabelValues(operation, mode).Inc()
	m.activeOperations.Inc()
}

// RecordOperation records a finished operation with its status and duration.
func (m *Metrics) RecordOperation(operation, mode, status string, duration time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(operation, mode, status).Inc()
	m.operationDuration.WithLabelValues(operation, mode).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// RecordPackages adds count packages to a summary bucket
// (resolved, deps, failed).
func (m *Metrics) RecordPackages(operation, bucket string, count int) {
	if m.packages == nil || count == 0 {
		return
	}
	m.packages.WithLabelValues(operation, bucket).Add(float64(count))
}

// RecordStep counts a step that reached status.
func (m *Metrics) RecordStep(status string) {
	if m.steps == nil {
		return
	}
	m.steps.WithLabelValues(status).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// RecordPolicyDenial counts an operation blocked by policy.
func (m *Metrics) RecordPolicyDenial(operation, policy string) {
	if m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(operation, policy).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// WriteTextfile writes the registry to path in the Prometheus text format,
// atomically, for the node-exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m.registry == nil {
		return nil
	}
	if path == "" {
		return errors.New("textfile path is empty")
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
