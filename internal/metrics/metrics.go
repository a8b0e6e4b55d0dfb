// Package metrics counts guard outcomes for node_exporter's textfile
// collector. The guard runs once per install, so there is no endpoint to
// scrape; the CLI writes a textfile after each run instead.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "updateguard"

// Check outcomes.
const (
	OutcomeSkipped      = "skipped"
	OutcomeHealthy      = "healthy"
	OutcomeBroken       = "broken"
	OutcomeInconclusive = "inconclusive"
)

// Statuses for rollbacks and notifications.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Metrics holds the guard's collectors in their own registry.
type Metrics struct {
	registry *prometheus.Registry

	// checks counts intercepted installs by outcome.
	checks *prometheus.CounterVec
	// rollbacks counts restore attempts by status.
	rollbacks *prometheus.CounterVec
	// notifications counts rollback notices by status.
	notifications *prometheus.CounterVec
	// probeDuration measures the error-scrape request.
	probeDuration prometheus.Histogram
}

// New creates a Metrics with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		checks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Intercepted installs by outcome",
		}, []string{"outcome"}),
		rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Temp backup restores by status",
		}, []string{"status"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Rollback notices by delivery status",
		}, []string{"status"}),
		probeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Error-scrape probe latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// Check records the outcome of one intercepted install. Safe on nil.
func (m *Metrics) Check(outcome string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(outcome).Inc()
}

// Rollback records one restore attempt. Safe on nil.
func (m *Metrics) Rollback(err error) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(status(err)).Inc()
}

// Notification records one notice delivery attempt. Safe on nil.
func (m *Metrics) Notification(err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(status(err)).Inc()
}

// ProbeDuration records how long a probe took. Safe on nil.
func (m *Metrics) ProbeDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.probeDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics to path in the text exposition format.
// The write goes through a temp file and rename.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return StatusFailed
	}
	return StatusOK
}
