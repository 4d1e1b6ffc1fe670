// Package metrics defines the recording interface shared by scangate components.
package metrics

//go:generate mockgen -source=interface.go -destination=mocks/mock_metrics.go -package=mocks

// MetricsRegistry defines the interface for metrics collection and management.
// Components take it as an option so tests can pass a Registry or a gomock mock.
type MetricsRegistry interface {
	// SetEnabled enables or disables metrics collection.
	SetEnabled(enabled bool)

	// IsEnabled returns whether metrics collection is enabled.
	IsEnabled() bool

	// Counter increments a counter metric with the given name and labels.
	Counter(name string, labels Labels)

	// Add increases a counter metric by delta.
	Add(name string, delta float64, labels Labels)

	// Gauge sets a gauge metric to the specified value with the given name and labels.
	Gauge(name string, value float64, labels Labels)

	// Histogram records a value in a histogram metric with the given name and labels.
	Histogram(name string, value float64, labels Labels)

	// GetMetrics returns a snapshot of all current metrics.
	GetMetrics() map[string]*Metric

	// Reset clears all metrics from the registry.
	Reset()
}

var (
	_ MetricsRegistry = (*Registry)(nil)
	_ MetricsRegistry = (*Prometheus)(nil)
	_ MetricsRegistry = Noop{}
)
