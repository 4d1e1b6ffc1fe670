// Package metrics provides monitoring for scangate. Components record
// through the MetricsRegistry interface. Prometheus backs /metrics in the
// service and Registry records in memory for tests.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
)

// Labels represents key-value pairs for metric labels.
type Labels map[string]string

// Metric represents a single metric with its metadata. Histograms keep the
// last observation in Value along with the running Count and Sum.
type Metric struct {
	Name      string
	Type      MetricType
	Value     float64
	Count     uint64
	Sum       float64
	Labels    Labels
	Timestamp time.Time
}

// Registry is an in-memory MetricsRegistry. Tests read it back through
// GetMetrics and Get.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	enabled bool
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]*Metric),
		enabled: true,
	}
}

// SetEnabled enables or disables metrics collection.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether metrics collection is enabled.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Counter increments a counter metric.
func (r *Registry) Counter(name string, labels Labels) {
	r.Add(name, 1, labels)
}

// Add increases a counter metric by delta.
func (r *Registry) Add(name string, delta float64, labels Labels) {
	r.update(name, TypeCounter, labels, func(m *Metric) {
		m.Value += delta
	})
}

// Gauge sets a gauge metric value.
func (r *Registry) Gauge(name string, value float64, labels Labels) {
	r.update(name, TypeGauge, labels, func(m *Metric) {
		m.Value = value
	})
}

// Histogram records an observation.
func (r *Registry) Histogram(name string, value float64, labels Labels) {
	r.update(name, TypeHistogram, labels, func(m *Metric) {
		m.Value = value
		m.Count++
		m.Sum += value
	})
}

func (r *Registry) update(name string, typ MetricType, labels Labels, apply func(*Metric)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}

	key := Key(name, labels)
	metric, ok := r.metrics[key]
	if !ok {
		metric = &Metric{Name: name, Type: typ, Labels: copyLabels(labels)}
		r.metrics[key] = metric
	}
	apply(metric)
	metric.Timestamp = time.Now()
}

// Get returns a copy of one series.
func (r *Registry) Get(name string, labels Labels) (*Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metric, ok := r.metrics[Key(name, labels)]
	if !ok {
		return nil, false
	}
	c := *metric
	c.Labels = copyLabels(metric.Labels)
	return &c, true
}

// GetMetrics returns a snapshot of all current metrics keyed by Key.
func (r *Registry) GetMetrics() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Metric, len(r.metrics))
	for key, metric := range r.metrics {
		c := *metric
		c.Labels = copyLabels(metric.Labels)
		result[key] = &c
	}
	return result
}

// Reset clears all metrics.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = make(map[string]*Metric)
}

// Key identifies a series: the name followed by name=value pairs in label
// order, e.g. "dispatch_total:kind=nmap:outcome=success".
func Key(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(":" + k + "=" + labels[k])
	}
	return b.String()
}

func copyLabels(labels Labels) Labels {
	if labels == nil {
		return nil
	}
	result := make(Labels, len(labels))
	for k, v := range labels {
		result[k] = v
	}
	return result
}

// Timer measures the duration of an operation against a registry.
type Timer struct {
	registry MetricsRegistry
	start    time.Time
	name     string
	labels   Labels
}

// NewTimerFor starts a timer that records to registry.
func NewTimerFor(registry MetricsRegistry, name string, labels Labels) *Timer {
	return &Timer{
		registry: registry,
		start:    time.Now(),
		name:     name,
		labels:   labels,
	}
}

// Stop records the elapsed time in seconds as a histogram observation.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.registry.Histogram(t.name, elapsed.Seconds(), t.labels)
	return elapsed
}

// Metric names.
const (
	MetricAdmissionRequests = "admission_requests_total"
	MetricJobsCreated       = "jobs_created_total"
	MetricDispatchTotal     = "dispatch_total"
	MetricDispatchDuration  = "dispatch_duration_seconds"
	MetricReconcileTotal    = "reconcile_total"
	MetricLedgerAdjustUnits = "ledger_adjust_units_total"
	MetricStaleJobs         = "stale_jobs"
	MetricBillingEvents     = "billing_events_total"
	MetricAdminActions      = "admin_actions_total"
	MetricHealthChecks      = "health_checks_total"
	MetricHTTPRequests      = "http_requests_total"
	MetricHTTPDuration      = "http_request_duration_seconds"
)

// Label keys.
const (
	LabelKind      = "kind"
	LabelOutcome   = "outcome"
	LabelStatus    = "status"
	LabelDirection = "direction"
	LabelMethod    = "method"
	LabelPath      = "path"
	LabelType      = "type"
	LabelAction    = "action"
)

// Noop discards every observation.
type Noop struct{}

// NewNoop returns a registry that records nothing.
func NewNoop() Noop { return Noop{} }

func (Noop) SetEnabled(bool) {}
func (Noop) IsEnabled() bool { return false }
func (Noop) Counter(string, Labels) {}
func (Noop) Add(string, float64, Labels) {}
func (Noop) Gauge(string, float64, Labels) {}
func (Noop) Histogram(string, float64, Labels) {}
func (Noop) GetMetrics() map[string]*Metric { return map[string]*Metric{} }
func (Noop) Reset() {}
