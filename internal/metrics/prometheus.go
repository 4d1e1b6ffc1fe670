package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "scangate"

type seriesDef struct {
	kind    MetricType
	help    string
	labels  []string
	buckets []float64
}

// series lists every metric the service records. Observations against
// names missing here are kept in the mirror only.
var series = map[string]seriesDef{
	MetricAdmissionRequests: {
		kind:   TypeCounter,
		help:   "Batch admission requests by scanner kind and outcome",
		labels: []string{LabelKind, LabelOutcome},
	},
	MetricJobsCreated: {
		kind:   TypeCounter,
		help:   "Scan jobs created by admission",
		labels: []string{LabelKind},
	},
	MetricDispatchTotal: {
		kind:   TypeCounter,
		help:   "Job dispatch attempts by scanner kind and outcome",
		labels: []string{LabelKind, LabelOutcome},
	},
	MetricDispatchDuration: {
		kind:    TypeHistogram,
		help:    "Duration of worker dispatch calls in seconds",
		labels:  []string{LabelKind},
		buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	},
	MetricReconcileTotal: {
		kind:   TypeCounter,
		help:   "Worker callbacks by scanner kind, reported status and outcome",
		labels: []string{LabelKind, LabelStatus, LabelOutcome},
	},
	MetricLedgerAdjustUnits: {
		kind:   TypeCounter,
		help:   "Quota units moved through the ledger by scanner kind and direction",
		labels: []string{LabelKind, LabelDirection},
	},
	MetricStaleJobs: {
		kind:   TypeGauge,
		help:   "Jobs found stuck by the sweeper, by status",
		labels: []string{LabelStatus},
	},
	MetricBillingEvents: {
		kind:   TypeCounter,
		help:   "Payment processor events by type and outcome",
		labels: []string{LabelType, LabelOutcome},
	},
	MetricAdminActions: {
		kind:   TypeCounter,
		help:   "Operator actions on scan jobs",
		labels: []string{LabelAction},
	},
	MetricHealthChecks: {
		kind:   TypeCounter,
		help:   "Health checks by reported status",
		labels: []string{LabelStatus},
	},
	MetricHTTPRequests: {
		kind:   TypeCounter,
		help:   "HTTP requests by method, route and status",
		labels: []string{LabelMethod, LabelPath, LabelStatus},
	},
	MetricHTTPDuration: {
		kind:    TypeHistogram,
		help:    "Duration of HTTP requests in seconds",
		labels:  []string{LabelMethod, LabelPath},
		buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
	},
}

// Prometheus implements MetricsRegistry on top of a dedicated Prometheus
// registry. Every observation is mirrored into an in-memory Registry so
// GetMetrics works the same as in tests.
type Prometheus struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	uptime     prometheus.Gauge
	mirror     *Registry

	startTime time.Time
	mu        sync.RWMutex
	enabled   bool
}

// NewPrometheus creates the collectors for every known series and the
// standard Go and process collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		mirror:     NewRegistry(),
		startTime:  time.Now(),
		enabled:    true,
	}

	for name, def := range series {
		switch def.kind {
		case TypeCounter:
			vec := prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: name, Help: def.help,
			}, def.labels)
			p.counters[name] = vec
			p.registry.MustRegister(vec)
		case TypeGauge:
			vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: name, Help: def.help,
			}, def.labels)
			p.gauges[name] = vec
			p.registry.MustRegister(vec)
		case TypeHistogram:
			vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: name, Help: def.help, Buckets: def.buckets,
			}, def.labels)
			p.histograms[name] = vec
			p.registry.MustRegister(vec)
		}
	}

	p.uptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "uptime_seconds",
		Help:      "Application uptime in seconds",
	})
	p.registry.MustRegister(p.uptime)
	p.registry.MustRegister(collectors.NewGoCollector())
	p.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return p
}

// GetRegistry returns the Prometheus registry for the HTTP handler.
func (p *Prometheus) GetRegistry() *prometheus.Registry {
	return p.registry
}

// SetEnabled enables or disables collection.
func (p *Prometheus) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
	p.mirror.SetEnabled(enabled)
}

// IsEnabled returns whether collection is enabled.
func (p *Prometheus) IsEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// Counter increments a counter series by one.
func (p *Prometheus) Counter(name string, labels Labels) {
	p.Add(name, 1, labels)
}

// Add increases a counter series by delta.
func (p *Prometheus) Add(name string, delta float64, labels Labels) {
	if !p.IsEnabled() {
		return
	}
	p.mirror.Add(name, delta, labels)
	if vec, ok := p.counters[name]; ok {
		if c, err := vec.GetMetricWith(promLabels(name, labels)); err == nil {
			c.Add(delta)
		}
	}
}

// Gauge sets a gauge series.
func (p *Prometheus) Gauge(name string, value float64, labels Labels) {
	if !p.IsEnabled() {
		return
	}
	p.mirror.Gauge(name, value, labels)
	if vec, ok := p.gauges[name]; ok {
		if g, err := vec.GetMetricWith(promLabels(name, labels)); err == nil {
			g.Set(value)
		}
	}
}

// Histogram observes a value on a histogram series.
func (p *Prometheus) Histogram(name string, value float64, labels Labels) {
	if !p.IsEnabled() {
		return
	}
	p.mirror.Histogram(name, value, labels)
	if vec, ok := p.histograms[name]; ok {
		if h, err := vec.GetMetricWith(promLabels(name, labels)); err == nil {
			h.Observe(value)
		}
	}
}

// GetMetrics returns a snapshot of the mirror.
func (p *Prometheus) GetMetrics() map[string]*Metric {
	return p.mirror.GetMetrics()
}

// Reset clears the mirror and every labelled series.
func (p *Prometheus) Reset() {
	p.mirror.Reset()
	for _, vec := range p.counters {
		vec.Reset()
	}
	for _, vec := range p.gauges {
		vec.Reset()
	}
	for _, vec := range p.histograms {
		vec.Reset()
	}
}

// promLabels fills in declared label keys the caller left out so a partial
// label set never fails the observation.
func promLabels(name string, labels Labels) prometheus.Labels {
	def := series[name]
	out := make(prometheus.Labels, len(def.labels))
	for _, key := range def.labels {
		out[key] = labels[key]
	}
	return out
}

// GetUptime returns the time since the collectors were created.
func (p *Prometheus) GetUptime() time.Duration {
	return time.Since(p.startTime)
}

// StartPeriodicUpdates refreshes the uptime gauge until ctx is done.
func (p *Prometheus) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.uptime.Set(p.GetUptime().Seconds())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.uptime.Set(p.GetUptime().Seconds())
		}
	}
}
