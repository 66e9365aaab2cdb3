// Package metrics exposes Prometheus instrumentation for theming and the
// proxy. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nocturne"

// Metrics holds every collector the engine and the proxy report to.
type Metrics struct {
	RenderPasses    prometheus.Counter
	ActiveManagers  prometheus.Gauge
	SheetLoads      *prometheus.CounterVec
	ThemeOperations *prometheus.CounterVec
	PagesThemed     *prometheus.CounterVec
	PageDuration    prometheus.Histogram
	PageCache       *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RenderPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "render_passes_total",
			Help:      "Total number of throttled variable-resolution and render passes.",
		}),
		ActiveManagers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "style_managers",
			Help:      "Number of stylesheet managers currently registered.",
		}),
		SheetLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "sheet_loads_total",
			Help:      "Total number of asynchronous stylesheet loads, by result.",
		}, []string{"result"}),
		ThemeOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total number of establish, remove and clean-cache calls.",
		}, []string{"operation"}),
		PagesThemed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "pages_total",
			Help:      "Total number of pages served, by outcome.",
		}, []string{"status"}),
		PageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "page_duration_seconds",
			Help:      "Time to fetch, theme and serialise a page.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
		}),
		PageCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "page_cache_total",
			Help:      "Page cache lookups, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.RenderPasses, m.ActiveManagers, m.SheetLoads, m.ThemeOperations,
		m.PagesThemed, m.PageDuration, m.PageCache)
	return m
}

// RenderPass counts one throttled pass.
func (m *Metrics) RenderPass() {
	if m == nil {
		return
	}
	m.RenderPasses.Inc()
}

// Managers sets the registered manager count.
func (m *Metrics) Managers(n int) {
	if m == nil {
		return
	}
	m.ActiveManagers.Set(float64(n))
}

// SheetLoaded counts an asynchronous load. result is "ok" or "error".
func (m *Metrics) SheetLoaded(result string) {
	if m == nil {
		return
	}
	m.SheetLoads.WithLabelValues(result).Inc()
}

// Operation counts a lifecycle call.
func (m *Metrics) Operation(name string) {
	if m == nil {
		return
	}
	m.ThemeOperations.WithLabelValues(name).Inc()
}

// Page records a served page.
func (m *Metrics) Page(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PagesThemed.WithLabelValues(status).Inc()
	m.PageDuration.Observe(elapsed.Seconds())
}

// CacheLookup records a page cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PageCache.WithLabelValues(result).Inc()
}
