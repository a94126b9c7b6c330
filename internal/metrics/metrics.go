// Package metrics exposes the small set of internal counters/gauges
// useful for operating this plugin: evaluation counts, error counts,
// active timers, and live engine count. It is not required by any
// spec.md invariant but supplements the ambient observability stack the
// pack carries even when a spec's non-goals exclude an outward-facing
// metrics surface (see spec.md §1 non-goals: distributed operation is
// excluded, a local counters registry is not).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the plugin's prometheus collectors.
type Registry struct {
	Evaluations   *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	ActiveTimers  prometheus.Gauge
	EngineCount   prometheus.Gauge
	InstanceCount prometheus.Gauge

	reg *prometheus.Registry
}

// New constructs and registers all collectors on a private registry (not
// the global default registry, so multiple test instances don't collide).
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsep",
			Name:      "evaluations_total",
			Help:      "Number of script evaluations performed, by outcome.",
		}, []string{"outcome"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsep",
			Name:      "errors_total",
			Help:      "Number of errors raised, by kind.",
		}, []string{"kind"}),
		ActiveTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dsep",
			Name:      "active_timers",
			Help:      "Number of currently scheduled script timers across all engines.",
		}),
		EngineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dsep",
			Name:      "engines",
			Help:      "Number of live engines (Shared + Private).",
		}),
		InstanceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dsep",
			Name:      "instances",
			Help:      "Number of registered script instances.",
		}),
		reg: reg,
	}
	reg.MustRegister(r.Evaluations, r.Errors, r.ActiveTimers, r.EngineCount, r.InstanceCount)
	return r
}

// Handler returns an http.Handler serving the registry in Prometheus
// exposition format. cmd/dsepd does not mount it and has no flag that
// enables it.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
