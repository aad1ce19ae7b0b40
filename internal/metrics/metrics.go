// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	BodiesRewritten    *prometheus.CounterVec
	RedirectsRewritten prometheus.Counter
	NavigationFetches  *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shi_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shi_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shi_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shi_proxy_upstream_request_duration_seconds",
			Help:    "Origin call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shi_proxy_upstream_responses_total",
			Help: "Total origin responses by method and status code.",
		}, []string{"method", "status_code"}),

		BodiesRewritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shi_proxy_bodies_rewritten_total",
			Help: "Origin text response bodies rewritten, by content kind. Binary passthrough is not counted.",
		}, []string{"kind"}),

		RedirectsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shi_proxy_redirects_rewritten_total",
			Help: "Origin redirects whose Location was remapped.",
		}),

		NavigationFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shi_proxy_navigation_fetches_total",
			Help: "Menu API fetches by result (ok, http_error, error).",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.BodiesRewritten,
		m.RedirectsRewritten,
		m.NavigationFetches,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// PathLabeler maps request paths onto a bounded set of label values.
type PathLabeler struct {
	prefixes []string
}

// NewPathLabeler returns a labeler for the given prefixes. Longer prefixes win.
// The root prefix "/" is ignored; unmatched paths are labeled "other".
func NewPathLabeler(prefixes ...string) *PathLabeler {
	var ps []string
	for _, p := range prefixes {
		if p != "" && p != "/" {
			ps = append(ps, strings.TrimSuffix(p, "/"))
		}
	}
	slices.SortStableFunc(ps, func(a, b string) int { return len(b) - len(a) })
	return &PathLabeler{prefixes: ps}
}

// Label returns a bounded path label for Prometheus metrics.
func (l *PathLabeler) Label(path string) string {
	for _, prefix := range l.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
