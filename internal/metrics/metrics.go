package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service's Prometheus collectors. A nil *Registry is a
// valid no-op, which keeps tests free of metric plumbing.
type Registry struct {
	reg *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	CacheLookups     *prometheus.CounterVec

	PropagationDuration *prometheus.HistogramVec
	GraphEdges          prometheus.Histogram
	Predictions         *prometheus.CounterVec
	AnomalyScores       *prometheus.CounterVec
	ModelReloads        *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlservice_http_requests_total",
				Help: "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mlservice_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlservice_upstream_requests_total",
				Help: "Market-data service calls by endpoint kind and result",
			},
			[]string{"kind", "result"},
		),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mlservice_upstream_duration_seconds",
				Help:    "Market-data service call latency",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"kind"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlservice_cache_lookups_total",
				Help: "Market-data cache lookups by kind and result",
			},
			[]string{"kind", "result"},
		),
		PropagationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mlservice_propagation_duration_seconds",
				Help:    "Time spent building adjacency, diffusing and explaining",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"stage"},
		),
		GraphEdges: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mlservice_graph_retained_edges",
				Help:    "Edges retained in the adjacency per request",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		Predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlservice_predictions_total",
				Help: "Per-symbol predictions served, by data source",
			},
			[]string{"source"},
		),
		AnomalyScores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlservice_security_anomaly_total",
				Help: "Security anomaly scores by label",
			},
			[]string{"label"},
		),
		ModelReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mlservice_model_reloads_total",
				Help: "Model reloads by result",
			},
			[]string{"result"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.HTTPRequests,
		r.HTTPDuration,
		r.UpstreamRequests,
		r.UpstreamDuration,
		r.CacheLookups,
		r.PropagationDuration,
		r.GraphEdges,
		r.Predictions,
		r.AnomalyScores,
		r.ModelReloads,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) ObserveHTTP(route, method, code string, d time.Duration) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(route, method, code).Inc()
	r.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) ObserveUpstream(kind, result string, d time.Duration) {
	if r == nil {
		return
	}
	r.UpstreamRequests.WithLabelValues(kind, result).Inc()
	r.UpstreamDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (r *Registry) CacheLookup(kind string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.CacheLookups.WithLabelValues(kind, result).Inc()
}

func (r *Registry) ObservePropagation(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.PropagationDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (r *Registry) ObserveGraph(edges int) {
	if r == nil {
		return
	}
	r.GraphEdges.Observe(float64(edges))
}

func (r *Registry) CountPredictions(source string, n int) {
	if r == nil {
		return
	}
	r.Predictions.WithLabelValues(source).Add(float64(n))
}

func (r *Registry) CountAnomaly(label string) {
	if r == nil {
		return
	}
	r.AnomalyScores.WithLabelValues(label).Inc()
}

func (r *Registry) CountReload(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.ModelReloads.WithLabelValues(result).Inc()
}
