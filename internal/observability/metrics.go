// Package observability owns the Prometheus registry of each tuition process. Billing
// and job collectors register through Registerer and inherit the process's service label.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health and scrape routes are hit continuously and are left out of the request series.
var unrecordedRoutes = map[string]bool{
	"/metrics": true,
	"/healthz": true,
	"/readyz":  true,
}

// Option customises NewMetrics.
type Option func(*options)

type options struct {
	service string
	version string
}

// WithService labels every component collector with the process role (api, worker, cli).
func WithService(name string) Option {
	return func(o *options) { o.service = name }
}

// WithVersion sets the version reported by tuition_build_info.
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// Metrics is the registry of one process plus its HTTP collectors.
type Metrics struct {
	registry   *prometheus.Registry
	registerer prometheus.Registerer
	handler    http.Handler
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewMetrics builds a fresh registry with HTTP, build and runtime collectors.
func NewMetrics(opts ...Option) *Metrics {
	o := options{service: "api", version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tuition_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"route"})
	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "tuition_build_info",
		Help:        "Constant 1, labelled with the process role and version.",
		ConstLabels: prometheus.Labels{"service": o.service, "version": o.version},
	})
	build.Set(1)
	registry.MustRegister(
		requests,
		latency,
		build,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:   registry,
		registerer: prometheus.WrapRegistererWith(prometheus.Labels{"service": o.service}, registry),
		handler:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		requests:   requests,
		latency:    latency,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records count and latency per chi route pattern. Requests that match no
// route are recorded as "unmatched".
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		if unrecordedRoutes[route] {
			return
		}
		m.requests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer is where billing and job collectors register. Collectors registered here
// carry the service label.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registerer
}

// Gatherer exposes the underlying registry for tests and side listeners.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
