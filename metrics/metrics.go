// Package metrics exposes request and cache telemetry in the Prometheus
// format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calproxy"

type Metrics struct {
	registry *prometheus.Registry

	requestLatency *prometheus.HistogramVec
	requestCount   *prometheus.CounterVec
	requestSize    *prometheus.GaugeVec
	updateSeconds  prometheus.Summary
	fetchSize      prometheus.Histogram
	fetchTotal     *prometheus.CounterVec
	lookupTotal    *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Request latency",
		}, []string{"method", "endpoint"}),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_count",
			Help:      "Request count",
		}, []string{"method", "endpoint", "http_status"}),
		requestSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "request_size_bytes",
			Help:      "Response size",
		}, []string{"method", "endpoint", "http_status"}),
		updateSeconds: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace,
			Name:      "update_seconds",
			Help:      "Time spent loading data upstream",
		}),
		fetchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_size_bytes",
			Help:      "Size of bodies fetched from upstream",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Completed upstream fetches by outcome",
		}, []string{"key", "outcome"}),
		lookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_total",
			Help:      "Cache lookups by outcome",
		}, []string{"key", "outcome"}),
	}
	m.registry.MustRegister(
		m.requestLatency,
		m.requestCount,
		m.requestSize,
		m.updateSeconds,
		m.fetchSize,
		m.fetchTotal,
		m.lookupTotal,
	)
	return m
}

// TrackInFlight registers a gauge reporting the number of running fetches.
func (m *Metrics) TrackInFlight(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_fetches",
		Help:      "Upstream fetches currently running",
	}, func() float64 {
		return float64(count())
	}))
}

// TrackStored registers a gauge reporting the number of stored records.
func (m *Metrics) TrackStored(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stored_records",
		Help:      "Keys holding a record in the store",
	}, func() float64 {
		return float64(count())
	}))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveFetch records the duration and outcome of one upstream fetch.
// The size is only recorded for successful fetches.
func (m *Metrics) ObserveFetch(key string, duration time.Duration, size int, err error) {
	m.updateSeconds.Observe(duration.Seconds())
	if err != nil {
		m.fetchTotal.WithLabelValues(key, "error").Inc()
		return
	}
	m.fetchSize.Observe(float64(size))
	m.fetchTotal.WithLabelValues(key, "ok").Inc()
}

// ObserveLookup counts one cache lookup.
func (m *Metrics) ObserveLookup(key, outcome string) {
	m.lookupTotal.WithLabelValues(key, outcome).Inc()
}

// Middleware records latency, count, and size of every response.
// The endpoint label is the matched chi route pattern, so unknown paths do
// not create new series.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// time can go backwards...
		latency := time.Since(start)
		if latency < 0 {
			latency = 0
		}
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)

		m.requestLatency.WithLabelValues(r.Method, endpoint).Observe(latency.Seconds())
		m.requestSize.WithLabelValues(r.Method, endpoint, code).Set(float64(ww.BytesWritten()))
		m.requestCount.WithLabelValues(r.Method, endpoint, code).Inc()
	})
}
