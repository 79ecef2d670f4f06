// Package observability collects Prometheus metrics for the service.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the Prometheus series of the sync service. All methods
// are nil-safe so wiring stays optional.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	feedEvents      *prometheus.CounterVec
	fetchRetries    prometheus.Counter
	rollbacks       prometheus.Counter
}

// NewMetrics initialises the registry and base series.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estoque_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estoque_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	feedEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estoque_feed_events_total",
		Help: "Change-feed events applied to the cache, by type.",
	}, []string{"type"})
	fetchRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "estoque_page_fetch_retries_total",
		Help: "Page fetch attempts that failed and were retried.",
	})
	rollbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "estoque_optimistic_rollbacks_total",
		Help: "Optimistic updates rolled back after a rejected write.",
	})
	registry.MustRegister(requests, duration, feedEvents, fetchRetries, rollbacks)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		feedEvents:      feedEvents,
		fetchRetries:    fetchRetries,
		rollbacks:       rollbacks,
	}
}

// Handler returns the /metrics endpoint handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// FeedEvent counts one applied change-feed event.
func (m *Metrics) FeedEvent(eventType string) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(eventType).Inc()
}

// FetchRetry counts one retried page fetch attempt.
func (m *Metrics) FetchRetry() {
	if m == nil {
		return
	}
	m.fetchRetries.Inc()
}

// Rollback counts one optimistic-update rollback.
func (m *Metrics) Rollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware records request metrics per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
