package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Cache and realtime metrics.
var (
	cacheInvalidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Query cache invalidations by key.",
		},
		[]string{"key"},
	)

	cacheRefetchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_refetch_failures_total",
			Help: "Failed refetches after cache invalidation by key.",
		},
		[]string{"key"},
	)

	realtimeReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_reconnects_total",
		Help: "Reconnect attempts made by the realtime change-feed client.",
	})

	realtimeConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connected",
		Help: "Whether the realtime change feed is currently connected.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "Whether the service currently passes its readiness probe.",
	})
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		cacheInvalidationsTotal, cacheRefetchFailuresTotal,
		realtimeReconnectsTotal, realtimeConnected, ready,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CacheInvalidated increments the invalidation counter for a cache key.
func CacheInvalidated(key string) {
	cacheInvalidationsTotal.WithLabelValues(key).Inc()
}

// CacheRefetchFailed increments the refetch failure counter for a cache key.
func CacheRefetchFailed(key string) {
	cacheRefetchFailuresTotal.WithLabelValues(key).Inc()
}

// RealtimeReconnect records a reconnect attempt.
func RealtimeReconnect() {
	realtimeReconnectsTotal.Inc()
}

// SetRealtimeConnected flips the realtime connectivity gauge.
func SetRealtimeConnected(connected bool) {
	if connected {
		realtimeConnected.Set(1)
		return
	}
	realtimeConnected.Set(0)
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps a handler with RPS, latency and in-flight tracking.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
