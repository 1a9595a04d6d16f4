package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec
	correctionRetries     prometheus.Counter
	defaultFallbacks      prometheus.Counter
	modelRejections       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dartscore_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dartscore_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dartscore_upstream_requests_total",
				Help: "Total requests to the model serving endpoint.",
			},
			[]string{"operation", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dartscore_upstream_request_duration_seconds",
				Help:    "Model serving request duration in seconds.",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"operation", "status"},
		),
		correctionRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dartscore_correction_retries_total",
				Help: "Number of detections that needed a format-correction call.",
			},
		),
		defaultFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dartscore_default_score_fallbacks_total",
				Help: "Number of detections that fell back to a zero score after an unusable correction.",
			},
		),
		modelRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dartscore_model_rejections_total",
				Help: "Model replies rejected before parsing, by reason.",
			},
			[]string{"reason"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.correctionRetries,
		m.defaultFallbacks,
		m.modelRejections,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

// ObserveUpstream records one serving client call; operation is query, check
// or current_user.
func (m *Metrics) ObserveUpstream(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(operation, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(operation, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) IncCorrectionRetry() {
	if m == nil {
		return
	}
	m.correctionRetries.Inc()
}

func (m *Metrics) IncDefaultScoreFallback() {
	if m == nil {
		return
	}
	m.defaultFallbacks.Inc()
}

func (m *Metrics) IncModelRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.modelRejections.WithLabelValues(reason).Inc()
}
