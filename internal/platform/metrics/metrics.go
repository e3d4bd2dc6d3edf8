package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the media service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	streamSessions    *prometheus.CounterVec
	streamedBytes     prometheus.Counter
	streamDisconnects prometheus.Counter
	uploadsTotal      prometheus.Counter
	jobsTotal         *prometheus.CounterVec
	queueActive       prometheus.Gauge
	queuePending      prometheus.Gauge
	notifyClients     prometheus.Gauge
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaflow_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaflow_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		streamSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaflow_stream_sessions_total",
			Help: "Stream sessions started, by response status code",
		}, []string{"status"}),
		streamedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaflow_streamed_bytes_total",
			Help: "Bytes written to streaming clients",
		}),
		streamDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaflow_stream_disconnects_total",
			Help: "Stream sessions cancelled by the client before completion",
		}),
		uploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediaflow_uploads_total",
			Help: "Assets successfully uploaded",
		}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaflow_processing_jobs_total",
			Help: "Processing jobs finished, by outcome (completed or failed)",
		}, []string{"outcome"}),
		queueActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediaflow_queue_active_jobs",
			Help: "Processing jobs currently running",
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediaflow_queue_pending_jobs",
			Help: "Processing jobs waiting for a worker slot",
		}),
		notifyClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediaflow_notify_subscribers",
			Help: "Live notification subscriptions",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.streamSessions,
		m.streamedBytes,
		m.streamDisconnects,
		m.uploadsTotal,
		m.jobsTotal,
		m.queueActive,
		m.queuePending,
		m.notifyClients,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// ObserveStreamSession counts one stream session answered with status.
func (m *Metrics) ObserveStreamSession(status int) {
	if m == nil {
		return
	}
	m.streamSessions.WithLabelValues(strconv.Itoa(status)).Inc()
}

// AddStreamedBytes adds n to the streamed bytes counter.
func (m *Metrics) AddStreamedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.streamedBytes.Add(float64(n))
}

// IncStreamDisconnects increments the client disconnect counter.
func (m *Metrics) IncStreamDisconnects() {
	if m == nil {
		return
	}
	m.streamDisconnects.Inc()
}

// IncUploads increments the uploads counter.
func (m *Metrics) IncUploads() {
	if m == nil {
		return
	}
	m.uploadsTotal.Inc()
}

// IncJobs counts one finished job with the given outcome.
func (m *Metrics) IncJobs(outcome string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(outcome).Inc()
}

// SetQueue sets the active and pending queue gauges.
func (m *Metrics) SetQueue(active, pending int) {
	if m == nil {
		return
	}
	m.queueActive.Set(float64(active))
	m.queuePending.Set(float64(pending))
}

// SetNotifySubscribers sets the live subscription gauge.
func (m *Metrics) SetNotifySubscribers(n int) {
	if m == nil {
		return
	}
	m.notifyClients.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. queue depth).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
