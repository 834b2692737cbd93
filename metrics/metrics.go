// Package metrics holds the process-local request/error counters and their
// Prometheus exposition. The counters must stay usable when the database is
// down; everything here is pure memory.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-local counter set. Increment methods are safe for
// concurrent use from every request goroutine.
type Metrics struct {
	requestsTotal atomic.Int64
	errorsTotal   atomic.Int64
	startTime     time.Time

	registry       *prometheus.Registry
	promRequests   *prometheus.CounterVec
	promErrors     *prometheus.CounterVec
	promUptimeSecs prometheus.GaugeFunc
}

// New creates the counter set and registers the Prometheus collectors on a
// private registry so tests can build as many instances as they like.
func New(service string) *Metrics {
	m := &Metrics{
		startTime: time.Now().UTC(),
		registry:  prometheus.NewRegistry(),
	}

	m.promRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "dragonfly_requests_total",
		Help:        "Total HTTP requests handled.",
		ConstLabels: prometheus.Labels{"service": service},
	}, []string{"method", "status"})
	m.registry.MustRegister(m.promRequests)

	m.promErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "dragonfly_errors_total",
		Help:        "Total HTTP requests answered with an error status.",
		ConstLabels: prometheus.Labels{"service": service},
	}, []string{"method", "status"})
	m.registry.MustRegister(m.promErrors)

	m.promUptimeSecs = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "dragonfly_uptime_seconds",
		Help:        "Seconds since process start.",
		ConstLabels: prometheus.Labels{"service": service},
	}, func() float64 { return time.Since(m.startTime).Seconds() })
	m.registry.MustRegister(m.promUptimeSecs)

	return m
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(method, status string, isError bool) {
	m.requestsTotal.Add(1)
	m.promRequests.WithLabelValues(method, status).Inc()
	if isError {
		m.errorsTotal.Add(1)
		m.promErrors.WithLabelValues(method, status).Inc()
	}
}

// RequestsTotal returns the request counter value.
func (m *Metrics) RequestsTotal() int64 { return m.requestsTotal.Load() }

// ErrorsTotal returns the error counter value.
func (m *Metrics) ErrorsTotal() int64 { return m.errorsTotal.Load() }

// StartTime returns the process start instant (UTC).
func (m *Metrics) StartTime() time.Time { return m.startTime }

// Snapshot returns the in-memory portion of the metrics endpoint payload.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"requests_total": m.requestsTotal.Load(),
		"errors_total":   m.errorsTotal.Load(),
		"start_time":     m.startTime.Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
	}
}

// PrometheusHandler exposes the scrape endpoint for this counter set.
func (m *Metrics) PrometheusHandler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
