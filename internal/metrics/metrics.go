// Package metrics holds the Prometheus collectors sandboxd exports.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry     *prometheus.Registry
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxd_operations_total",
			Help: "Sandbox operations by outcome",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandboxd_operation_duration_seconds",
			Help:    "Sandbox operation latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxd_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.operations,
		m.duration,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveOperation records one finished sandbox operation.
func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	m.operations.With(prometheus.Labels{"op": op, "outcome": outcome}).Inc()
	m.duration.With(prometheus.Labels{"op": op}).Observe(d.Seconds())
}

// ObserveRequest records one served HTTP request. route is the matched
// pattern, not the raw path.
func (m *Metrics) ObserveRequest(method, route string, status int) {
	m.httpRequests.With(prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
