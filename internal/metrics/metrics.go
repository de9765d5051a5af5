// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "media"

// Metrics groups every collector of the service. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requestDuration *prometheus.HistogramVec
	uploads         *prometheus.CounterVec
	uploadedBytes   prometheus.Counter
	grants          *prometheus.CounterVec
	servedBytes     prometheus.Counter
	swept           *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// MustNew creates the collectors and registers them with reg. It panics on
// duplicate registration, like the promauto helpers.
func MustNew(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by path (direct, deferred) and outcome.",
		}, []string{"path", "outcome"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes accepted into object storage.",
		}),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presign_grants_total",
			Help:      "Presign requests by outcome.",
		}, []string{"outcome"}),
		servedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "served_bytes_total",
			Help:      "Bytes streamed by the range-serving proxy.",
		}),
		swept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "removed_total",
			Help:      "Orphaned objects and stale pending records removed.",
		}, []string{"kind"}),
		gatherer: reg,
	}
	reg.MustRegister(m.requestDuration, m.uploads, m.uploadedBytes, m.grants, m.servedBytes, m.swept)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// Upload counts an upload attempt. bytes is added only for "ok" outcomes.
func (m *Metrics) Upload(path, outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(path, outcome).Inc()
	if outcome == "ok" {
		m.uploadedBytes.Add(float64(bytes))
	}
}

func (m *Metrics) Grant(outcome string) {
	if m == nil {
		return
	}
	m.grants.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Served(bytes int64) {
	if m == nil {
		return
	}
	m.servedBytes.Add(float64(bytes))
}

func (m *Metrics) Swept(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.swept.WithLabelValues(kind).Add(float64(n))
}
