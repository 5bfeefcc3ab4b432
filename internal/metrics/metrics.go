// Package metrics exposes Prometheus counters and gauges for the rsync
// daemon: active and total sessions by module and role, and bytes
// transferred per module, served over HTTP for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the collectors for one server instance. The zero value is
// not usable; construct with New.
type Registry struct {
	reg *prometheus.Registry

	sessionsActive  *prometheus.GaugeVec
	sessionsTotal   *prometheus.CounterVec
	bytesSent       *prometheus.CounterVec
	bytesReceived   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
}

// New creates a Registry with all collectors registered against a private
// prometheus.Registry, so multiple Registry instances in the same process
// (as in tests) never collide on global registration.
func New() *Registry {
	reg := prometheus.NewRegistry()
	return &Registry{
		reg: reg,
		sessionsActive: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rsyncd",
			Name:      "sessions_active",
			Help:      "Number of rsync transfers currently in progress, by module and role.",
		}, []string{"module", "role"}),
		sessionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "rsyncd",
			Name:      "sessions_total",
			Help:      "Total number of rsync transfers started, by module, role and outcome.",
		}, []string{"module", "role", "outcome"}),
		bytesSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "rsyncd",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to clients, by module.",
		}, []string{"module"}),
		bytesReceived: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "rsyncd",
			Name:      "bytes_received_total",
			Help:      "Bytes read from clients, by module.",
		}, []string{"module"}),
		sessionDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rsyncd",
			Name:      "session_duration_seconds",
			Help:      "Duration of completed rsync transfers, by module and role.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module", "role"}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func moduleLabel(module string) string {
	if module == "" {
		return "(none)"
	}
	return module
}

func roleLabel(sender bool) string {
	if sender {
		return "sender"
	}
	return "receiver"
}

// SessionStart records the start of a transfer and returns a func to call
// when it ends, recording its outcome and duration and decrementing the
// active-session gauge.
func (r *Registry) SessionStart(module string, sender bool) func(err error) {
	if r == nil {
		return func(error) {}
	}
	module = moduleLabel(module)
	role := roleLabel(sender)
	r.sessionsActive.WithLabelValues(module, role).Inc()
	timer := prometheus.NewTimer(r.sessionDuration.WithLabelValues(module, role))
	return func(err error) {
		r.sessionsActive.WithLabelValues(module, role).Dec()
		timer.ObserveDuration()
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		r.sessionsTotal.WithLabelValues(module, role, outcome).Inc()
	}
}

// AddBytes records bytes transferred over the course of one session.
func (r *Registry) AddBytes(module string, sent, received int64) {
	if r == nil {
		return
	}
	module = moduleLabel(module)
	if sent > 0 {
		r.bytesSent.WithLabelValues(module).Add(float64(sent))
	}
	if received > 0 {
		r.bytesReceived.WithLabelValues(module).Add(float64(received))
	}
}
