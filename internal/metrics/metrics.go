// Package metrics exposes Prometheus metrics for turns, connections and
// the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_turns_total",
			Help: "Total number of routed turns",
		},
		[]string{"agent", "outcome"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentdesk_turn_duration_seconds",
			Help:    "Turn duration in seconds, from routing to commit",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"agent"},
	)

	nanoEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_nano_events_total",
			Help: "Total number of progress events forwarded to clients",
		},
		[]string{"agent"},
	)

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_inbound_frames_total",
			Help: "Total number of inbound frames by kind",
		},
		[]string{"kind"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_errors_total",
			Help: "Total number of errors reported to clients by class",
		},
		[]string{"class"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentdesk_active_sessions",
			Help: "Number of authenticated live sessions",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentdesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	initOnce sync.Once
)

// InitMetrics registers every collector with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			nanoEventsTotal,
			framesTotal,
			errorsTotal,
			activeSessions,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

// Handler returns an HTTP handler for Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records the outcome and duration of one turn. outcome is "ok"
// or an error class.
func RecordTurn(agent, outcome string, duration time.Duration) {
	turnsTotal.WithLabelValues(agent, outcome).Inc()
	turnDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordNano counts one forwarded progress event.
func RecordNano(agent string) {
	nanoEventsTotal.WithLabelValues(agent).Inc()
}

// RecordFrame counts one inbound frame.
func RecordFrame(kind string) {
	framesTotal.WithLabelValues(kind).Inc()
}

// RecordError counts one error reported to a client.
func RecordError(class string) {
	errorsTotal.WithLabelValues(class).Inc()
}

// SessionOpened increments the live session gauge.
func SessionOpened() { activeSessions.Inc() }

// SessionClosed decrements the live session gauge.
func SessionClosed() { activeSessions.Dec() }

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
