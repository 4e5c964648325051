package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sessiongate"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"gateway", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"gateway", "method", "route", "status"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session lifecycle events handled, by event kind.",
		},
		[]string{"kind"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently held in the runtime registry.",
		},
	)
	sessionRecreates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "recreates_total",
			Help:      "Session recreation attempts scheduled, by outcome.",
		},
		[]string{"outcome"},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "sends_total",
			Help:      "Outbound message sends, by result.",
		},
		[]string{"result"},
	)
	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "send_duration_seconds",
			Help:      "Transport send latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	observersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "observers",
			Help:      "Connected realtime observers.",
		},
	)
	observersEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "observers_evicted_total",
			Help:      "Observers dropped because their buffer was full.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionTransitions,
			sessionsActive,
			sessionRecreates,
			messagesSent,
			sendDuration,
			observersActive,
			observersEvicted,
		)
	})
}

func RecordHTTPRequest(gateway, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(gateway, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(gateway, method, route, statusLabel).Observe(duration.Seconds())
}

func RecordSessionTransition(kind string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(kind).Inc()
}

func SetActiveSessions(n int) {
	RegisterMetrics()
	sessionsActive.Set(float64(n))
}

// RecordRecreate counts scheduled ("scheduled") and abandoned ("exhausted") retries.
func RecordRecreate(outcome string) {
	RegisterMetrics()
	sessionRecreates.WithLabelValues(outcome).Inc()
}

func RecordSend(success bool, duration time.Duration) {
	RegisterMetrics()
	result := "ok"
	if !success {
		result = "error"
	}
	messagesSent.WithLabelValues(result).Inc()
	sendDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func SetObservers(n int) {
	RegisterMetrics()
	observersActive.Set(float64(n))
}

func RecordObserverEvicted() {
	RegisterMetrics()
	observersEvicted.Inc()
}
