package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smsrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smsrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smsrelay",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state transitions by peer role.",
		},
		[]string{"role", "state"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smsrelay",
			Subsystem: "session",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled.",
		},
		[]string{"role"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smsrelay",
			Subsystem: "wire",
			Name:      "messages_total",
			Help:      "Wire messages by direction and type.",
		},
		[]string{"role", "direction", "type"},
	)
	queueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smsrelay",
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Outbound events dropped by queue overflow.",
		},
		[]string{"class"},
	)
	dedupSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smsrelay",
			Subsystem: "dedup",
			Name:      "suppressed_total",
			Help:      "Events suppressed as duplicates.",
		},
		[]string{"role", "class"},
	)
	commandResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smsrelay",
			Subsystem: "command",
			Name:      "results_total",
			Help:      "Command results by type and outcome.",
		},
		[]string{"type", "success"},
	)
	authenticatedPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "smsrelay",
			Subsystem: "hub",
			Name:      "authenticated_peers",
			Help:      "Authenticated agent peers (0 or 1).",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionStates, reconnects, messages,
			queueDrops, dedupSuppressed, commandResults,
			authenticatedPeers,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordStateTransition(role, state string) {
	RegisterMetrics()
	sessionStates.WithLabelValues(role, state).Inc()
}

func RecordReconnectScheduled(role string) {
	RegisterMetrics()
	reconnects.WithLabelValues(role).Inc()
}

func RecordMessage(role, direction, msgType string) {
	RegisterMetrics()
	messages.WithLabelValues(role, direction, msgType).Inc()
}

func RecordQueueDrop(class string) {
	RegisterMetrics()
	queueDrops.WithLabelValues(class).Inc()
}

func RecordDedupSuppressed(role, class string) {
	RegisterMetrics()
	dedupSuppressed.WithLabelValues(role, class).Inc()
}

func RecordCommandResult(msgType string, success bool) {
	RegisterMetrics()
	commandResults.WithLabelValues(msgType, strconv.FormatBool(success)).Inc()
}

func SetAuthenticatedPeers(n int) {
	RegisterMetrics()
	authenticatedPeers.Set(float64(n))
}
