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
			Namespace: "dgram",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dgram",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	datagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgram",
			Subsystem: "udp",
			Name:      "datagrams_total",
			Help:      "Datagrams by direction and outcome.",
		},
		[]string{"node", "direction", "outcome"},
	)
	datagramBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgram",
			Subsystem: "udp",
			Name:      "bytes_total",
			Help:      "Datagram payload bytes by direction.",
		},
		[]string{"node", "direction"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgram",
			Subsystem: "session",
			Name:      "handshakes_total",
			Help:      "Connect handshakes by result.",
		},
		[]string{"node", "result"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dgram",
			Subsystem: "session",
			Name:      "active",
			Help:      "Occupied registry slots.",
		},
		[]string{"node"},
	)
	livenessRTT = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dgram",
			Subsystem: "liveness",
			Name:      "rtt_seconds",
			Help:      "Measured liveness round trip in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"node"},
	)
	livenessFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgram",
			Subsystem: "liveness",
			Name:      "failures_total",
			Help:      "Liveness probes that failed or timed out.",
		},
		[]string{"node"},
	)
	callbackPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dgram",
			Subsystem: "dispatcher",
			Name:      "callback_panics_total",
			Help:      "Recovered panics raised by application callbacks.",
		},
		[]string{"node", "callback"},
	)
)

// Handshake results.
const (
	HandshakeAccepted = "accepted"
	HandshakeDeclined = "declined"
	HandshakeFull     = "full"
)

// Datagram directions and outcomes.
const (
	DirectionIn  = "in"
	DirectionOut = "out"

	OutcomeOK        = "ok"
	OutcomeMalformed = "malformed"
	OutcomeUnknown   = "unknown_peer"
	OutcomeError     = "error"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			datagrams, datagramBytes,
			handshakes, activeSessions,
			livenessRTT, livenessFailures,
			callbackPanics,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDatagram(node, direction, outcome string, size int) {
	RegisterMetrics()
	datagrams.WithLabelValues(node, direction, outcome).Inc()
	if outcome == OutcomeOK {
		datagramBytes.WithLabelValues(node, direction).Add(float64(size))
	}
}

func RecordHandshake(node, result string) {
	RegisterMetrics()
	handshakes.WithLabelValues(node, result).Inc()
}

func SetActiveSessions(node string, n int) {
	RegisterMetrics()
	activeSessions.WithLabelValues(node).Set(float64(n))
}

func RecordLiveness(node string, rtt time.Duration, ok bool) {
	RegisterMetrics()
	if !ok {
		livenessFailures.WithLabelValues(node).Inc()
		return
	}
	livenessRTT.WithLabelValues(node).Observe(rtt.Seconds())
}

func RecordCallbackPanic(node, callback string) {
	RegisterMetrics()
	callbackPanics.WithLabelValues(node, callback).Inc()
}
