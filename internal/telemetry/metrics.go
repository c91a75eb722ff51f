package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesQueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "logjam",
			Name:      "messages_queued_total",
			Help:      "Messages queued on this rank before any combining.",
		},
	)

	MessagesCombined = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "logjam",
			Name:      "messages_combined_total",
			Help:      "Messages absorbed into an equivalent earlier message.",
		},
	)

	PushRounds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "logjam",
			Name:      "push_rounds_total",
			Help:      "Collective push rounds this rank has taken part in.",
		},
	)

	BatchesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "logjam",
			Name:      "batches_received_total",
			Help:      "Non-empty batches received from reporting ranks.",
		},
	)

	BatchBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logjam",
			Name:      "batch_bytes_total",
			Help:      "Encoded batch bytes moved through push rounds.",
		},
		[]string{"direction"}, // "sent" | "received"
	)

	BufferMessages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "logjam",
			Name:      "buffer_messages",
			Help:      "Messages currently buffered on this rank.",
		},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logjam",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "logjam",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// Tune buckets to your SLOs. This covers 1ms .. ~4s.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "logjam",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "logjam",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "logjam",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		MessagesQueued, MessagesCombined, PushRounds, BatchesReceived,
		BatchBytes, BufferMessages,
		RequestsTotal, RequestDuration, InFlight,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.HandleFunc("/info", telemetry.Instrument("info", http.HandlerFunc(a.info)).ServeHTTP)
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
