package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	chatMessagesSent       *prometheus.CounterVec
	chatMessagesFailed     prometheus.Counter
	chatReactionsToggled   *prometheus.CounterVec
	typingSignalsPublished prometheus.Counter
	callsStartedTotal      prometheus.Counter
	callOutcomesTotal      *prometheus.CounterVec
	callSetupSeconds       prometheus.Histogram
	openSessionsGauge      prometheus.Gauge
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestLatency     *prometheus.HistogramVec
	httpRequestErrors      *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the
// realtime core.
func RegisterMetrics() {
	registerOnce.Do(func() {
		chatMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_messages_sent_total",
			Help: "Total number of chat messages confirmed by persistence.",
		}, []string{"kind"})

		chatMessagesFailed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_messages_failed_total",
			Help: "Total number of chat sends that failed persistence.",
		})

		chatReactionsToggled = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_reactions_toggled_total",
			Help: "Total number of reaction toggles by direction.",
		}, []string{"direction"})

		typingSignalsPublished = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_typing_signals_total",
			Help: "Total number of typing presence transitions published.",
		})

		callsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_calls_started_total",
			Help: "Total number of outgoing call attempts.",
		})

		callOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_call_outcomes_total",
			Help: "Total number of calls by terminal outcome.",
		}, []string{"outcome"})

		callSetupSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_call_setup_seconds",
			Help:    "Time between starting a call and the connection reporting connected.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
		})

		openSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_open_conversation_sessions",
			Help: "Number of conversation sessions currently open.",
		})

		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_http_requests_total",
			Help: "Total HTTP requests handled, by method, route and status.",
		}, []string{"method", "route", "status"})

		httpRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "realtime_http_request_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"})

		httpRequestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_http_request_errors_total",
			Help: "Total HTTP requests that returned a 4xx or 5xx status.",
		}, []string{"method", "route", "status"})

		prometheus.MustRegister(
			chatMessagesSent,
			chatMessagesFailed,
			chatReactionsToggled,
			typingSignalsPublished,
			callsStartedTotal,
			callOutcomesTotal,
			callSetupSeconds,
			openSessionsGauge,
			httpRequestsTotal,
			httpRequestLatency,
			httpRequestErrors,
		)
	})
}

// ChatMessagesSent exposes the counter for confirmed message sends.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSent
}

// ChatMessagesFailed exposes the counter for failed message sends.
func ChatMessagesFailed() prometheus.Counter {
	RegisterMetrics()
	return chatMessagesFailed
}

// ChatReactionsToggled exposes the counter for reaction toggles.
func ChatReactionsToggled() *prometheus.CounterVec {
	RegisterMetrics()
	return chatReactionsToggled
}

// TypingSignalsPublished exposes the counter for typing transitions.
func TypingSignalsPublished() prometheus.Counter {
	RegisterMetrics()
	return typingSignalsPublished
}

// CallsStarted exposes the counter for outgoing call attempts.
func CallsStarted() prometheus.Counter {
	RegisterMetrics()
	return callsStartedTotal
}

// CallOutcomes exposes the counter for terminal call outcomes.
func CallOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return callOutcomesTotal
}

// CallSetupLatency exposes the call setup latency histogram.
func CallSetupLatency() prometheus.Histogram {
	RegisterMetrics()
	return callSetupSeconds
}

// OpenSessions exposes the gauge of open conversation sessions.
func OpenSessions() prometheus.Gauge {
	RegisterMetrics()
	return openSessionsGauge
}

// HTTPRequests exposes the counter of handled HTTP requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the HTTP request latency histogram.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpRequestLatency
}

// HTTPErrors exposes the counter of HTTP error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestErrors
}
