package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LLMBuckets suits completion latencies, which range from sub-second to minutes.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Metrics bundles the gateway's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	Completions     *prometheus.CounterVec
	CompletionTime  *prometheus.HistogramVec
	BackendRetries  *prometheus.CounterVec
	ToolExecutions  *prometheus.CounterVec
	SkippedFrames   *prometheus.CounterVec
	ActiveStreams   *prometheus.GaugeVec
	StreamFragments *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry with gateway and runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	completions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unigate_completions_total",
		Help: "Completion requests by backend, mode and outcome",
	}, []string{"backend", "mode", "outcome"})

	completionTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "unigate_completion_duration_seconds",
		Help:    "Completion latency in seconds, including tool dispatch",
		Buckets: LLMBuckets,
	}, []string{"backend", "mode"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unigate_backend_retries_total",
		Help: "Retried backend calls by backend",
	}, []string{"backend"})

	toolExecs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unigate_tool_executions_total",
		Help: "Tool dispatches by tool and outcome",
	}, []string{"tool", "outcome"})

	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unigate_stream_frames_skipped_total",
		Help: "Malformed stream frames dropped by backend",
	}, []string{"backend"})

	active := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "unigate_active_streams",
		Help: "Streams currently being relayed by backend",
	}, []string{"backend"})

	fragments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unigate_stream_fragments_total",
		Help: "Text fragments relayed to clients by backend",
	}, []string{"backend"})

	reg.MustRegister(
		completions, completionTime, retries, toolExecs, skipped, active, fragments,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry:        reg,
		Completions:     completions,
		CompletionTime:  completionTime,
		BackendRetries:  retries,
		ToolExecutions:  toolExecs,
		SkippedFrames:   skipped,
		ActiveStreams:   active,
		StreamFragments: fragments,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordCompletion records the outcome and latency of one completion.
func (m *Metrics) RecordCompletion(backend, mode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if backend == "" {
		backend = "unknown"
	}
	m.Completions.WithLabelValues(backend, mode, outcome).Inc()
	m.CompletionTime.WithLabelValues(backend, mode).Observe(duration.Seconds())
}

// RecordRetry counts one retried backend call.
func (m *Metrics) RecordRetry(backend string) {
	if m == nil {
		return
	}
	m.BackendRetries.WithLabelValues(backend).Inc()
}

// RecordToolExecution counts one tool dispatch.
func (m *Metrics) RecordToolExecution(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
}

// RecordSkippedFrames adds n dropped stream frames.
func (m *Metrics) RecordSkippedFrames(backend string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SkippedFrames.WithLabelValues(backend).Add(float64(n))
}

// RecordStreamFragment counts one relayed text fragment.
func (m *Metrics) RecordStreamFragment(backend string) {
	if m == nil {
		return
	}
	m.StreamFragments.WithLabelValues(backend).Inc()
}

// IncActiveStreams increments the active stream gauge.
func (m *Metrics) IncActiveStreams(backend string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(backend).Inc()
}

// DecActiveStreams decrements the active stream gauge.
func (m *Metrics) DecActiveStreams(backend string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(backend).Dec()
}
