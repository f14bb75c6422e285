// Package telemetry wires the Prometheus metrics and OpenTelemetry tracing
// threaded through the orchestrator and HTTP surface.
//
// Instruments are promauto-registered Gauge/CounterVec/HistogramVec values,
// one set per pipeline stage so ASR/RAG/TTS latency and error rates are
// each independently observable.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every Prometheus instrument the exhibit guide records.
type Metrics struct {
	ActiveRequests   prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
	CancelledTotal   *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	TTSFallbacks     prometheus.Counter
	StageLatency     *prometheus.HistogramVec
	PrefetchHitTotal *prometheus.CounterVec
}

// NewMetrics registers every instrument under namespace (e.g.
// "exhibit_guide").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active (unterminated) requests.",
		}),
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests admitted, by kind.",
		}, []string{"kind"}),
		CancelledTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancelled_total",
			Help:      "Requests cancelled, by request kind.",
		}, []string{"kind"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by stage (asr/rag/tts) and provider name.",
		}, []string{"stage", "provider"}),
		TTSFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_fallbacks_total",
			Help:      "Times the TTS dispatcher retried with its fallback provider.",
		}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Derived per-stage latency in milliseconds (submit->rag_first_chunk, submit->tts_first_audio, submit->play_end).",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 1000, 1500, 2500, 4000, 7000, 12000},
		}, []string{"stage"}),
		PrefetchHitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prefetch_hit_total",
			Help:      "Tour stop advances, by whether a prefetched slot was ready.",
		}, []string{"result"}),
	}
}

// ObserveStage records a derived latency sample for stage (e.g.
// "rag_first_chunk", "tts_first_audio", "play_end").
func (m *Metrics) ObserveStage(stage string, ms int64) {
	if m == nil || m.StageLatency == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(float64(ms))
}

// ObserveProviderError records a provider failure for stage/provider.
func (m *Metrics) ObserveProviderError(stage, provider string) {
	if m == nil || m.ProviderErrors == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(stage, provider).Inc()
}

// ObserveCancelled records a cancellation, by request kind.
func (m *Metrics) ObserveCancelled(kind string) {
	if m == nil || m.CancelledTotal == nil {
		return
	}
	m.CancelledTotal.WithLabelValues(kind).Inc()
}

// ObservePrefetchHit records whether a tour advance found a ready prefetch
// slot ("hit") or had to run synchronously ("miss").
func (m *Metrics) ObservePrefetchHit(hit bool) {
	if m == nil || m.PrefetchHitTotal == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PrefetchHitTotal.WithLabelValues(result).Inc()
}

// Handler returns the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
