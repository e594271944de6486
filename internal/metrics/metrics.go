package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	TokensGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_tokens_generated_total",
		Help: "The total number of tokens generated across all sessions",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "ember_decode_step_duration_seconds",
		Help: "Duration of single-token decode steps",
	})

	PrefillDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "ember_prefill_duration_seconds",
		Help: "Duration of the full-prompt prefill pass",
	})

	PromptLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ember_prompt_length_tokens",
		Help:    "Distribution of prompt lengths processed",
		Buckets: []float64{8, 32, 128, 512, 1024, 2048, 4096, 8192},
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_sessions_total",
		Help: "Generation sessions by terminal state",
	}, []string{"state"})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ember_kv_cache_capacity_bytes",
		Help: "Total capacity of the KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ember_kv_cache_used_bytes",
		Help: "Current bytes used in the KV cache",
	})

	KVCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_kv_cache_evictions_total",
		Help: "Total number of positions evicted by the sliding window",
	})

	KVCacheAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_kv_cache_appends_total",
		Help: "Total number of KV cache append operations",
	})

	BackendOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ember_backend_op_duration_seconds",
		Help:    "Histogram of tensor backend operation times",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	ArtifactLoadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ember_artifact_load_errors_total",
		Help: "Artifact load failures by kind",
	}, []string{"kind"})

	TraceRecordsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ember_trace_records_published_total",
		Help: "Generation trace records published to the trace sink",
	})
)

// RecordToken counts one emitted token. The final token of a session
// needs no forward pass, so this is separate from RecordStep.
func RecordToken() {
	TokensGeneratedTotal.Inc()
	totalTokens.Add(1)
}

// RecordStep records one decode forward's latency.
func RecordStep(d time.Duration) {
	StepDuration.Observe(d.Seconds())
}

// RecordPrefill records a completed prefill pass.
func RecordPrefill(promptLen int, d time.Duration) {
	PromptLength.Observe(float64(promptLen))
	PrefillDuration.Observe(d.Seconds())
}

// RecordSession counts a session reaching a terminal state.
func RecordSession(state string) {
	SessionsTotal.WithLabelValues(state).Inc()
}

// RecordKVCacheStats sets capacity and used gauges.
func RecordKVCacheStats(capacityBytes, usedBytes int64) {
	KVCacheCapacityBytes.Set(float64(capacityBytes))
	KVCacheUsedBytes.Set(float64(usedBytes))
}

// RecordKVAppend counts an append, plus an eviction when the ring wrapped.
func RecordKVAppend(evicted bool) {
	KVCacheAppends.Inc()
	if evicted {
		KVCacheEvictions.Inc()
	}
}

// TotalTokens returns the process-lifetime token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}
