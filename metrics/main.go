// Package metrics records Prometheus metrics for the coaching core: retrieval, indexing,
// heuristic tagging, review actions, context-layer fallbacks, turns and provider calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Search outcomes.
const (
	SearchOK       = "ok"
	SearchNoMatch  = "no_match"
	SearchDegraded = "degraded"
	SearchError    = "error"
)

// Recorder holds the collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	searchesTotal    *prometheus.CounterVec
	searchDuration   prometheus.Histogram
	indexTotal       *prometheus.CounterVec
	tagTotal         *prometheus.CounterVec
	reviewTotal      *prometheus.CounterVec
	contextLayers    *prometheus.CounterVec
	turnsTotal       *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
}

// NewRecorder registers the collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		searchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_retrieval_searches_total",
				Help: "Semantic searches by outcome (ok, no_match, degraded, error)",
			},
			[]string{"status"},
		),
		searchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coach_retrieval_search_duration_seconds",
				Help:    "Duration of semantic searches including query embedding",
				Buckets: prometheus.DefBuckets,
			},
		),
		indexTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_index_documents_total",
				Help: "Documents seen by the batch indexer by outcome",
			},
			[]string{"outcome"},
		),
		tagTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_tagger_chunks_total",
				Help: "Chunks scanned by the heuristic tagger by outcome",
			},
			[]string{"outcome"},
		),
		reviewTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_review_actions_total",
				Help: "Review actions applied to label suggestions",
			},
			[]string{"action"},
		),
		contextLayers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_context_layers_total",
				Help: "Context layers produced, split by generated and fallback",
			},
			[]string{"layer", "source"},
		),
		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coach_session_turns_total",
				Help: "Session turns by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coach_provider_call_duration_seconds",
				Help:    "Duration of embedding and generation provider calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "op", "status"},
		),
	}
}

// ObserveSearch records a finished search.
func (r *Recorder) ObserveSearch(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.searchesTotal.WithLabelValues(status).Inc()
	r.searchDuration.Observe(d.Seconds())
}

// IncIndexed counts one indexer outcome (indexed, skipped, error).
func (r *Recorder) IncIndexed(outcome string) {
	if r == nil {
		return
	}
	r.indexTotal.WithLabelValues(outcome).Inc()
}

// IncTagged counts one tagger outcome (suggested, no_match, error).
func (r *Recorder) IncTagged(outcome string) {
	if r == nil {
		return
	}
	r.tagTotal.WithLabelValues(outcome).Inc()
}

// AddReview counts n chunks affected by a review action.
func (r *Recorder) AddReview(action string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reviewTotal.WithLabelValues(action).Add(float64(n))
}

// IncContextLayer counts a produced context layer.
func (r *Recorder) IncContextLayer(layer string, fallback bool) {
	if r == nil {
		return
	}
	source := "generated"
	if fallback {
		source = "fallback"
	}
	r.contextLayers.WithLabelValues(layer, source).Inc()
}

// IncTurn counts a processed turn.
func (r *Recorder) IncTurn(mode, outcome string) {
	if r == nil {
		return
	}
	r.turnsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveProviderCall records the latency of a provider call.
func (r *Recorder) ObserveProviderCall(provider, op string, err error, d time.Duration) {
	if r == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.providerDuration.WithLabelValues(provider, op, status).Observe(d.Seconds())
}
