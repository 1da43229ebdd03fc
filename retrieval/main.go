// Package retrieval wraps the document store and an embedding provider into a semantic
// search API, and provides the batch indexer that fills the store.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"salescoachdev/coacherr"
	"salescoachdev/corpus"
	"salescoachdev/logger"
	"salescoachdev/metrics"
)

const (
	DefaultLimit     = 5
	DefaultThreshold = 0.65

	trainingLimit       = 3
	trainingThreshold   = 0.6
	trainingContentRune = 500
)

// Embedder turns text into a vector. It returns coacherr.ErrProviderUnavailable when the
// provider has no credentials.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QueryEmbedder is implemented by providers that embed search queries differently from
// indexed documents. Search prefers it when the embedder offers it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// SearchStore is the read side of the document store.
type SearchStore interface {
	SimilaritySearch(ctx context.Context, vector []float32, threshold float64, limit int, filter corpus.Filter) ([]corpus.ScoredChunk, error)
	Count(ctx context.Context, filter corpus.Filter) (int, error)
}

type EngineProps struct {
	Logger           *logger.LogMiddleware
	Embedder         Embedder
	Store            SearchStore
	Metrics          *metrics.Recorder
	DefaultLimit     int
	DefaultThreshold float64
	// Timeout bounds the query embedding call. Zero means 30s.
	Timeout time.Duration
}

type Engine struct {
	logger    *logger.LogMiddleware
	embedder  Embedder
	store     SearchStore
	metrics   *metrics.Recorder
	limit     int
	threshold float64
	timeout   time.Duration
}

// SearchOptions narrow a search. Zero values fall back to the engine defaults.
type SearchOptions struct {
	Limit       int     `json:"limit,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
	DocType     string  `json:"docType,omitempty"`
	TechniqueID string  `json:"techniqueId,omitempty"`
}

// Result is the outcome of a search. Degraded is set when no query embedding could be
// computed, which is distinct from a search that simply matched nothing.
type Result struct {
	Documents      []corpus.ScoredChunk `json:"documents"`
	SearchTimeMs   int64                `json:"searchTimeMs"`
	Degraded       bool                 `json:"degraded"`
	DegradedReason string               `json:"degradedReason,omitempty"`
}

// Stats are corpus counts.
type Stats struct {
	Total    int `json:"total"`
	Training int `json:"training"`
	Embedded int `json:"embedded"`
}

func NewEngine(args EngineProps) *Engine {
	e := &Engine{
		logger:    args.Logger,
		embedder:  args.Embedder,
		store:     args.Store,
		metrics:   args.Metrics,
		limit:     args.DefaultLimit,
		threshold: args.DefaultThreshold,
		timeout:   args.Timeout,
	}
	if e.limit <= 0 {
		e.limit = DefaultLimit
	}
	if e.threshold <= 0 {
		e.threshold = DefaultThreshold
	}
	if e.timeout <= 0 {
		e.timeout = 30 * time.Second
	}
	return e
}

// Search embeds query and returns the most similar chunks, best first, none below the
// threshold and at most limit of them.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (Result, error) {
	tracer := otel.Tracer("retrieval/Search")
	ctx, span := tracer.Start(ctx, "Search")
	defer span.End()

	start := time.Now()
	limit, threshold := e.limit, e.threshold
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	if opts.Threshold > 0 {
		threshold = opts.Threshold
	}
	span.SetAttributes(
		attribute.Int("search.limit", limit),
		attribute.Float64("search.threshold", threshold),
		attribute.String("search.doc_type", opts.DocType),
		attribute.String("search.technique_id", opts.TechniqueID),
	)

	result := Result{Documents: []corpus.ScoredChunk{}}
	finish := func(status string) Result {
		elapsed := time.Since(start)
		result.SearchTimeMs = elapsed.Milliseconds()
		e.metrics.ObserveSearch(status, elapsed)
		return result
	}

	if strings.TrimSpace(query) == "" {
		return finish(metrics.SearchNoMatch), nil
	}

	vector, err := e.embedQuery(ctx, query)
	if err != nil {
		switch coacherr.KindOf(err) {
		case coacherr.KindProviderUnavailable, coacherr.KindMalformedOutput:
			result.Degraded = true
			result.DegradedReason = coacherr.KindOf(err).String()
			span.AddEvent("Degraded")
			e.logger.Logger(ctx).Warn("[Retrieval] Search degraded, no query embedding", zap.Error(err))
			return finish(metrics.SearchDegraded), nil
		}
		span.RecordError(err)
		e.logger.Logger(ctx).Error("[Retrieval] Error embedding query", zap.Error(err))
		finish(metrics.SearchError)
		return result, err
	}

	filter := corpus.Filter{DocType: opts.DocType, TechniqueID: opts.TechniqueID}
	rows, err := e.store.SimilaritySearch(ctx, vector, threshold, limit, filter)
	if err != nil {
		span.RecordError(err)
		e.logger.Logger(ctx).Error("[Retrieval] Error querying document store", zap.Error(err))
		finish(metrics.SearchError)
		return result, fmt.Errorf("similarity search: %w", err)
	}

	result.Documents = rankAndCut(rows, threshold, limit)
	status := metrics.SearchOK
	if len(result.Documents) == 0 {
		status = metrics.SearchNoMatch
	}
	result = finish(status)

	span.SetAttributes(attribute.Int("search.results", len(result.Documents)))
	e.logger.Logger(ctx).Debug("[Retrieval] Search completed",
		zap.Int("results", len(result.Documents)),
		zap.Int64("search_time_ms", result.SearchTimeMs))
	return result, nil
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if e.embedder == nil {
		return nil, coacherr.New(coacherr.KindProviderUnavailable, "retrieval.Search", errors.New("no embedding provider configured"))
	}
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	embed := e.embedder.Embed
	if q, ok := e.embedder.(QueryEmbedder); ok {
		embed = q.EmbedQuery
	}

	start := time.Now()
	vector, err := embed(callCtx, query)
	e.metrics.ObserveProviderCall("embedding", "search", err, time.Since(start))
	if err != nil {
		return nil, coacherr.Provider("retrieval.Search", err)
	}
	if len(vector) == 0 {
		return nil, coacherr.New(coacherr.KindMalformedOutput, "retrieval.Search", errors.New("empty embedding"))
	}
	return vector, nil
}

// rankAndCut enforces ordering, threshold and limit on whatever the store returned.
func rankAndCut(rows []corpus.ScoredChunk, threshold float64, limit int) []corpus.ScoredChunk {
	out := make([]corpus.ScoredChunk, 0, len(rows))
	for _, r := range rows {
		if r.Similarity >= threshold {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b corpus.ScoredChunk) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetTrainingContext fetches training material for a seller message and renders it as a
// bounded citation block. ok is false when nothing qualifies or the search was degraded.
func (e *Engine) GetTrainingContext(ctx context.Context, message, techniqueID string) (string, bool, error) {
	res, err := e.Search(ctx, message, SearchOptions{
		Limit:       trainingLimit,
		Threshold:   trainingThreshold,
		DocType:     corpus.DocTypeTraining,
		TechniqueID: techniqueID,
	})
	if err != nil {
		return "", false, err
	}
	if len(res.Documents) == 0 {
		return "", false, nil
	}
	return FormatCitations(res.Documents), true, nil
}

// FormatCitations renders documents as numbered citations with a rounded similarity
// percentage and content cut to a fixed budget.
func FormatCitations(docs []corpus.ScoredChunk) string {
	var sb strings.Builder
	sb.WriteString("Relevant training material:\n")
	for i, d := range docs {
		title := d.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&sb, "\n[%d] %s (%d%% match)\n%s\n", i+1, title, int(math.Round(d.Similarity*100)), truncate(d.Content, trainingContentRune))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n])) + "..."
}

// Stats counts the corpus.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Total, err = e.store.Count(ctx, corpus.Filter{}); err != nil {
		return s, fmt.Errorf("count chunks: %w", err)
	}
	if s.Training, err = e.store.Count(ctx, corpus.Filter{DocType: corpus.DocTypeTraining}); err != nil {
		return s, fmt.Errorf("count training chunks: %w", err)
	}
	if s.Embedded, err = e.store.Count(ctx, corpus.Filter{EmbeddedOnly: true}); err != nil {
		return s, fmt.Errorf("count embedded chunks: %w", err)
	}
	return s, nil
}
