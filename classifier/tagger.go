package classifier

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"salescoachdev/corpus"
	"salescoachdev/logger"
	"salescoachdev/metrics"
)

// SuggestFloor is the minimum confidence at which the bulk tagger records a suggestion.
const SuggestFloor = 0.5

const defaultBatchSize = 100

// TagStore is what the bulk tagger needs from the document store.
type TagStore interface {
	// UnlabeledChunks returns up to limit chunks with neither a confirmed nor a suggested
	// label, ordered by id and strictly after afterID.
	UnlabeledChunks(ctx context.Context, afterID string, limit int) ([]corpus.Chunk, error)
	// MarkSuggested records a suggestion only if the chunk is still unlabeled. It reports
	// whether the row was updated.
	MarkSuggested(ctx context.Context, chunkID, techniqueID string, confidence float64) (bool, error)
}

type TaggerProps struct {
	Logger     *logger.LogMiddleware
	Store      TagStore
	Classifier *Classifier
	Metrics    *metrics.Recorder
	BatchSize  int
}

type Tagger struct {
	logger     *logger.LogMiddleware
	store      TagStore
	classifier *Classifier
	metrics    *metrics.Recorder
	batchSize  int
}

// TagFailure is a chunk the tagger could not update.
type TagFailure struct {
	ChunkID string `json:"chunkId"`
	Error   string `json:"error"`
}

// TagReport summarizes a tagging pass.
type TagReport struct {
	Scanned   int          `json:"scanned"`
	Suggested int          `json:"suggested"`
	NoMatch   int          `json:"noMatch"`
	Skipped   int          `json:"skipped"`
	Errors    int          `json:"errors"`
	Failures  []TagFailure `json:"failures,omitempty"`
	Batches   int          `json:"batches"`
	Cancelled bool         `json:"cancelled"`
}

func NewTagger(args TaggerProps) *Tagger {
	size := args.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	return &Tagger{
		logger:     args.Logger,
		store:      args.Store,
		classifier: args.Classifier,
		metrics:    args.Metrics,
		batchSize:  size,
	}
}

// Run tags every unlabeled chunk, one bounded batch at a time, until none remain or ctx is
// cancelled. Each chunk write is independent: a failure is recorded and the pass goes on.
// A failure to fetch a batch ends the pass with an error; the report still counts what was
// committed, and a later Run resumes with the chunks that are still unlabeled.
func (t *Tagger) Run(ctx context.Context) (TagReport, error) {
	tracer := otel.Tracer("classifier/Tagger.Run")
	ctx, span := tracer.Start(ctx, "Tagger.Run")
	defer span.End()

	var report TagReport
	cursor := ""

	for {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		batch, err := t.store.UnlabeledChunks(ctx, cursor, t.batchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				report.Cancelled = true
				break
			}
			span.RecordError(err)
			t.logger.Logger(ctx).Error("[Tagger] Error fetching batch", zap.Error(err), zap.Int("batch", report.Batches+1))
			return report, fmt.Errorf("fetch unlabeled chunks: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		report.Batches++

		for _, chunk := range batch {
			if ctx.Err() != nil {
				report.Cancelled = true
				break
			}
			cursor = chunk.ID
			t.tagOne(ctx, chunk, &report)
		}
		if report.Cancelled || len(batch) < t.batchSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("chunks.scanned", report.Scanned),
		attribute.Int("chunks.suggested", report.Suggested),
		attribute.Int("chunks.errors", report.Errors),
		attribute.Bool("cancelled", report.Cancelled),
	)
	t.logger.Logger(ctx).Info("[Tagger] Pass finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("suggested", report.Suggested),
		zap.Int("no_match", report.NoMatch),
		zap.Int("errors", report.Errors),
		zap.Bool("cancelled", report.Cancelled))
	return report, nil
}

func (t *Tagger) tagOne(ctx context.Context, chunk corpus.Chunk, report *TagReport) {
	report.Scanned++

	if !chunk.Unlabeled() {
		report.Skipped++
		return
	}

	suggestion, ok := t.classifier.AnalyzeChunk(chunk.Content)
	if !ok || suggestion.Confidence < SuggestFloor {
		report.NoMatch++
		t.metrics.IncTagged("no_match")
		return
	}

	updated, err := t.store.MarkSuggested(ctx, chunk.ID, suggestion.TechniqueID, suggestion.Confidence)
	if err != nil {
		report.Errors++
		report.Failures = append(report.Failures, TagFailure{ChunkID: chunk.ID, Error: err.Error()})
		t.metrics.IncTagged("error")
		t.logger.Logger(ctx).Warn("[Tagger] Error marking chunk", zap.String("chunk_id", chunk.ID), zap.Error(err))
		return
	}
	if !updated {
		// Labeled by someone else since the batch was read.
		report.Skipped++
		return
	}

	report.Suggested++
	t.metrics.IncTagged("suggested")
	t.logger.Logger(ctx).Debug("[Tagger] Suggested technique",
		zap.String("chunk_id", chunk.ID),
		zap.String("technique_id", suggestion.TechniqueID),
		zap.Float64("confidence", suggestion.Confidence),
		zap.Strings("patterns", suggestion.MatchedPatterns))
}
