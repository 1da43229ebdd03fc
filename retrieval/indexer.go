package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"salescoachdev/coacherr"
	"salescoachdev/corpus"
	"salescoachdev/logger"
	"salescoachdev/metrics"
	"salescoachdev/modelapi"
)

// Indexing statuses.
const (
	StatusCompleted           = "completed"
	StatusProviderUnavailable = "provider_unavailable"
	StatusCancelled           = "cancelled"
)

// IndexStore is the write side of the document store.
type IndexStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	UpsertChunk(ctx context.Context, c corpus.Chunk) error
}

type IndexerProps struct {
	Logger   *logger.LogMiddleware
	Embedder Embedder
	Store    IndexStore
	Metrics  *metrics.Recorder
	// Delay is waited between embedding calls.
	Delay         time.Duration
	MaxInputChars int
	Timeout       time.Duration
}

type Indexer struct {
	logger   *logger.LogMiddleware
	embedder Embedder
	store    IndexStore
	metrics  *metrics.Recorder
	delay    time.Duration
	maxChars int
	timeout  time.Duration
}

// IndexFailure is a document that could not be indexed.
type IndexFailure struct {
	DocumentID string `json:"documentId"`
	Error      string `json:"error"`
}

// IndexReport summarizes a batch.
type IndexReport struct {
	Indexed  int            `json:"indexed"`
	Skipped  int            `json:"skipped"`
	Errors   int            `json:"errors"`
	Failures []IndexFailure `json:"failures,omitempty"`
	Status   string         `json:"status"`
}

func NewIndexer(args IndexerProps) *Indexer {
	ix := &Indexer{
		logger:   args.Logger,
		embedder: args.Embedder,
		store:    args.Store,
		metrics:  args.Metrics,
		delay:    args.Delay,
		maxChars: args.MaxInputChars,
		timeout:  args.Timeout,
	}
	if ix.maxChars <= 0 {
		ix.maxChars = modelapi.EMBED_MAX_INPUT_CHARS
	}
	if ix.timeout <= 0 {
		ix.timeout = 30 * time.Second
	}
	return ix
}

// Index embeds and stores every document not already present. Per-document failures are
// counted and the batch goes on; an unavailable provider aborts the batch at once. Each
// document is written independently, so a cancelled run leaves committed items intact.
func (ix *Indexer) Index(ctx context.Context, docs []corpus.Document) IndexReport {
	tracer := otel.Tracer("retrieval/Index")
	ctx, span := tracer.Start(ctx, "Index")
	defer span.End()
	span.SetAttributes(attribute.Int("documents.total", len(docs)))

	report := IndexReport{Status: StatusCompleted}
	seen := make(map[string]struct{}, len(docs))
	calls := 0

	for i, doc := range docs {
		if ctx.Err() != nil {
			report.Status = StatusCancelled
			break
		}

		id := corpus.SurrogateID(doc.ID)
		if _, dup := seen[id]; dup {
			report.Skipped++
			ix.metrics.IncIndexed("skipped")
			continue
		}
		seen[id] = struct{}{}

		exists, err := ix.store.Exists(ctx, id)
		if err != nil {
			ix.fail(ctx, &report, doc.ID, fmt.Errorf("check existing: %w", err))
			continue
		}
		if exists {
			report.Skipped++
			ix.metrics.IncIndexed("skipped")
			continue
		}
		if strings.TrimSpace(doc.Content) == "" {
			ix.fail(ctx, &report, doc.ID, errors.New("empty content"))
			continue
		}

		if calls > 0 && !ix.wait(ctx) {
			report.Status = StatusCancelled
			break
		}
		calls++

		vector, err := ix.embed(ctx, doc.Content)
		if err != nil {
			if errors.Is(err, coacherr.ErrProviderUnavailable) {
				report.Status = StatusProviderUnavailable
				span.RecordError(err)
				ix.logger.Logger(ctx).Error("[Indexer] Embedding provider unavailable, aborting batch",
					zap.Int("position", i), zap.Error(err))
				break
			}
			ix.fail(ctx, &report, doc.ID, err)
			continue
		}

		docType := doc.Type
		if docType == "" {
			docType = corpus.DocTypeTraining
		}
		chunk := corpus.Chunk{
			ID:           id,
			SourceID:     doc.ID,
			DocType:      docType,
			Title:        doc.Title,
			Content:      doc.Content,
			Metadata:     doc.Metadata,
			ReviewStatus: corpus.ReviewNone,
			Embedding:    vector,
		}
		if err := ix.store.UpsertChunk(ctx, chunk); err != nil {
			ix.fail(ctx, &report, doc.ID, fmt.Errorf("upsert: %w", err))
			continue
		}
		report.Indexed++
		ix.metrics.IncIndexed("indexed")
	}

	span.SetAttributes(
		attribute.Int("documents.indexed", report.Indexed),
		attribute.Int("documents.skipped", report.Skipped),
		attribute.Int("documents.errors", report.Errors),
		attribute.String("status", report.Status),
	)
	ix.logger.Logger(ctx).Info("[Indexer] Batch finished",
		zap.String("status", report.Status),
		zap.Int("indexed", report.Indexed),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors))
	return report
}

func (ix *Indexer) embed(ctx context.Context, content string) ([]float32, error) {
	if ix.embedder == nil {
		return nil, coacherr.New(coacherr.KindProviderUnavailable, "retrieval.Index", errors.New("no embedding provider configured"))
	}
	callCtx, cancel := context.WithTimeout(ctx, ix.timeout)
	defer cancel()

	start := time.Now()
	vector, err := ix.embedder.Embed(callCtx, modelapi.TruncateForEmbedding(content, ix.maxChars))
	ix.metrics.ObserveProviderCall("embedding", "index", err, time.Since(start))
	if err != nil {
		return nil, coacherr.Provider("retrieval.Index", err)
	}
	if len(vector) != modelapi.EMBEDDING_DIMENSIONS {
		return nil, coacherr.New(coacherr.KindMalformedOutput, "retrieval.Index",
			fmt.Errorf("embedding has %d dimensions, want %d", len(vector), modelapi.EMBEDDING_DIMENSIONS))
	}
	return vector, nil
}

func (ix *Indexer) fail(ctx context.Context, report *IndexReport, docID string, err error) {
	report.Errors++
	report.Failures = append(report.Failures, IndexFailure{DocumentID: docID, Error: err.Error()})
	ix.metrics.IncIndexed("error")
	ix.logger.Logger(ctx).Warn("[Indexer] Document failed", zap.String("document_id", docID), zap.Error(err))
}

// wait sleeps for the throttle delay. It returns false if ctx ended first.
func (ix *Indexer) wait(ctx context.Context) bool {
	if ix.delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(ix.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
