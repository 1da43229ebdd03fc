package classifier

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"salescoachdev/coacherr"
	"salescoachdev/corpus"
	"salescoachdev/curriculum"
	"salescoachdev/logger"
	"salescoachdev/metrics"
)

// ReviewStore is what the review workflow needs from the document store.
type ReviewStore interface {
	// GetChunk returns coacherr.ErrNotFound for unknown ids.
	GetChunk(ctx context.Context, id string) (corpus.Chunk, error)
	// UpdateReview writes the review fields of c only if the stored status is still
	// expected. It reports whether the row was updated.
	UpdateReview(ctx context.Context, c corpus.Chunk, expected corpus.ReviewStatus) (bool, error)
	// ApproveSuggestedByTechnique promotes every suggested chunk of a technique in one
	// atomic statement and returns the number promoted.
	ApproveSuggestedByTechnique(ctx context.Context, techniqueID string) (int, error)
	// ResetSuggestions clears every suggested or pending flag and returns the count.
	ResetSuggestions(ctx context.Context) (int, error)
	// ReviewQueue lists chunks awaiting review, optionally for one technique.
	ReviewQueue(ctx context.Context, techniqueID string, limit int) ([]corpus.Chunk, error)
}

type ReviewerProps struct {
	Logger     *logger.LogMiddleware
	Store      ReviewStore
	Curriculum *curriculum.Store
	Metrics    *metrics.Recorder
}

type Reviewer struct {
	logger     *logger.LogMiddleware
	store      ReviewStore
	curriculum *curriculum.Store
	metrics    *metrics.Recorder
}

func NewReviewer(args ReviewerProps) *Reviewer {
	return &Reviewer{
		logger:     args.Logger,
		store:      args.Store,
		curriculum: args.Curriculum,
		metrics:    args.Metrics,
	}
}

// Approve promotes a chunk's suggestion to its confirmed label.
func (r *Reviewer) Approve(ctx context.Context, chunkID string) (corpus.Chunk, error) {
	return r.apply(ctx, "approve", chunkID, func(c corpus.Chunk) (corpus.Chunk, error) {
		return c.Approve()
	})
}

// Reject dismisses a chunk's suggestion. A non-empty correction becomes the confirmed label.
func (r *Reviewer) Reject(ctx context.Context, chunkID, correction string) (corpus.Chunk, error) {
	if correction != "" {
		if err := r.knownTechnique(correction); err != nil {
			return corpus.Chunk{}, err
		}
	}
	action := "reject"
	if correction != "" {
		action = "correct"
	}
	return r.apply(ctx, action, chunkID, func(c corpus.Chunk) (corpus.Chunk, error) {
		return c.Reject(correction)
	})
}

// BulkApproveByTechnique promotes every suggested chunk for a technique at once.
func (r *Reviewer) BulkApproveByTechnique(ctx context.Context, techniqueID string) (int, error) {
	tracer := otel.Tracer("classifier/Reviewer.BulkApproveByTechnique")
	ctx, span := tracer.Start(ctx, "Reviewer.BulkApproveByTechnique")
	defer span.End()

	if err := r.knownTechnique(techniqueID); err != nil {
		return 0, err
	}
	n, err := r.store.ApproveSuggestedByTechnique(ctx, techniqueID)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("bulk approve %s: %w", techniqueID, err)
	}
	span.SetAttributes(attribute.Int("chunks.approved", n))
	r.metrics.AddReview("bulk_approve", n)
	r.logger.Logger(ctx).Info("[Review] Bulk approved", zap.String("technique_id", techniqueID), zap.Int("count", n))
	return n, nil
}

// Reset clears all unreviewed suggestions so a fresh tagging pass can start. Confirmed
// labels are kept.
func (r *Reviewer) Reset(ctx context.Context) (int, error) {
	n, err := r.store.ResetSuggestions(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset suggestions: %w", err)
	}
	r.metrics.AddReview("reset", n)
	r.logger.Logger(ctx).Info("[Review] Suggestions reset", zap.Int("count", n))
	return n, nil
}

// Queue lists chunks awaiting review.
func (r *Reviewer) Queue(ctx context.Context, techniqueID string, limit int) ([]corpus.Chunk, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.ReviewQueue(ctx, techniqueID, limit)
}

func (r *Reviewer) apply(ctx context.Context, action, chunkID string, transition func(corpus.Chunk) (corpus.Chunk, error)) (corpus.Chunk, error) {
	tracer := otel.Tracer("classifier/Reviewer." + action)
	ctx, span := tracer.Start(ctx, "Reviewer."+action)
	defer span.End()
	span.SetAttributes(attribute.String("chunk.id", chunkID))

	current, err := r.store.GetChunk(ctx, chunkID)
	if err != nil {
		span.RecordError(err)
		return corpus.Chunk{}, err
	}

	next, err := transition(current)
	if err != nil {
		span.RecordError(err)
		return current, err
	}

	ok, err := r.store.UpdateReview(ctx, next, current.ReviewStatus)
	if err != nil {
		span.RecordError(err)
		return current, fmt.Errorf("%s chunk %s: %w", action, chunkID, err)
	}
	if !ok {
		err := coacherr.Invariant("classifier.Review", "chunk %s changed status concurrently, expected %s", chunkID, current.ReviewStatus)
		span.RecordError(err)
		return current, err
	}

	r.metrics.AddReview(action, 1)
	r.logger.Logger(ctx).Info("[Review] Chunk reviewed",
		zap.String("action", action),
		zap.String("chunk_id", chunkID),
		zap.String("technique_id", next.TechniqueID),
		zap.String("status", string(next.ReviewStatus)))
	return next, nil
}

func (r *Reviewer) knownTechnique(id string) error {
	if r.curriculum == nil {
		return nil
	}
	if _, ok := r.curriculum.Current().Technique(id); !ok {
		return coacherr.Invariant("classifier.Review", "unknown technique %q", id)
	}
	return nil
}
