package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"salescoachdev/coacherr"
	"salescoachdev/corpus"
)

const chunkColumns = `id, source_id, doc_type, title, content, metadata, technique_id, suggested_technique_id,
	suggestion_confidence, review_status, needs_review, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner, extra ...any) (corpus.Chunk, error) {
	var c corpus.Chunk
	var metadata []byte
	var status string
	dest := []any{
		&c.ID, &c.SourceID, &c.DocType, &c.Title, &c.Content, &metadata, &c.TechniqueID,
		&c.SuggestedTechniqueID, &c.SuggestionConfidence, &status, &c.NeedsReview, &c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return c, err
	}
	c.ReviewStatus = corpus.ReviewStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return c, fmt.Errorf("decode metadata of chunk %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func awaitingStatuses() pq.StringArray {
	var out pq.StringArray
	for _, s := range corpus.ReviewableStatuses() {
		out = append(out, string(s))
	}
	return out
}

// filterClause renders f as SQL conditions, numbering placeholders after args.
func filterClause(f corpus.Filter, args []any) (string, []any) {
	var conds []string
	if f.DocType != "" {
		args = append(args, f.DocType)
		conds = append(conds, fmt.Sprintf("doc_type = $%d", len(args)))
	}
	if f.TechniqueID != "" {
		args = append(args, f.TechniqueID, awaitingStatuses())
		conds = append(conds, fmt.Sprintf(
			"(technique_id = $%[1]d OR (technique_id = '' AND suggested_technique_id = $%[1]d AND review_status = ANY($%[2]d)))",
			len(args)-1, len(args)))
	}
	if f.EmbeddedOnly {
		conds = append(conds, "embedding IS NOT NULL")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// SimilaritySearch returns chunks whose cosine similarity to vector is at least threshold,
// most similar first.
func (d *Database) SimilaritySearch(ctx context.Context, vector []float32, threshold float64, limit int, filter corpus.Filter) ([]corpus.ScoredChunk, error) {
	tracer := otel.Tracer("postgres/SimilaritySearch")
	ctx, span := tracer.Start(ctx, "SimilaritySearch")
	defer span.End()

	args := []any{pgvector.NewVector(vector), threshold}
	where, args := filterClause(filter, args)
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s, 1 - (embedding <=> $1) AS similarity
		FROM corpus_chunks
		WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1) >= $2%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, chunkColumns, where, len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		d.logger.Logger(ctx).Error("[Postgres] Similarity search failed", zap.Error(err))
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var out []corpus.ScoredChunk
	for rows.Next() {
		var similarity float64
		c, err := scanChunk(rows, &similarity)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, corpus.ScoredChunk{Chunk: c, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// Count returns the number of chunks matching filter.
func (d *Database) Count(ctx context.Context, filter corpus.Filter) (int, error) {
	where, args := filterClause(filter, nil)
	var n int
	err := d.db.QueryRowContext(ctx, "SELECT count(*) FROM corpus_chunks WHERE TRUE"+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Exists reports whether a chunk with id is stored.
func (d *Database) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM corpus_chunks WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check chunk %s: %w", id, err)
	}
	return exists, nil
}

// UpsertChunk stores a chunk with its vector. Labels and review state of an existing row
// are left alone.
func (d *Database) UpsertChunk(ctx context.Context, c corpus.Chunk) error {
	tracer := otel.Tracer("postgres/UpsertChunk")
	ctx, span := tracer.Start(ctx, "UpsertChunk")
	defer span.End()

	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if c.Metadata == nil {
		metadata = []byte("{}")
	}
	status := c.ReviewStatus
	if status == "" {
		status = corpus.ReviewNone
	}

	var embedding any
	if len(c.Embedding) > 0 {
		embedding = pgvector.NewVector(c.Embedding)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO corpus_chunks (id, source_id, doc_type, title, content, metadata, technique_id,
			suggested_technique_id, suggestion_confidence, review_status, needs_review, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			source_id = EXCLUDED.source_id,
			doc_type = EXCLUDED.doc_type,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			updated_at = now()`,
		c.ID, c.SourceID, c.DocType, c.Title, c.Content, metadata, c.TechniqueID,
		c.SuggestedTechniqueID, c.SuggestionConfidence, string(status), c.NeedsReview, embedding)
	if err != nil {
		span.RecordError(err)
		d.logger.Logger(ctx).Error("[Postgres] Could not upsert chunk", zap.String("chunk_id", c.ID), zap.Error(err))
		return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
	}
	return nil
}

// UnlabeledChunks pages through chunks without any label, ordered by id.
func (d *Database) UnlabeledChunks(ctx context.Context, afterID string, limit int) ([]corpus.Chunk, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+chunkColumns+`
		FROM corpus_chunks
		WHERE id > $1 AND technique_id = '' AND suggested_technique_id = ''
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unlabeled chunks: %w", err)
	}
	return collectChunks(rows)
}

func collectChunks(rows *sql.Rows) ([]corpus.Chunk, error) {
	defer rows.Close()
	var out []corpus.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkSuggested records a label suggestion if the chunk is still unlabeled.
func (d *Database) MarkSuggested(ctx context.Context, chunkID, techniqueID string, confidence float64) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE corpus_chunks
		SET suggested_technique_id = $2, suggestion_confidence = $3, review_status = $4,
			needs_review = TRUE, updated_at = now()
		WHERE id = $1 AND technique_id = '' AND suggested_technique_id = ''`,
		chunkID, techniqueID, confidence, string(corpus.ReviewSuggested))
	if err != nil {
		return false, fmt.Errorf("mark chunk %s suggested: %w", chunkID, err)
	}
	return affected(res)
}

// GetChunk loads one chunk.
func (d *Database) GetChunk(ctx context.Context, id string) (corpus.Chunk, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM corpus_chunks WHERE id = $1`, id)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return corpus.Chunk{}, coacherr.New(coacherr.KindNotFound, "postgres.GetChunk", fmt.Errorf("chunk %s", id))
	}
	if err != nil {
		return corpus.Chunk{}, fmt.Errorf("get chunk %s: %w", id, err)
	}
	return c, nil
}

// UpdateReview writes the review fields of c if the stored status still equals expected.
func (d *Database) UpdateReview(ctx context.Context, c corpus.Chunk, expected corpus.ReviewStatus) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE corpus_chunks
		SET technique_id = $2, suggested_technique_id = $3, suggestion_confidence = $4,
			review_status = $5, needs_review = $6, updated_at = now()
		WHERE id = $1 AND review_status = $7`,
		c.ID, c.TechniqueID, c.SuggestedTechniqueID, c.SuggestionConfidence,
		string(c.ReviewStatus), c.NeedsReview, string(expected))
	if err != nil {
		return false, fmt.Errorf("update review of chunk %s: %w", c.ID, err)
	}
	return affected(res)
}

// ApproveSuggestedByTechnique confirms every awaiting suggestion of a technique.
func (d *Database) ApproveSuggestedByTechnique(ctx context.Context, techniqueID string) (int, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE corpus_chunks
		SET technique_id = suggested_technique_id, review_status = $2, needs_review = FALSE, updated_at = now()
		WHERE suggested_technique_id = $1 AND review_status = ANY($3)`,
		techniqueID, string(corpus.ReviewApproved), awaitingStatuses())
	if err != nil {
		return 0, fmt.Errorf("bulk approve %s: %w", techniqueID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetSuggestions clears every unreviewed suggestion. Confirmed labels survive.
func (d *Database) ResetSuggestions(ctx context.Context) (int, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE corpus_chunks
		SET suggested_technique_id = '', suggestion_confidence = 0, needs_review = FALSE,
			review_status = CASE WHEN technique_id <> '' THEN $1 ELSE $2 END,
			updated_at = now()
		WHERE review_status = ANY($3)`,
		string(corpus.ReviewApproved), string(corpus.ReviewNone), awaitingStatuses())
	if err != nil {
		return 0, fmt.Errorf("reset suggestions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReviewQueue lists chunks awaiting review, most confident first.
func (d *Database) ReviewQueue(ctx context.Context, techniqueID string, limit int) ([]corpus.Chunk, error) {
	args := []any{awaitingStatuses()}
	query := `SELECT ` + chunkColumns + ` FROM corpus_chunks WHERE review_status = ANY($1)`
	if techniqueID != "" {
		args = append(args, techniqueID)
		query += ` AND suggested_technique_id = $2`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY suggestion_confidence DESC, id LIMIT $%d`, len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("review queue: %w", err)
	}
	return collectChunks(rows)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
