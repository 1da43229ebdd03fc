package postgres

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// schema is applied on startup. Every statement is idempotent.
var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,

	`CREATE TABLE IF NOT EXISTS corpus_chunks (
		id                     TEXT PRIMARY KEY,
		source_id              TEXT NOT NULL,
		doc_type               TEXT NOT NULL DEFAULT 'training',
		title                  TEXT NOT NULL DEFAULT '',
		content                TEXT NOT NULL,
		metadata               JSONB NOT NULL DEFAULT '{}',
		technique_id           TEXT NOT NULL DEFAULT '',
		suggested_technique_id TEXT NOT NULL DEFAULT '',
		suggestion_confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
		review_status          TEXT NOT NULL DEFAULT 'none',
		needs_review           BOOLEAN NOT NULL DEFAULT FALSE,
		embedding              vector(1536),
		created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS corpus_chunks_embedding_idx ON corpus_chunks USING hnsw (embedding vector_cosine_ops)`,
	`CREATE INDEX IF NOT EXISTS corpus_chunks_review_idx ON corpus_chunks (review_status, suggested_technique_id)`,
	`CREATE INDEX IF NOT EXISTS corpus_chunks_technique_idx ON corpus_chunks (technique_id)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		learner_id TEXT NOT NULL DEFAULT '',
		mode       TEXT NOT NULL,
		phase      INTEGER NOT NULL,
		state      JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS turns (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq          INTEGER NOT NULL,
		role         TEXT NOT NULL,
		technique_id TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL,
		metadata     JSONB NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL,
		UNIQUE (session_id, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS learners (
		telegram_user_id    BIGINT PRIMARY KEY,
		telegram_username   TEXT NOT NULL DEFAULT '',
		telegram_first_name TEXT NOT NULL DEFAULT '',
		telegram_last_name  TEXT NOT NULL DEFAULT '',
		active_session_id   TEXT REFERENCES sessions(id) ON DELETE SET NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the tables and indexes the store needs.
func (d *Database) Migrate(ctx context.Context) error {
	tracer := otel.Tracer("postgres/Migrate")
	ctx, span := tracer.Start(ctx, "Migrate")
	defer span.End()

	for i, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			d.logger.Logger(ctx).Error("[Postgres] Migration failed", zap.Int("statement", i), zap.Error(err))
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	d.logger.Logger(ctx).Info("[Postgres] Schema ready", zap.Int("statements", len(schema)))
	return nil
}
