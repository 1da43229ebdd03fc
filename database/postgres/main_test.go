package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salescoachdev/coacherr"
	"salescoachdev/corpus"
	"salescoachdev/logger"
	"salescoachdev/modelapi"
	"salescoachdev/session"
)

func TestFilterClause(t *testing.T) {
	where, args := filterClause(corpus.Filter{}, []any{"vec", 0.6})
	assert.Empty(t, where)
	assert.Len(t, args, 2)

	where, args = filterClause(corpus.Filter{DocType: "training", TechniqueID: "2.1.8", EmbeddedOnly: true}, []any{"vec", 0.6})
	assert.Equal(t,
		" AND doc_type = $3 AND (technique_id = $4 OR (technique_id = '' AND suggested_technique_id = $4 AND review_status = ANY($5))) AND embedding IS NOT NULL",
		where)
	require.Len(t, args, 5)
	assert.Equal(t, "training", args[2])
	assert.Equal(t, "2.1.8", args[3])
}

// connectTestDB needs a Postgres with the vector extension available.
func connectTestDB(t *testing.T) *Database {
	t.Helper()
	host := os.Getenv("POSTGRES_DB_HOST")
	if host == "" {
		t.Skip("POSTGRES_DB_HOST environment variable not set, skipping test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := Connect(ctx, DatabaseConnectProps{
		Logger:     logger.Nop(),
		Host:       host,
		Port:       os.Getenv("POSTGRES_DB_PORT"),
		User:       os.Getenv("POSTGRES_DB_USER"),
		Password:   os.Getenv("POSTGRES_DB_PASS"),
		Name:       os.Getenv("POSTGRES_DB_NAME"),
		Retries:    1,
		RetryDelay: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(ctx))
	t.Cleanup(func() { db.Close() })
	return db
}

func unitVector(axis int) []float32 {
	v := make([]float32, modelapi.EMBEDDING_DIMENSIONS)
	v[axis] = 1
	return v
}

func TestChunkLifecycle(t *testing.T) {
	db := connectTestDB(t)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, db.UpsertChunk(ctx, corpus.Chunk{
		ID:        id,
		SourceID:  "doc-" + id,
		DocType:   corpus.DocTypeTraining,
		Title:     "Summarising",
		Content:   "If I understand correctly, you want to cut waiting times.",
		Embedding: unitVector(3),
	}))
	t.Cleanup(func() { db.db.Exec(`DELETE FROM corpus_chunks WHERE id = $1`, id) })

	exists, err := db.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	results, err := db.SimilaritySearch(ctx, unitVector(3), 0.99, 5, corpus.Filter{DocType: corpus.DocTypeTraining})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)

	ok, err := db.MarkSuggested(ctx, id, "2.1.8", 0.6)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.MarkSuggested(ctx, id, "3.1", 0.6)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := db.Count(ctx, corpus.Filter{TechniqueID: "2.1.8"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	c, err := db.GetChunk(ctx, id)
	require.NoError(t, err)
	approved, err := c.Approve()
	require.NoError(t, err)
	ok, err = db.UpdateReview(ctx, approved, corpus.ReviewSuggested)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.UpdateReview(ctx, approved, corpus.ReviewSuggested)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = db.GetChunk(ctx, uuid.NewString())
	assert.ErrorIs(t, err, coacherr.ErrNotFound)
}

func TestSessionRepository(t *testing.T) {
	db := connectTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	s := session.Session{ID: uuid.NewString(), Phase: 1, Mode: session.ModeRoleplay, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.CreateSession(ctx, s))

	s.TurnCount = 2
	turns := []session.Turn{
		{ID: uuid.NewString(), SessionID: s.ID, Seq: 1, Role: session.RoleSeller, Content: "Hello", CreatedAt: now},
		{ID: uuid.NewString(), SessionID: s.ID, Seq: 2, Role: session.RoleCustomer, Content: "Hi", CreatedAt: now,
			Metadata: session.TurnMetadata{Attitude: "curious"}},
	}
	require.NoError(t, db.SaveTurn(ctx, s, turns...))

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TurnCount)

	listed, err := db.ListTurns(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "curious", listed[1].Metadata.Attitude)

	require.NoError(t, db.DeleteSession(ctx, s.ID))
	_, err = db.ListTurns(ctx, s.ID)
	assert.ErrorIs(t, err, coacherr.ErrNotFound)
	assert.ErrorIs(t, db.DeleteSession(ctx, s.ID), coacherr.ErrNotFound)
}
