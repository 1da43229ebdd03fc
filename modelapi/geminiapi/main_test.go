package geminiapi

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"salescoachdev/coacherr"
	"salescoachdev/logger"
	"salescoachdev/modelapi"
)

func TestUnavailableWithoutKey(t *testing.T) {
	g, err := Connect(context.Background(), GeminiConnectProps{Logger: logger.Nop()})
	require.NoError(t, err)
	assert.False(t, g.Available())

	_, err = g.Complete(context.Background(), "hi", modelapi.CompleteOptions{})
	assert.ErrorIs(t, err, coacherr.ErrProviderUnavailable)

	_, err = g.Embed(context.Background(), "hi")
	assert.ErrorIs(t, err, coacherr.ErrProviderUnavailable)

	_, err = g.EmbedQuery(context.Background(), "hi")
	assert.ErrorIs(t, err, coacherr.ErrProviderUnavailable)
}

func TestEmbedConfigTaskTypes(t *testing.T) {
	doc := embedConfig(TASK_RETRIEVAL_DOCUMENT)
	assert.Equal(t, "RETRIEVAL_DOCUMENT", doc.TaskType)
	require.NotNil(t, doc.OutputDimensionality)
	assert.Equal(t, int32(modelapi.EMBEDDING_DIMENSIONS), *doc.OutputDimensionality)

	query := embedConfig(TASK_RETRIEVAL_QUERY)
	assert.Equal(t, "RETRIEVAL_QUERY", query.TaskType)
	assert.Equal(t, *doc.OutputDimensionality, *query.OutputDimensionality)
}

func TestBackoffDoubles(t *testing.T) {
	assert.Equal(t, time.Second, exponentialBackoff(time.Second, 0))
	assert.Equal(t, 4*time.Second, exponentialBackoff(time.Second, 2))
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(genai.APIError{Code: 503}))
	assert.True(t, retryable(genai.APIError{Code: 429}))
	assert.False(t, retryable(genai.APIError{Code: 400}))
}

func TestCompleteStructuredLive(t *testing.T) {
	apiKey := os.Getenv("GEMINI_SECRET_KEY")
	if apiKey == "" {
		t.Skip("GEMINI_SECRET_KEY environment variable not set, skipping test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, err := Connect(ctx, GeminiConnectProps{Logger: logger.Nop(), APIKey: apiKey})
	require.NoError(t, err)

	out, err := g.Complete(ctx, "Name one fruit.", modelapi.CompleteOptions{
		Temperature: 0,
		MaxTokens:   64,
		Schema: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: map[string]*genai.Schema{"fruit": {Type: genai.TypeString}},
			Required:   []string{"fruit"},
		},
		SchemaName: "fruit",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "fruit")
}
