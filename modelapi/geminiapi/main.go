package geminiapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/genai"

	"salescoachdev/coacherr"
	"salescoachdev/logger"
	"salescoachdev/metrics"
	"salescoachdev/modelapi"
)

const (
	GEMINI_MODEL_NAME     = "gemini-2.5-flash"
	GEMINI_EMBEDDING_NAME = "gemini-embedding-001"

	TASK_RETRIEVAL_DOCUMENT = "RETRIEVAL_DOCUMENT"
	TASK_RETRIEVAL_QUERY    = "RETRIEVAL_QUERY"
)

const (
	maxRetries = 3
	baseDelay  = 1 * time.Second
)

type GeminiConnectProps struct {
	Logger         *logger.LogMiddleware
	Metrics        *metrics.Recorder
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxWorkers     int
	MaxInputChars  int
}

type Gemini struct {
	logger         *logger.LogMiddleware
	metrics        *metrics.Recorder
	semaphore      *semaphore.Weighted
	client         *genai.Client
	model          string
	embeddingModel string
	maxInputChars  int
	baseDelay      time.Duration
}

func exponentialBackoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<uint(attempt))
}

// Connect builds the client. Without an API key the client is still returned, and every
// call reports coacherr.ErrProviderUnavailable.
func Connect(ctx context.Context, args GeminiConnectProps) (*Gemini, error) {
	tracer := otel.Tracer("geminiapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	maxWorkers := args.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 200
	}
	span.SetAttributes(attribute.Int("maxWorkers", maxWorkers))

	g := &Gemini{
		logger:         args.Logger,
		metrics:        args.Metrics,
		semaphore:      semaphore.NewWeighted(int64(maxWorkers)),
		model:          args.Model,
		embeddingModel: args.EmbeddingModel,
		maxInputChars:  args.MaxInputChars,
		baseDelay:      baseDelay,
	}
	if g.model == "" {
		g.model = GEMINI_MODEL_NAME
	}
	if g.embeddingModel == "" {
		g.embeddingModel = GEMINI_EMBEDDING_NAME
	}

	if strings.TrimSpace(args.APIKey) == "" {
		args.Logger.Logger(ctx).Warn("[GeminiAPI] No API key configured, provider unavailable")
		return g, nil
	}

	args.Logger.Logger(ctx).Info("[GeminiAPI] Connecting Gemini API client", zap.String("model", g.model))
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  args.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		span.RecordError(err)
		args.Logger.Logger(ctx).Error("[GeminiAPI] Could not create Gemini client", zap.Error(err))
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	g.client = client
	return g, nil
}

// Available reports whether the client has credentials.
func (g *Gemini) Available() bool {
	return g != nil && g.client != nil
}

// Complete generates text for prompt. With a schema in opts the answer is JSON conforming
// to it. Transient failures are retried with exponential backoff.
func (g *Gemini) Complete(ctx context.Context, prompt string, opts modelapi.CompleteOptions) (string, error) {
	tracer := otel.Tracer("geminiapi/Complete")
	ctx, span := tracer.Start(ctx, "Complete")
	defer span.End()
	span.SetAttributes(attribute.Bool("structured", opts.Structured()), attribute.String("schema", opts.SchemaName))

	if !g.Available() {
		return "", coacherr.New(coacherr.KindProviderUnavailable, "geminiapi.Complete", errors.New("GEMINI_SECRET_KEY not set"))
	}
	if err := g.semaphore.Acquire(ctx, 1); err != nil {
		return "", coacherr.Provider("geminiapi.Complete", err)
	}
	defer g.semaphore.Release(1)

	thinkingBudget := int32(0)
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(opts.Temperature),
		MaxOutputTokens: opts.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &thinkingBudget,
		},
	}
	if opts.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: opts.System}}}
	}
	if opts.Structured() {
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = opts.Schema
	}

	start := time.Now()
	resp, err := g.generateContentWithRetry(ctx, prompt, config)
	g.metrics.ObserveProviderCall("gemini", "complete", err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		return "", coacherr.Provider("geminiapi.Complete", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", coacherr.New(coacherr.KindMalformedOutput, "geminiapi.Complete", errors.New("empty response"))
	}
	return text, nil
}

func (g *Gemini) generateContentWithRetry(ctx context.Context, prompt string, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	tracer := otel.Tracer("geminiapi/generateContentWithRetry")
	ctx, span := tracer.Start(ctx, "generateContentWithRetry")
	defer span.End()
	g.logger.Logger(ctx).Debug("[GeminiAPI] generateContentWithRetry called", zap.Int("prompt.length", len(prompt)))

	var resp *genai.GenerateContentResponse
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		span.AddEvent("Attempt", trace.WithAttributes(attribute.Int("attemptNumber", attempt+1)))

		resp, err = g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
		if err == nil && resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil && len(resp.Candidates[0].Content.Parts) > 0 {
			span.AddEvent("LLM generation successful")
			return resp, nil
		}

		if err != nil {
			span.RecordError(err)
			g.logger.Logger(ctx).Warn("[GeminiAPI] Error generating LLM content, retrying...",
				zap.Error(err),
				zap.Int("attempt", attempt+1),
				zap.Int("maxRetries", maxRetries))
			if ctx.Err() != nil || !retryable(err) {
				return nil, err
			}
		} else {
			err = errors.New("empty or invalid response")
			span.AddEvent("EmptyResponse")
			g.logger.Logger(ctx).Warn("[GeminiAPI] Received empty or invalid response, retrying...",
				zap.Int("attempt", attempt+1),
				zap.Int("maxRetries", maxRetries))
		}

		if attempt < maxRetries-1 {
			delay := exponentialBackoff(g.baseDelay, attempt)
			span.AddEvent("Backoff", trace.WithAttributes(attribute.Int64("delayMs", delay.Milliseconds())))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	g.logger.Logger(ctx).Error("[GeminiAPI] Final error generating LLM content after retries", zap.Error(err))
	return nil, err
}

// Embed returns a modelapi.EMBEDDING_DIMENSIONS vector for a document being indexed.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	return g.embed(ctx, text, TASK_RETRIEVAL_DOCUMENT)
}

// EmbedQuery embeds a search query. Gemini places queries and documents differently in
// the vector space, so searches must not use Embed.
func (g *Gemini) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return g.embed(ctx, text, TASK_RETRIEVAL_QUERY)
}

func embedConfig(taskType string) *genai.EmbedContentConfig {
	dims := int32(modelapi.EMBEDDING_DIMENSIONS)
	return &genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: &dims,
	}
}

func (g *Gemini) embed(ctx context.Context, text, taskType string) ([]float32, error) {
	tracer := otel.Tracer("geminiapi/Embed")
	ctx, span := tracer.Start(ctx, "Embed")
	defer span.End()
	span.SetAttributes(attribute.String("task_type", taskType))

	if !g.Available() {
		return nil, coacherr.New(coacherr.KindProviderUnavailable, "geminiapi.Embed", errors.New("GEMINI_SECRET_KEY not set"))
	}
	if err := g.semaphore.Acquire(ctx, 1); err != nil {
		return nil, coacherr.Provider("geminiapi.Embed", err)
	}
	defer g.semaphore.Release(1)

	input := modelapi.TruncateForEmbedding(text, g.maxInputChars)
	span.SetAttributes(attribute.Int("input.length", len(input)))

	start := time.Now()
	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(input), embedConfig(taskType))
	g.metrics.ObserveProviderCall("gemini", "embed", err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		g.logger.Logger(ctx).Error("[GeminiAPI] Error embedding text", zap.Error(err))
		return nil, coacherr.Provider("geminiapi.Embed", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, coacherr.New(coacherr.KindMalformedOutput, "geminiapi.Embed", errors.New("no embedding returned"))
	}
	values := resp.Embeddings[0].Values
	if len(values) != modelapi.EMBEDDING_DIMENSIONS {
		return nil, coacherr.New(coacherr.KindMalformedOutput, "geminiapi.Embed",
			fmt.Errorf("got %d dimensions, want %d", len(values), modelapi.EMBEDDING_DIMENSIONS))
	}
	return values, nil
}

// retryable reports whether an API error is worth another attempt.
func retryable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	return true
}
