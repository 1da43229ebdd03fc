package openaiapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
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
	OPENAI_CHAT_MODEL      = "gpt-4o-mini"
	OPENAI_EMBEDDING_MODEL = "text-embedding-3-small"

	// Base URLs of OpenAI-compatible providers.
	GROQ_BASE_URL      = "https://api.groq.com/openai/v1"
	DEEPINFRA_BASE_URL = "https://api.deepinfra.com/v1/openai"
)

const (
	maxRetries = 3
	baseDelay  = 1 * time.Second
)

type OpenAIConnectProps struct {
	Logger         *logger.LogMiddleware
	Metrics        *metrics.Recorder
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbeddingModel string
	MaxWorkers     int
	MaxInputChars  int
}

type OpenAI struct {
	logger         *logger.LogMiddleware
	metrics        *metrics.Recorder
	semaphore      *semaphore.Weighted
	client         *openai.Client
	provider       string
	chatModel      string
	embeddingModel string
	maxInputChars  int
	baseDelay      time.Duration
}

// Connect builds the client. Without an API key the client is still returned, and every
// call reports coacherr.ErrProviderUnavailable.
func Connect(ctx context.Context, args OpenAIConnectProps) *OpenAI {
	tracer := otel.Tracer("openaiapi/Connect")
	ctx, span := tracer.Start(ctx, "Connect")
	defer span.End()

	maxWorkers := args.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	span.SetAttributes(attribute.Int("maxWorkers", maxWorkers), attribute.String("baseURL", args.BaseURL))

	o := &OpenAI{
		logger:         args.Logger,
		metrics:        args.Metrics,
		semaphore:      semaphore.NewWeighted(int64(maxWorkers)),
		provider:       providerName(args.BaseURL),
		chatModel:      args.ChatModel,
		embeddingModel: args.EmbeddingModel,
		maxInputChars:  args.MaxInputChars,
		baseDelay:      baseDelay,
	}
	if o.chatModel == "" {
		o.chatModel = OPENAI_CHAT_MODEL
	}
	if o.embeddingModel == "" {
		o.embeddingModel = OPENAI_EMBEDDING_MODEL
	}

	if strings.TrimSpace(args.APIKey) == "" {
		args.Logger.Logger(ctx).Warn("[OpenAIAPI] No API key configured, provider unavailable", zap.String("provider", o.provider))
		return o
	}

	opts := []option.RequestOption{
		option.WithAPIKey(args.APIKey),
		// Retries are handled here with our own backoff.
		option.WithMaxRetries(0),
	}
	if args.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(args.BaseURL))
	}
	client := openai.NewClient(opts...)
	o.client = &client

	args.Logger.Logger(ctx).Info("[OpenAIAPI] Connected OpenAI-compatible client",
		zap.String("provider", o.provider),
		zap.String("chat_model", o.chatModel),
		zap.String("embedding_model", o.embeddingModel))
	return o
}

func providerName(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "groq"):
		return "groq"
	case strings.Contains(baseURL, "deepinfra"):
		return "deepinfra"
	}
	return "openai"
}

// Available reports whether the client has credentials.
func (o *OpenAI) Available() bool {
	return o != nil && o.client != nil
}

// Embed returns a modelapi.EMBEDDING_DIMENSIONS vector for text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	tracer := otel.Tracer("openaiapi/Embed")
	ctx, span := tracer.Start(ctx, "Embed")
	defer span.End()

	if !o.Available() {
		return nil, coacherr.New(coacherr.KindProviderUnavailable, "openaiapi.Embed", errors.New("OPENAI_SECRET_KEY not set"))
	}
	if err := o.semaphore.Acquire(ctx, 1); err != nil {
		return nil, coacherr.Provider("openaiapi.Embed", err)
	}
	defer o.semaphore.Release(1)

	input := modelapi.TruncateForEmbedding(text, o.maxInputChars)
	span.SetAttributes(attribute.Int("input.length", len(input)))

	start := time.Now()
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfString: openai.String(input)},
		Model:          openai.EmbeddingModel(o.embeddingModel),
		Dimensions:     openai.Int(modelapi.EMBEDDING_DIMENSIONS),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	o.metrics.ObserveProviderCall(o.provider, "embed", err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		o.logger.Logger(ctx).Error("[OpenAIAPI] Error embedding text", zap.Error(err))
		return nil, classify("openaiapi.Embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, coacherr.New(coacherr.KindMalformedOutput, "openaiapi.Embed", errors.New("no embedding returned"))
	}

	raw := resp.Data[0].Embedding
	if len(raw) != modelapi.EMBEDDING_DIMENSIONS {
		return nil, coacherr.New(coacherr.KindMalformedOutput, "openaiapi.Embed",
			fmt.Errorf("got %d dimensions, want %d", len(raw), modelapi.EMBEDDING_DIMENSIONS))
	}
	vector := make([]float32, len(raw))
	for i, v := range raw {
		vector[i] = float32(v)
	}
	return vector, nil
}

// Complete generates text for prompt. With a schema in opts the answer is constrained to
// it through the json_schema response format.
func (o *OpenAI) Complete(ctx context.Context, prompt string, opts modelapi.CompleteOptions) (string, error) {
	tracer := otel.Tracer("openaiapi/Complete")
	ctx, span := tracer.Start(ctx, "Complete")
	defer span.End()
	span.SetAttributes(attribute.Bool("structured", opts.Structured()), attribute.String("schema", opts.SchemaName))

	if !o.Available() {
		return "", coacherr.New(coacherr.KindProviderUnavailable, "openaiapi.Complete", errors.New("OPENAI_SECRET_KEY not set"))
	}
	if err := o.semaphore.Acquire(ctx, 1); err != nil {
		return "", coacherr.Provider("openaiapi.Complete", err)
	}
	defer o.semaphore.Release(1)

	var messages []openai.ChatCompletionMessageParamUnion
	if opts.System != "" {
		messages = append(messages, openai.SystemMessage(opts.System))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(o.chatModel),
		Messages:    messages,
		Temperature: openai.Float(float64(opts.Temperature)),
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Structured() {
		name := opts.SchemaName
		if name == "" {
			name = "response"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: JSONSchema(opts.Schema),
					Strict: openai.Bool(true),
				},
			},
		}
	}

	start := time.Now()
	text, err := o.completeWithRetry(ctx, params)
	o.metrics.ObserveProviderCall(o.provider, "complete", err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return text, nil
}

func (o *OpenAI) completeWithRetry(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	span := trace.SpanFromContext(ctx)
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		span.AddEvent("Attempt", trace.WithAttributes(attribute.Int("attemptNumber", attempt+1)))

		var resp *openai.ChatCompletion
		resp, err = o.client.Chat.Completions.New(ctx, params)
		if err == nil {
			if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
				return "", coacherr.New(coacherr.KindMalformedOutput, "openaiapi.Complete", errors.New("empty response"))
			}
			return resp.Choices[0].Message.Content, nil
		}

		permanent := clientError(err)
		err = classify("openaiapi.Complete", err)
		o.logger.Logger(ctx).Warn("[OpenAIAPI] Error generating completion",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Int("maxRetries", maxRetries))
		if ctx.Err() != nil || permanent || !coacherr.Retryable(err) {
			return "", err
		}

		if attempt < maxRetries-1 {
			delay := o.baseDelay * time.Duration(1<<uint(attempt))
			span.AddEvent("Backoff", trace.WithAttributes(attribute.Int64("delayMs", delay.Milliseconds())))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", coacherr.Provider("openaiapi.Complete", ctx.Err())
			case <-timer.C:
			}
		}
	}

	o.logger.Logger(ctx).Error("[OpenAIAPI] Final error generating completion after retries", zap.Error(err))
	return "", err
}

// classify maps an API error onto the coaching error taxonomy. Authentication failures
// mean the provider is unusable with the configured credentials; every other status is a
// provider error. Malformed output is reserved for responses that fail to decode.
func classify(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 401 || apiErr.StatusCode == 403 {
			return coacherr.New(coacherr.KindProviderUnavailable, op, err)
		}
		return coacherr.New(coacherr.KindProviderError, op, err)
	}
	return coacherr.Provider(op, err)
}

// clientError reports a 4xx other than 429, which fails the same way on every attempt.
func clientError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429
	}
	return false
}

// JSONSchema converts a genai schema into the JSON Schema map the json_schema response
// format expects. Strict mode needs every property required and no extra properties.
func JSONSchema(s *genai.Schema) map[string]any {
	if s == nil {
		return map[string]any{"type": "object"}
	}
	out := map[string]any{}
	if s.Type != "" {
		out["type"] = strings.ToLower(string(s.Type))
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Items != nil {
		out["items"] = JSONSchema(s.Items)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		required := make([]string, 0, len(s.Properties))
		names := s.PropertyOrdering
		if len(names) == 0 {
			for name := range s.Properties {
				names = append(names, name)
			}
		}
		for _, name := range names {
			prop, ok := s.Properties[name]
			if !ok {
				continue
			}
			props[name] = JSONSchema(prop)
			required = append(required, name)
		}
		out["properties"] = props
		out["required"] = required
		out["additionalProperties"] = false
	}
	return out
}
