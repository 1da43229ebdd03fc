// Package contextbuilder assembles the layered situational context of a coaching session:
// seller profile, customer scenario, value map and objection bank. Layers are generated
// lazily, in a fixed order, and a provider failure never stops the pipeline: the affected
// layer gets a deterministic fallback that is flagged as such.
package contextbuilder

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"salescoachdev/logger"
	"salescoachdev/metrics"
	"salescoachdev/modelapi"
)

// Generator is the generation provider as seen by the builder.
type Generator interface {
	Complete(ctx context.Context, prompt string, opts modelapi.CompleteOptions) (string, error)
}

type BuilderProps struct {
	Logger    *logger.LogMiddleware
	Generator Generator
	Metrics   *metrics.Recorder
	// Timeout bounds each generation call. Zero means 30s.
	Timeout time.Duration
}

type Builder struct {
	logger  *logger.LogMiddleware
	gen     Generator
	metrics *metrics.Recorder
	timeout time.Duration
}

// Report tells the caller what a Build call produced.
type Report struct {
	Generated []Layer
	Fallbacks []Layer
}

func New(args BuilderProps) *Builder {
	timeout := args.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Builder{logger: args.Logger, gen: args.Generator, metrics: args.Metrics, timeout: timeout}
}

// Build fills in the required layers that are still missing and returns the new layer set.
// Present layers are kept as they are. The base layer is never generated; without it
// nothing else can be built and the result simply stays incomplete.
func (b *Builder) Build(ctx context.Context, current Layers, required []Layer) (Layers, Report) {
	tracer := otel.Tracer("contextbuilder/Build")
	ctx, span := tracer.Start(ctx, "Build")
	defer span.End()

	out := current.Clone()
	var report Report

	if !out.Has(LayerBase) {
		span.AddEvent("BaseMissing")
		return out, report
	}
	// Dependent layers are generated strictly one after another.
	for _, layer := range layerOrder {
		if layer == LayerBase || !slices.Contains(required, layer) || out.Has(layer) {
			continue
		}

		var fallback bool
		switch layer {
		case LayerScenario:
			s := b.generateScenario(ctx, out)
			out.Scenario = &s
			fallback = s.Fallback
		case LayerValueMap:
			v := b.generateValueMap(ctx, out)
			out.ValueMap = &v
			fallback = v.Fallback
		case LayerObjectionBank:
			o := b.generateObjectionBank(ctx, out)
			out.ObjectionBank = &o
			fallback = o.Fallback
		}

		report.Generated = append(report.Generated, layer)
		if fallback {
			report.Fallbacks = append(report.Fallbacks, layer)
		}
		b.metrics.IncContextLayer(string(layer), fallback)
	}

	span.SetAttributes(
		attribute.Int("layers.generated", len(report.Generated)),
		attribute.Int("layers.fallbacks", len(report.Fallbacks)),
	)
	if len(report.Generated) > 0 {
		b.logger.Logger(ctx).Info("[ContextBuilder] Layers built",
			zap.Any("generated", report.Generated),
			zap.Any("fallbacks", report.Fallbacks))
	}
	return out, report
}

// upstream renders only what a layer may depend on: base always, scenario when present.
func upstream(l Layers) string {
	return FormatForPrompt(Layers{Base: l.Base, Scenario: l.Scenario})
}

func (b *Builder) generateScenario(ctx context.Context, l Layers) Scenario {
	prompt := fmt.Sprintf(modelapi.SCENARIO_INSTRUCTION, FormatForPrompt(Layers{Base: l.Base}))
	out, err := complete[scenarioOutput](ctx, b, LayerScenario, prompt, scenarioSchema())
	if err != nil {
		return fallbackScenario(*l.Base)
	}
	return Scenario{
		Situation:    out.Situation,
		CustomerRole: out.CustomerRole,
		Company:      out.Company,
		Trigger:      out.Trigger,
	}
}

func (b *Builder) generateValueMap(ctx context.Context, l Layers) ValueMap {
	prompt := fmt.Sprintf(modelapi.VALUE_MAP_INSTRUCTION, upstream(l))
	out, err := complete[valueMapOutput](ctx, b, LayerValueMap, prompt, valueMapSchema())
	if err != nil {
		return fallbackValueMap(*l.Base)
	}
	return ValueMap{Benefits: out.Benefits, ProofPoints: out.ProofPoints, Differentiators: out.Differentiators}
}

func (b *Builder) generateObjectionBank(ctx context.Context, l Layers) ObjectionBank {
	prompt := fmt.Sprintf(modelapi.OBJECTION_BANK_INSTRUCTION, upstream(l))
	out, err := complete[objectionBankOutput](ctx, b, LayerObjectionBank, prompt, objectionBankSchema())
	if err != nil {
		return fallbackObjectionBank(*l.Base)
	}
	return ObjectionBank{Objections: out.Objections, Concerns: out.Concerns}
}

func complete[T any](ctx context.Context, b *Builder, layer Layer, prompt string, schema *genai.Schema) (T, error) {
	var zero T
	if b.gen == nil {
		b.logger.Logger(ctx).Warn("[ContextBuilder] No generation provider, using fallback", zap.String("layer", string(layer)))
		return zero, fmt.Errorf("no generation provider")
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	opts := modelapi.CompleteOptions{
		Temperature: 0.7,
		MaxTokens:   1024,
		Schema:      schema,
		SchemaName:  string(layer),
	}

	start := time.Now()
	raw, err := b.gen.Complete(callCtx, prompt, opts)
	b.metrics.ObserveProviderCall("generation", "context_"+string(layer), err, time.Since(start))
	if err != nil {
		b.logger.Logger(ctx).Warn("[ContextBuilder] Generation failed, using fallback",
			zap.String("layer", string(layer)), zap.Error(err))
		return zero, err
	}

	out, err := modelapi.DecodeStrict[T](raw)
	if err != nil {
		b.logger.Logger(ctx).Warn("[ContextBuilder] Malformed structured output, using fallback",
			zap.String("layer", string(layer)), zap.Error(err), zap.Int("output.length", len(raw)))
		return zero, err
	}
	return out, nil
}
