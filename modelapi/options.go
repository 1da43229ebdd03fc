package modelapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"salescoachdev/coacherr"
)

// EMBEDDING_DIMENSIONS is the vector length the document store indexes.
const EMBEDDING_DIMENSIONS = 1536

// EMBED_MAX_INPUT_CHARS bounds the text submitted to an embedding provider.
const EMBED_MAX_INPUT_CHARS = 8000

// CompleteOptions configures one generation call.
type CompleteOptions struct {
	System      string
	Temperature float32
	MaxTokens   int32
	// Schema switches the provider into schema-constrained JSON output.
	Schema     *genai.Schema
	SchemaName string
}

// Structured reports whether the call requests JSON output.
func (o CompleteOptions) Structured() bool {
	return o.Schema != nil
}

// TruncateForEmbedding cuts text to the provider's input budget on a rune boundary.
func TruncateForEmbedding(text string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = EMBED_MAX_INPUT_CHARS
	}
	if len(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}

// Validator is implemented by decoded provider payloads that can check their own
// required fields.
type Validator interface {
	Validate() error
}

// DecodeStrict decodes a structured provider answer into T. Unknown fields, trailing data
// and failed validation are all reported as malformed output; nothing is guessed.
func DecodeStrict[T any](raw string) (T, error) {
	var out T
	text := stripFences(raw)
	if text == "" {
		return out, coacherr.New(coacherr.KindMalformedOutput, "modelapi.DecodeStrict", fmt.Errorf("empty output"))
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, coacherr.New(coacherr.KindMalformedOutput, "modelapi.DecodeStrict", err)
	}
	if dec.More() {
		return out, coacherr.New(coacherr.KindMalformedOutput, "modelapi.DecodeStrict", fmt.Errorf("trailing data after JSON value"))
	}
	if v, ok := any(&out).(Validator); ok {
		if err := v.Validate(); err != nil {
			return out, coacherr.New(coacherr.KindMalformedOutput, "modelapi.DecodeStrict", err)
		}
	}
	return out, nil
}

// stripFences removes a single surrounding markdown code fence, which some providers add
// even in JSON mode.
func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
