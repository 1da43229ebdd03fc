package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"salescoachdev/modelapi"
)

type feedbackOutput struct {
	Summary      string   `json:"summary"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
}

func (f *feedbackOutput) Validate() error {
	if strings.TrimSpace(f.Summary) == "" {
		return fmt.Errorf("summary is empty")
	}
	return nil
}

func feedbackSchema() *genai.Schema {
	list := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeArray, Description: desc, Items: &genai.Schema{Type: genai.TypeString}}
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"summary":      {Type: genai.TypeString, Description: "Two sentence summary of the roleplay."},
			"strengths":    list("What the seller did well."),
			"improvements": list("What the seller should work on."),
		},
		Required:         []string{"summary", "strengths", "improvements"},
		PropertyOrdering: []string{"summary", "strengths", "improvements"},
	}
}

// generateFeedback asks the provider for coaching feedback and falls back to a summary of
// the evaluations when that fails. It never returns an error so a session can always finish.
func (e *Engine) generateFeedback(ctx context.Context, s Session, history []Turn) Feedback {
	if e.gen == nil {
		return fallbackFeedback(s)
	}

	prompt := fmt.Sprintf(modelapi.FEEDBACK_INSTRUCTION, formatEvaluations(s.Evaluations), formatHistory(history, 0))
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.gen.Complete(callCtx, prompt, modelapi.CompleteOptions{
		Temperature: 0.3,
		MaxTokens:   800,
		Schema:      feedbackSchema(),
		SchemaName:  "feedback",
	})
	if err == nil {
		var out feedbackOutput
		if out, err = modelapi.DecodeStrict[feedbackOutput](raw); err == nil {
			return Feedback{Summary: strings.TrimSpace(out.Summary), Strengths: out.Strengths, Improvements: out.Improvements}
		}
	}
	e.logger.Logger(ctx).Warn("[Session] Feedback generation failed, using fallback",
		zap.String("session_id", s.ID), zap.Error(err))
	return fallbackFeedback(s)
}

func fallbackFeedback(s Session) Feedback {
	fb := Feedback{Fallback: true, Strengths: []string{}, Improvements: []string{}}
	passed := 0
	for _, ev := range s.Evaluations {
		switch ev.Outcome {
		case OutcomePassed:
			passed++
			fb.Strengths = append(fb.Strengths, fmt.Sprintf("You applied %s.", ev.TechniqueID))
		case OutcomeForced:
			fb.Improvements = append(fb.Improvements, fmt.Sprintf("Practise %s again.", ev.TechniqueID))
		}
	}
	for _, id := range s.TechniqueBacklog {
		fb.Improvements = append(fb.Improvements, fmt.Sprintf("You did not reach %s yet.", id))
	}
	fb.Summary = fmt.Sprintf("You completed %d of %d techniques and scored %.0f points.",
		passed, len(s.Evaluations)+len(s.TechniqueBacklog), s.ScoreTotal)
	return fb
}

func formatEvaluations(evs []Evaluation) string {
	if len(evs) == 0 {
		return "(no technique was evaluated)\n"
	}
	var sb strings.Builder
	for _, ev := range evs {
		fmt.Fprintf(&sb, "- %s: %s after %d attempt(s), %+.0f points\n", ev.TechniqueID, ev.Outcome, ev.Attempts, ev.Points)
	}
	return sb.String()
}

// FormatFeedback renders the final score and feedback as chat text.
func FormatFeedback(score float64, fb Feedback) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Roleplay finished. Your score: %.0f\n\n%s\n", score, fb.Summary)
	if len(fb.Strengths) > 0 {
		sb.WriteString("\nWhat went well:\n")
		for _, s := range fb.Strengths {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}
	if len(fb.Improvements) > 0 {
		sb.WriteString("\nWhat to work on:\n")
		for _, s := range fb.Improvements {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
