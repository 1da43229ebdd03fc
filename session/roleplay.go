package session

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"salescoachdev/coacherr"
	"salescoachdev/contextbuilder"
	"salescoachdev/curriculum"
	"salescoachdev/modelapi"
)

// historyWindow is how many recent turns the customer sees.
const historyWindow = 12

type customerReply struct {
	Reply     string `json:"reply"`
	Attitude  string `json:"attitude"`
	Objection string `json:"objection"`
}

func (c *customerReply) Validate() error {
	if strings.TrimSpace(c.Reply) == "" {
		return fmt.Errorf("reply is empty")
	}
	if strings.TrimSpace(c.Attitude) == "" {
		return fmt.Errorf("attitude is empty")
	}
	return nil
}

func customerReplySchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"reply":     {Type: genai.TypeString, Description: "What the customer says out loud."},
			"attitude":  {Type: genai.TypeString, Description: "The customer's attitude towards the seller in one or two words."},
			"objection": {Type: genai.TypeString, Description: "A new objection raised in this reply, or an empty string."},
		},
		Required:         []string{"reply", "attitude", "objection"},
		PropertyOrdering: []string{"reply", "attitude", "objection"},
	}
}

// signals are what the seller message triggers, found by pattern matching.
type signals struct {
	locks    []string
	resolves bool
	matched  []string
}

func (s signals) success() bool {
	return len(s.matched) > 0
}

func detectSignals(message string, tech curriculum.Technique, cur *curriculum.Curriculum) signals {
	var sig signals
	if len(curriculum.MatchAny(message, cur.Signals.LockMarkers)) > 0 {
		for _, theme := range cur.Themes {
			if len(curriculum.MatchAny(message, theme.Patterns)) > 0 {
				sig.locks = append(sig.locks, theme.Name)
			}
		}
	}
	sig.resolves = len(curriculum.MatchAny(message, cur.Signals.ResolutionMarkers)) > 0
	sig.matched = curriculum.MatchAny(message, tech.SuccessSignals())
	return sig
}

// roleplayTurn runs one seller message through the simulated customer. Context layers,
// grounding material and history are fetched concurrently; everything after that works on
// a copy of the session that is only stored when the customer reply exists.
func (e *Engine) roleplayTurn(ctx context.Context, s Session, message string, cur *curriculum.Curriculum) (Reply, error) {
	tracer := otel.Tracer("session/roleplayTurn")
	ctx, span := tracer.Start(ctx, "roleplayTurn")
	defer span.End()

	if _, ok := s.CurrentTechnique(); !ok {
		return e.stop(ctx, s)
	}
	next := s.Clone()
	tech := e.technique(cur, next)
	next.raisePhase(tech.Phase)
	span.SetAttributes(attribute.String("technique.id", tech.ID))

	var (
		grounding string
		grounded  bool
		history   []Turn
		layers    contextbuilder.Layers
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		layers, _ = e.builder.Build(gctx, next.Context, contextbuilder.RequiredLayers(tech.Depth))
		return nil
	})
	g.Go(func() error {
		if e.grounder == nil {
			return nil
		}
		text, ok, err := e.grounder.GetTrainingContext(gctx, message, tech.ID)
		if err != nil {
			e.logger.Logger(gctx).Warn("[Session] Grounding lookup failed, continuing without it",
				zap.String("session_id", s.ID), zap.Error(err))
			return nil
		}
		grounding, grounded = text, ok
		return nil
	})
	g.Go(func() error {
		turns, err := e.repo.ListTurns(gctx, s.ID)
		if err != nil {
			return fmt.Errorf("list turns: %w", err)
		}
		history = turns
		return nil
	})
	if err := g.Wait(); err != nil {
		return Reply{}, err
	}
	next.Context = layers

	sig := detectSignals(message, tech, cur)
	locked := slices.Clone(next.LockedThemes)
	var newLocks []string
	for _, theme := range sig.locks {
		if !slices.Contains(locked, theme) {
			newLocks = append(newLocks, theme)
		}
		locked = addUnique(locked, theme)
	}
	pending := slices.Clone(next.PendingObjections)
	resolved := ""
	if sig.resolves && len(pending) > 0 {
		resolved, pending = pending[0], pending[1:]
	}

	out, err := e.customerReply(ctx, next, tech, message, grounding, grounded, history, locked, pending)
	if err != nil {
		span.RecordError(err)
		return Reply{}, err
	}

	next.LockedThemes = locked
	next.PendingObjections = pending
	objection := strings.TrimSpace(out.Objection)
	next.PendingObjections = addUnique(next.PendingObjections, objection)
	next.LastCustomerAttitude = strings.TrimSpace(out.Attitude)
	next.UsedTechniques = addUnique(next.UsedTechniques, tech.ID)

	eval := e.evaluate(&next, tech, sig)
	if head := e.technique(cur, next); head.ID != "" {
		next.raisePhase(head.Phase)
	}

	now := e.now()
	seller := Turn{
		ID:          uuid.NewString(),
		SessionID:   next.ID,
		Seq:         next.TurnCount + 1,
		Role:        RoleSeller,
		TechniqueID: tech.ID,
		Content:     message,
		Metadata: TurnMetadata{
			LockedThemes:      newLocks,
			ResolvedObjection: resolved,
			Evaluation:        eval,
			Grounded:          grounded,
		},
		CreatedAt: now,
	}
	customer := Turn{
		ID:          uuid.NewString(),
		SessionID:   next.ID,
		Seq:         next.TurnCount + 2,
		Role:        RoleCustomer,
		TechniqueID: tech.ID,
		Content:     strings.TrimSpace(out.Reply),
		Metadata: TurnMetadata{
			Attitude:  next.LastCustomerAttitude,
			Objection: objection,
		},
		CreatedAt: now,
	}
	next.TurnCount += 2

	finished := len(next.TechniqueBacklog) == 0
	if finished {
		if err := e.finalize(ctx, &next, append(history, seller, customer)); err != nil {
			return Reply{}, err
		}
	}
	if err := e.commit(ctx, &next, seller, customer); err != nil {
		span.RecordError(err)
		return Reply{}, err
	}

	e.logger.Logger(ctx).Info("[Session] Roleplay turn",
		zap.String("session_id", next.ID),
		zap.String("technique_id", tech.ID),
		zap.Strings("matched", sig.matched),
		zap.Strings("locked", newLocks),
		zap.Bool("grounded", grounded),
		zap.Int("failed_attempts", next.FailedAttempts))

	text := customer.Content
	if finished {
		text += "\n\n" + FormatFeedback(next.ScoreTotal, *next.Feedback)
	}
	reply := e.reply(next, text)
	reply.Grounded = grounded
	reply.Evaluation = eval
	return reply, nil
}

// evaluate scores the head technique. A success advances the backlog with the technique's
// award. A failure is counted, and once the retry ceiling is exceeded the technique is
// forced out of the backlog with a penalty.
func (e *Engine) evaluate(s *Session, tech curriculum.Technique, sig signals) *Evaluation {
	attempts := s.FailedAttempts + 1
	if sig.success() {
		award := tech.Award
		if award <= 0 {
			award = e.successAward
		}
		ev := Evaluation{TechniqueID: tech.ID, Outcome: OutcomePassed, Points: award, Attempts: attempts}
		s.advance(ev)
		return &ev
	}

	s.FailedAttempts++
	ceiling := e.retryCeiling
	if tech.MaxRetries > 0 {
		ceiling = tech.MaxRetries
	}
	if s.FailedAttempts <= ceiling {
		return nil
	}
	ev := Evaluation{TechniqueID: tech.ID, Outcome: OutcomeForced, Points: -e.forcePenalty, Attempts: attempts}
	s.advance(ev)
	return &ev
}

func (s *Session) advance(ev Evaluation) {
	s.Evaluations = append(s.Evaluations, ev)
	if len(s.TechniqueBacklog) > 0 {
		s.TechniqueBacklog = slices.Clone(s.TechniqueBacklog[1:])
	}
	s.FailedAttempts = 0
}

func (e *Engine) customerReply(ctx context.Context, s Session, tech curriculum.Technique, message, grounding string, grounded bool, history []Turn, locked, pending []string) (customerReply, error) {
	if e.gen == nil {
		return customerReply{}, coacherr.New(coacherr.KindProviderUnavailable, "session.customerReply", fmt.Errorf("no generation provider configured"))
	}
	if !grounded {
		grounding = "No training material matched this message."
	}

	p := s.CustomerProfile
	system := fmt.Sprintf(modelapi.CUSTOMER_PERSONA_SYSTEM, p.BehaviorStyle, p.BuyingClockBand, p.ExperienceLevel, p.Difficulty)
	prompt := fmt.Sprintf(modelapi.CUSTOMER_TURN_INSTRUCTION,
		contextbuilder.FormatForPrompt(s.Context),
		tech.ID, tech.Name,
		grounding,
		joinOrNone(locked),
		joinOrNone(pending),
		formatHistory(history, historyWindow),
		message,
	)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	raw, err := e.gen.Complete(callCtx, prompt, modelapi.CompleteOptions{
		System:      system,
		Temperature: 0.8,
		MaxTokens:   400,
		Schema:      customerReplySchema(),
		SchemaName:  "customer_reply",
	})
	if err != nil {
		return customerReply{}, coacherr.Provider("session.customerReply", err)
	}
	return modelapi.DecodeStrict[customerReply](raw)
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, "; ")
}

// formatHistory renders the last n turns as a transcript. n <= 0 renders all of them.
func formatHistory(turns []Turn, n int) string {
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	if len(turns) == 0 {
		return "(no earlier messages)\n"
	}
	var sb strings.Builder
	for _, t := range turns {
		speaker := "Seller"
		if t.Role == RoleCustomer {
			speaker = "Customer"
		}
		fmt.Fprintf(&sb, "%s: %s\n", speaker, t.Content)
	}
	return sb.String()
}
