package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"salescoachdev/coacherr"
	"salescoachdev/contextbuilder"
	"salescoachdev/curriculum"
	"salescoachdev/logger"
	"salescoachdev/metrics"
	"salescoachdev/modelapi"
)

const (
	DefaultRetryCeiling = 3
	DefaultForcePenalty = 5
	DefaultSuccessAward = 10
)

// ErrEmptyMessage is returned for blank learner input.
var ErrEmptyMessage = errors.New("empty message")

// Generator is the generation provider as seen by the engine.
type Generator interface {
	Complete(ctx context.Context, prompt string, opts modelapi.CompleteOptions) (string, error)
}

// ContextBuilder fills in missing context layers.
type ContextBuilder interface {
	Build(ctx context.Context, current contextbuilder.Layers, required []contextbuilder.Layer) (contextbuilder.Layers, contextbuilder.Report)
}

// Grounder fetches training material for a seller message.
type Grounder interface {
	GetTrainingContext(ctx context.Context, message, techniqueID string) (string, bool, error)
}

type EngineProps struct {
	Logger     *logger.LogMiddleware
	Repository Repository
	Curriculum *curriculum.Store
	Builder    ContextBuilder
	Grounder   Grounder
	Generator  Generator
	Metrics    *metrics.Recorder
	// RetryCeiling is the number of retries a technique gets when it sets no max_retries.
	RetryCeiling int
	// ForcePenalty is subtracted when a technique is force-advanced past its ceiling.
	ForcePenalty float64
	// SuccessAward is granted for a technique that sets no award.
	SuccessAward float64
	// Timeout bounds each generation call. Zero means 30s.
	Timeout time.Duration
	Now     func() time.Time
}

type Engine struct {
	logger       *logger.LogMiddleware
	repo         Repository
	curriculum   *curriculum.Store
	builder      ContextBuilder
	grounder     Grounder
	gen          Generator
	metrics      *metrics.Recorder
	retryCeiling int
	forcePenalty float64
	successAward float64
	timeout      time.Duration
	now          func() time.Time
	locks        *keyedMutex
}

// StartOptions configure a new session.
type StartOptions struct {
	LearnerID string `json:"learnerId"`
	// Techniques overrides the backlog; empty means the whole curriculum in order.
	Techniques []string `json:"techniques,omitempty"`
	// Seed fixes the customer profile draw.
	Seed *uint64 `json:"seed,omitempty"`
}

// Reply is what the learner sees after an operation.
type Reply struct {
	SessionID   string      `json:"sessionId"`
	Mode        Mode        `json:"mode"`
	Phase       int         `json:"phase"`
	Text        string      `json:"text"`
	TechniqueID string      `json:"techniqueId,omitempty"`
	Attitude    string      `json:"attitude,omitempty"`
	Grounded    bool        `json:"grounded,omitempty"`
	Evaluation  *Evaluation `json:"evaluation,omitempty"`
	Feedback    *Feedback   `json:"feedback,omitempty"`
	Score       float64     `json:"score"`
	Finished    bool        `json:"finished"`
}

func NewEngine(args EngineProps) *Engine {
	e := &Engine{
		logger:       args.Logger,
		repo:         args.Repository,
		curriculum:   args.Curriculum,
		builder:      args.Builder,
		grounder:     args.Grounder,
		gen:          args.Generator,
		metrics:      args.Metrics,
		retryCeiling: args.RetryCeiling,
		forcePenalty: args.ForcePenalty,
		successAward: args.SuccessAward,
		timeout:      args.Timeout,
		now:          args.Now,
		locks:        newKeyedMutex(),
	}
	if e.retryCeiling <= 0 {
		e.retryCeiling = DefaultRetryCeiling
	}
	if e.forcePenalty <= 0 {
		e.forcePenalty = DefaultForcePenalty
	}
	if e.successAward <= 0 {
		e.successAward = DefaultSuccessAward
	}
	if e.timeout <= 0 {
		e.timeout = 30 * time.Second
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Start creates a session in IntroBriefing and returns the curriculum briefing.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (Session, Reply, error) {
	tracer := otel.Tracer("session/Start")
	ctx, span := tracer.Start(ctx, "Start")
	defer span.End()

	cur := e.curriculum.Current()
	backlog, err := buildBacklog(cur, opts.Techniques)
	if err != nil {
		span.RecordError(err)
		return Session{}, Reply{}, err
	}

	seed := rand.Uint64()
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	now := e.now()
	s := Session{
		ID:                uuid.NewString(),
		LearnerID:         opts.LearnerID,
		Phase:             1,
		Mode:              ModeIntroBriefing,
		TechniqueBacklog:  backlog,
		LockedThemes:      []string{},
		UsedTechniques:    []string{},
		PendingObjections: []string{},
		Evaluations:       []Evaluation{},
		CustomerProfile:   drawProfile(rng, cur.Profiles),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.repo.CreateSession(ctx, s); err != nil {
		span.RecordError(err)
		e.logger.Logger(ctx).Error("[Session] Could not create session", zap.Error(err))
		return Session{}, Reply{}, fmt.Errorf("create session: %w", err)
	}

	span.SetAttributes(attribute.String("session.id", s.ID), attribute.Int("backlog.size", len(backlog)))
	e.logger.Logger(ctx).Info("[Session] Session started",
		zap.String("session_id", s.ID),
		zap.String("learner_id", s.LearnerID),
		zap.Strings("backlog", backlog))
	return s, e.reply(s, briefing()), nil
}

func briefing() string {
	return strings.TrimSpace(modelapi.CURRICULUM_BRIEFING)
}

func buildBacklog(cur *curriculum.Curriculum, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return cur.TechniqueIDs(), nil
	}
	var backlog []string
	for _, id := range requested {
		if _, ok := cur.Technique(id); !ok {
			return nil, coacherr.Invariant("session.Start", "unknown technique %q", id)
		}
		backlog = addUnique(backlog, id)
	}
	return backlog, nil
}

func drawProfile(rng *rand.Rand, opts curriculum.ProfileOptions) CustomerProfile {
	pick := func(options []string) string {
		if len(options) == 0 {
			return ""
		}
		return options[rng.IntN(len(options))]
	}
	return CustomerProfile{
		BehaviorStyle:   pick(opts.BehaviorStyles),
		BuyingClockBand: pick(opts.BuyingClockBands),
		ExperienceLevel: pick(opts.ExperienceLevels),
		Difficulty:      pick(opts.Difficulties),
	}
}

// HandleTurn processes one learner message. Turns of the same session are serialized;
// different sessions run in parallel.
func (e *Engine) HandleTurn(ctx context.Context, id, message string) (Reply, error) {
	tracer := otel.Tracer("session/HandleTurn")
	ctx, span := tracer.Start(ctx, "HandleTurn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	message = strings.TrimSpace(message)
	if message == "" {
		return Reply{}, ErrEmptyMessage
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.repo.GetSession(ctx, id)
	if err != nil {
		span.RecordError(err)
		return Reply{}, err
	}
	span.SetAttributes(attribute.String("session.mode", string(s.Mode)))

	cur := e.curriculum.Current()
	var reply Reply
	switch s.Mode {
	case ModeIntroBriefing:
		if curriculum.ContainsPhrase(message, cur.Signals.AckPatterns) {
			reply, err = e.acknowledge(ctx, s)
		} else {
			reply = e.reply(s, briefing())
		}
	case ModeContextGathering:
		reply, err = e.answerContextQuestion(ctx, s, message)
	case ModeRoleplay:
		if curriculum.ContainsPhrase(message, cur.Signals.StopPatterns) {
			reply, err = e.stop(ctx, s)
		} else {
			reply, err = e.roleplayTurn(ctx, s, message, cur)
		}
	default:
		err = coacherr.Invariant("session.HandleTurn", "session %s is in terminal mode %s", id, s.Mode)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		e.logger.Logger(ctx).Warn("[Session] Turn failed, state unchanged",
			zap.String("session_id", id),
			zap.String("mode", string(s.Mode)),
			zap.Error(err))
	}
	e.metrics.IncTurn(string(s.Mode), outcome)
	return reply, err
}

// Acknowledge moves a session out of the briefing.
func (e *Engine) Acknowledge(ctx context.Context, id string) (Reply, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.repo.GetSession(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	return e.acknowledge(ctx, s)
}

func (e *Engine) acknowledge(ctx context.Context, s Session) (Reply, error) {
	next := s.Clone()
	if err := next.transition(ModeContextGathering); err != nil {
		return Reply{}, err
	}
	if next.Context.Base == nil {
		next.Context.Base = &contextbuilder.BaseContext{}
	}
	if err := e.commit(ctx, &next); err != nil {
		return Reply{}, err
	}
	field, _ := next.Context.Base.NextMissing()
	return e.reply(next, question(field)), nil
}

// ProvideContext merges seller-profile fields in one go. Once at least two fields are
// known, the layers required by the current technique are built.
func (e *Engine) ProvideContext(ctx context.Context, id string, base contextbuilder.BaseContext) (Reply, error) {
	tracer := otel.Tracer("session/ProvideContext")
	ctx, span := tracer.Start(ctx, "ProvideContext")
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.repo.GetSession(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	if s.Mode != ModeContextGathering {
		return Reply{}, coacherr.Invariant("session.ProvideContext", "session %s is in %s, not %s", id, s.Mode, ModeContextGathering)
	}

	next := s.Clone()
	merged := contextbuilder.BaseContext{}
	if next.Context.Base != nil {
		merged = *next.Context.Base
	}
	for _, f := range contextbuilder.BaseFields() {
		if v := strings.TrimSpace(base.Get(f)); v != "" {
			merged = merged.Set(f, v)
		}
	}
	next.Context.Base = &merged

	if !next.Context.Has(contextbuilder.LayerBase) {
		if err := e.commit(ctx, &next); err != nil {
			return Reply{}, err
		}
		field, _ := merged.NextMissing()
		return e.reply(next, question(field)), nil
	}
	return e.completeContext(ctx, next)
}

func (e *Engine) answerContextQuestion(ctx context.Context, s Session, message string) (Reply, error) {
	next := s.Clone()
	base := contextbuilder.BaseContext{}
	if next.Context.Base != nil {
		base = *next.Context.Base
	}
	if field, ok := base.NextMissing(); ok {
		base = base.Set(field, message)
	}
	next.Context.Base = &base

	if field, more := base.NextMissing(); more {
		if err := e.commit(ctx, &next); err != nil {
			return Reply{}, err
		}
		return e.reply(next, question(field)), nil
	}
	return e.completeContext(ctx, next)
}

// completeContext builds the layers the head technique needs and starts the roleplay when
// they are all present.
func (e *Engine) completeContext(ctx context.Context, next Session) (Reply, error) {
	cur := e.curriculum.Current()
	tech := e.technique(cur, next)
	required := contextbuilder.RequiredLayers(tech.Depth)

	layers, report := e.builder.Build(ctx, next.Context, required)
	next.Context = layers

	if !layers.Complete(required) {
		if err := e.commit(ctx, &next); err != nil {
			return Reply{}, err
		}
		field, _ := layers.Base.NextMissing()
		return e.reply(next, question(field)), nil
	}

	if err := next.transition(ModeRoleplay); err != nil {
		return Reply{}, err
	}
	next.raisePhase(tech.Phase)
	if err := e.commit(ctx, &next); err != nil {
		return Reply{}, err
	}

	e.logger.Logger(ctx).Info("[Session] Roleplay started",
		zap.String("session_id", next.ID),
		zap.String("technique_id", tech.ID),
		zap.Any("fallbacks", report.Fallbacks))
	return e.reply(next, roleplayIntro(next.Context, tech)), nil
}

// technique resolves the head technique. One removed by a curriculum reload is treated as
// a light technique of the current phase.
func (e *Engine) technique(cur *curriculum.Curriculum, s Session) curriculum.Technique {
	head, ok := s.CurrentTechnique()
	if !ok {
		return curriculum.Technique{Phase: s.Phase, Depth: contextbuilder.DepthLight}
	}
	if t, ok := cur.Technique(head); ok {
		return t
	}
	return curriculum.Technique{ID: head, Name: head, Phase: s.Phase, Depth: contextbuilder.DepthLight}
}

// Stop ends the roleplay and finalizes the score.
func (e *Engine) Stop(ctx context.Context, id string) (Reply, error) {
	tracer := otel.Tracer("session/Stop")
	ctx, span := tracer.Start(ctx, "Stop")
	defer span.End()

	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.repo.GetSession(ctx, id)
	if err != nil {
		return Reply{}, err
	}
	reply, err := e.stop(ctx, s)
	if err != nil {
		span.RecordError(err)
	}
	return reply, err
}

func (e *Engine) stop(ctx context.Context, s Session) (Reply, error) {
	if s.Mode != ModeRoleplay {
		return Reply{}, coacherr.Invariant("session.Stop", "session %s is in %s, only a roleplay can be stopped", s.ID, s.Mode)
	}
	history, err := e.repo.ListTurns(ctx, s.ID)
	if err != nil {
		return Reply{}, fmt.Errorf("list turns: %w", err)
	}

	next := s.Clone()
	if err := e.finalize(ctx, &next, history); err != nil {
		return Reply{}, err
	}
	if err := e.commit(ctx, &next); err != nil {
		return Reply{}, err
	}
	return e.reply(next, FormatFeedback(next.ScoreTotal, *next.Feedback)), nil
}

// finalize enters FeedbackReview. This is the only place the score is written.
func (e *Engine) finalize(ctx context.Context, s *Session, history []Turn) error {
	if err := s.transition(ModeFeedbackReview); err != nil {
		return err
	}
	total := 0.0
	for _, ev := range s.Evaluations {
		total += ev.Points
	}
	s.ScoreTotal = max(0, total)

	fb := e.generateFeedback(ctx, *s, history)
	s.Feedback = &fb

	e.logger.Logger(ctx).Info("[Session] Session finished",
		zap.String("session_id", s.ID),
		zap.Float64("score", s.ScoreTotal),
		zap.Int("evaluations", len(s.Evaluations)),
		zap.Bool("feedback_fallback", fb.Fallback))
	return nil
}

func (e *Engine) commit(ctx context.Context, next *Session, turns ...Turn) error {
	next.UpdatedAt = e.now()
	if err := e.repo.SaveTurn(ctx, *next, turns...); err != nil {
		e.logger.Logger(ctx).Error("[Session] Could not persist session", zap.String("session_id", next.ID), zap.Error(err))
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get returns a session.
func (e *Engine) Get(ctx context.Context, id string) (Session, error) {
	return e.repo.GetSession(ctx, id)
}

// Turns returns the recorded turns of a session.
func (e *Engine) Turns(ctx context.Context, id string) ([]Turn, error) {
	return e.repo.ListTurns(ctx, id)
}

// End deletes a session together with its turns and context.
func (e *Engine) End(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	if err := e.repo.DeleteSession(ctx, id); err != nil {
		return err
	}
	e.logger.Logger(ctx).Info("[Session] Session ended", zap.String("session_id", id))
	return nil
}

func (e *Engine) reply(s Session, text string) Reply {
	r := Reply{
		SessionID: s.ID,
		Mode:      s.Mode,
		Phase:     s.Phase,
		Text:      text,
		Attitude:  s.LastCustomerAttitude,
		Feedback:  s.Feedback,
		Score:     s.ScoreTotal,
		Finished:  s.Mode.Terminal(),
	}
	if head, ok := s.CurrentTechnique(); ok {
		r.TechniqueID = head
	}
	return r
}

func question(f contextbuilder.BaseField) string {
	switch f {
	case contextbuilder.FieldSector:
		return modelapi.CONTEXT_QUESTION_SECTOR
	case contextbuilder.FieldProduct:
		return modelapi.CONTEXT_QUESTION_PRODUCT
	case contextbuilder.FieldTargetCustomer:
		return modelapi.CONTEXT_QUESTION_TARGET
	case contextbuilder.FieldDealSize:
		return modelapi.CONTEXT_QUESTION_DEAL_SIZE
	}
	return modelapi.CONTEXT_QUESTION_SECTOR
}

func roleplayIntro(l contextbuilder.Layers, tech curriculum.Technique) string {
	var sb strings.Builder
	sb.WriteString("Thanks, the context is complete. The roleplay starts now.\n")
	if sc := l.Scenario; sc != nil {
		who := strings.Join(slices.DeleteFunc([]string{sc.CustomerRole, sc.Company}, func(s string) bool { return s == "" }), " at ")
		if who != "" {
			fmt.Fprintf(&sb, "You are meeting the %s.\n", who)
		}
		fmt.Fprintf(&sb, "%s\n", sc.Situation)
	}
	if tech.ID != "" {
		fmt.Fprintf(&sb, "First technique to practise: %s (%s).\n", tech.Name, tech.ID)
	}
	sb.WriteString("Open the conversation.")
	return sb.String()
}
