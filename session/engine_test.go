package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"salescoachdev/coacherr"
	"salescoachdev/contextbuilder"
	"salescoachdev/curriculum"
	"salescoachdev/logger"
	"salescoachdev/modelapi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const neutralReply = `{"reply":"Go on.","attitude":"neutral","objection":""}`

// fakeGenerator answers customer turns from a queue and feedback with a fixed payload.
type fakeGenerator struct {
	mu      sync.Mutex
	replies []string
	fail    map[string]error
	prompts []string
	systems []string
}

func (g *fakeGenerator) Complete(_ context.Context, prompt string, opts modelapi.CompleteOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail[opts.SchemaName]; err != nil {
		return "", err
	}
	switch opts.SchemaName {
	case "customer_reply":
		g.prompts = append(g.prompts, prompt)
		g.systems = append(g.systems, opts.System)
		if len(g.replies) > 0 {
			r := g.replies[0]
			g.replies = g.replies[1:]
			return r, nil
		}
		return neutralReply, nil
	case "feedback":
		return `{"summary":"Solid session.","strengths":["Clear agenda"],"improvements":["Ask more questions"]}`, nil
	}
	return "", fmt.Errorf("unexpected schema %q", opts.SchemaName)
}

func (g *fakeGenerator) setFail(schema string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail == nil {
		g.fail = map[string]error{}
	}
	g.fail[schema] = err
}

type fakeGrounder struct {
	mu         sync.Mutex
	techniques []string
}

func (f *fakeGrounder) GetTrainingContext(_ context.Context, _ string, techniqueID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.techniques = append(f.techniques, techniqueID)
	return "Relevant training material:\n\n[1] Summarising (90% match)\nRepeat the customer's words.\n", true, nil
}

func newTestEngine(t *testing.T, gen *fakeGenerator) (*Engine, *MemoryRepository) {
	t.Helper()
	cur, err := curriculum.Default()
	require.NoError(t, err)

	repo := NewMemoryRepository()
	e := NewEngine(EngineProps{
		Logger:     logger.Nop(),
		Repository: repo,
		Curriculum: curriculum.NewStaticStore(cur),
		Builder:    contextbuilder.New(contextbuilder.BuilderProps{Logger: logger.Nop()}),
		Grounder:   &fakeGrounder{},
		Generator:  gen,
	})
	return e, repo
}

func seed(v uint64) *uint64 { return &v }

// startRoleplay brings a new session into Roleplay with a complete seller profile.
func startRoleplay(t *testing.T, e *Engine, techniques ...string) string {
	t.Helper()
	ctx := context.Background()
	s, _, err := e.Start(ctx, StartOptions{LearnerID: "learner-1", Techniques: techniques, Seed: seed(7)})
	require.NoError(t, err)

	_, err = e.Acknowledge(ctx, s.ID)
	require.NoError(t, err)

	reply, err := e.ProvideContext(ctx, s.ID, contextbuilder.BaseContext{
		Sector:         "retail",
		Product:        "POS systems",
		TargetCustomer: "store managers",
		DealSize:       "20k per year",
	})
	require.NoError(t, err)
	require.Equal(t, ModeRoleplay, reply.Mode)
	return s.ID
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(ModeIntroBriefing, ModeContextGathering))
	assert.True(t, CanTransition(ModeContextGathering, ModeRoleplay))
	assert.True(t, CanTransition(ModeRoleplay, ModeFeedbackReview))
	assert.False(t, CanTransition(ModeIntroBriefing, ModeRoleplay))
	assert.False(t, CanTransition(ModeFeedbackReview, ModeRoleplay))
	assert.True(t, ModeFeedbackReview.Terminal())
}

func TestConversationFlow(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeGenerator{})

	s, reply, err := e.Start(ctx, StartOptions{LearnerID: "learner-1", Techniques: []string{"1.1", "2.1.8"}, Seed: seed(1)})
	require.NoError(t, err)
	assert.Equal(t, ModeIntroBriefing, reply.Mode)
	assert.Equal(t, 1, s.Phase)
	assert.Contains(t, reply.Text, "Welcome")

	// Anything but an acknowledgement repeats the briefing.
	reply, err = e.HandleTurn(ctx, s.ID, "hello there")
	require.NoError(t, err)
	assert.Equal(t, ModeIntroBriefing, reply.Mode)

	reply, err = e.HandleTurn(ctx, s.ID, "Ready!")
	require.NoError(t, err)
	assert.Equal(t, ModeContextGathering, reply.Mode)
	assert.Equal(t, modelapi.CONTEXT_QUESTION_SECTOR, reply.Text)

	for i, answer := range []string{"retail", "POS systems", "store managers"} {
		reply, err = e.HandleTurn(ctx, s.ID, answer)
		require.NoError(t, err)
		assert.Equal(t, ModeContextGathering, reply.Mode, "answer %d", i)
	}
	assert.Equal(t, modelapi.CONTEXT_QUESTION_DEAL_SIZE, reply.Text)

	reply, err = e.HandleTurn(ctx, s.ID, "20k per year")
	require.NoError(t, err)
	assert.Equal(t, ModeRoleplay, reply.Mode)
	assert.Equal(t, "1.1", reply.TechniqueID)
	assert.Contains(t, reply.Text, "Purposeful opening")

	reply, err = e.HandleTurn(ctx, s.ID, "Thanks for meeting me. Let me share the agenda first.")
	require.NoError(t, err)
	require.NotNil(t, reply.Evaluation)
	assert.Equal(t, OutcomePassed, reply.Evaluation.Outcome)
	assert.Equal(t, 10.0, reply.Evaluation.Points)
	assert.Equal(t, "2.1.8", reply.TechniqueID)
	assert.Equal(t, 2, reply.Phase)
	assert.True(t, reply.Grounded)
	assert.Equal(t, "Go on.", reply.Text)

	reply, err = e.HandleTurn(ctx, s.ID, "/stop")
	require.NoError(t, err)
	assert.Equal(t, ModeFeedbackReview, reply.Mode)
	assert.True(t, reply.Finished)
	assert.Equal(t, 10.0, reply.Score)
	require.NotNil(t, reply.Feedback)
	assert.Equal(t, "Solid session.", reply.Feedback.Summary)

	_, err = e.HandleTurn(ctx, s.ID, "one more thing")
	assert.ErrorIs(t, err, coacherr.ErrInvariantViolation)

	turns, err := e.Turns(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, RoleSeller, turns[0].Role)
	assert.Equal(t, 1, turns[0].Seq)
	assert.Equal(t, RoleCustomer, turns[1].Role)
	assert.Equal(t, 2, turns[1].Seq)
}

func TestStartValidatesTechniquesAndDrawsProfileFromSeed(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeGenerator{})

	_, _, err := e.Start(ctx, StartOptions{Techniques: []string{"9.9"}})
	assert.ErrorIs(t, err, coacherr.ErrInvariantViolation)

	a, _, err := e.Start(ctx, StartOptions{Seed: seed(42)})
	require.NoError(t, err)
	b, _, err := e.Start(ctx, StartOptions{Seed: seed(42)})
	require.NoError(t, err)
	assert.Equal(t, a.CustomerProfile, b.CustomerProfile)
	assert.NotEmpty(t, a.CustomerProfile.BehaviorStyle)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.TechniqueBacklog, 7)
}

func TestHandleTurnErrors(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeGenerator{})

	_, err := e.HandleTurn(ctx, "missing", "hello")
	assert.ErrorIs(t, err, coacherr.ErrNotFound)

	s, _, err := e.Start(ctx, StartOptions{})
	require.NoError(t, err)
	_, err = e.HandleTurn(ctx, s.ID, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestStopOutsideRoleplayIsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeGenerator{})

	s, _, err := e.Start(ctx, StartOptions{})
	require.NoError(t, err)

	_, err = e.Stop(ctx, s.ID)
	assert.ErrorIs(t, err, coacherr.ErrInvariantViolation)

	got, err := e.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeIntroBriefing, got.Mode)
}

func TestProvideContextWithTwoFieldsBuildsLayers(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeGenerator{})

	s, _, err := e.Start(ctx, StartOptions{Techniques: []string{"2.1.8"}})
	require.NoError(t, err)

	_, err = e.ProvideContext(ctx, s.ID, contextbuilder.BaseContext{Sector: "retail"})
	assert.ErrorIs(t, err, coacherr.ErrInvariantViolation)

	_, err = e.Acknowledge(ctx, s.ID)
	require.NoError(t, err)

	reply, err := e.ProvideContext(ctx, s.ID, contextbuilder.BaseContext{Sector: "retail"})
	require.NoError(t, err)
	assert.Equal(t, ModeContextGathering, reply.Mode)
	assert.Equal(t, modelapi.CONTEXT_QUESTION_PRODUCT, reply.Text)

	reply, err = e.ProvideContext(ctx, s.ID, contextbuilder.BaseContext{Product: "POS systems"})
	require.NoError(t, err)
	assert.Equal(t, ModeRoleplay, reply.Mode)
	assert.Equal(t, 2, reply.Phase)

	got, err := e.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Context.Scenario)
	assert.True(t, got.Context.Scenario.Fallback)
	assert.Nil(t, got.Context.ValueMap)
	assert.Equal(t, "retail", got.Context.Base.Sector)
}

func TestGenerationFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{}
	e, _ := newTestEngine(t, gen)
	id := startRoleplay(t, e, "1.1")

	before, err := e.Get(ctx, id)
	require.NoError(t, err)

	gen.setFail("customer_reply", coacherr.New(coacherr.KindProviderTimeout, "test", context.DeadlineExceeded))
	_, err = e.HandleTurn(ctx, id, "So we agree the budget is fixed, is that correct?")
	require.Error(t, err)
	assert.True(t, coacherr.Retryable(err))

	after, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	turns, err := e.Turns(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestMalformedCustomerReplyIsReported(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{replies: []string{`{"reply":"Hi","attitude":"warm","mood":"x"}`}}
	e, _ := newTestEngine(t, gen)
	id := startRoleplay(t, e, "1.1")

	_, err := e.HandleTurn(ctx, id, "Good morning")
	assert.ErrorIs(t, err, coacherr.ErrMalformedOutput)

	got, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, got.TurnCount)
}

func TestLockedThemesAndUsedTechniquesAreSets(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{}
	e, repo := newTestEngine(t, gen)
	id := startRoleplay(t, e, "1.1")

	for range 2 {
		_, err := e.HandleTurn(ctx, id, "So we agree the budget is fixed, is that correct?")
		require.NoError(t, err)
	}

	got, err := repo.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"budget"}, got.LockedThemes)
	assert.Equal(t, []string{"1.1"}, got.UsedTechniques)
	assert.Equal(t, 2, got.FailedAttempts)

	turns, err := repo.ListTurns(ctx, id)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, []string{"budget"}, turns[0].Metadata.LockedThemes)
	assert.Empty(t, turns[2].Metadata.LockedThemes)

	// The second prompt tells the customer about the committed theme.
	assert.Contains(t, gen.prompts[1], "already committed to (do not walk them back): budget")
}

func TestObjectionsAreRaisedAndResolved(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{replies: []string{
		`{"reply":"Honestly, it sounds expensive.","attitude":"sceptical","objection":"Too expensive"}`,
		`{"reply":"Fair enough.","attitude":"open","objection":""}`,
	}}
	e, repo := newTestEngine(t, gen)
	id := startRoleplay(t, e, "1.1")

	reply, err := e.HandleTurn(ctx, id, "Good morning, nice to meet you.")
	require.NoError(t, err)
	assert.Equal(t, "sceptical", reply.Attitude)

	got, err := repo.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Too expensive"}, got.PendingObjections)

	_, err = e.HandleTurn(ctx, id, "I understand your concern, it is a real investment.")
	require.NoError(t, err)

	got, err = repo.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.PendingObjections)
	assert.Equal(t, "open", got.LastCustomerAttitude)

	turns, err := repo.ListTurns(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Too expensive", turns[1].Metadata.Objection)
	assert.Equal(t, "Too expensive", turns[2].Metadata.ResolvedObjection)
}

func TestRetryCeilingForcesTechniqueWithPenalty(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeGenerator{})
	id := startRoleplay(t, e, "2.1.8")

	// 2.1.8 allows two retries: the third failure forces it out.
	for i := range 2 {
		reply, err := e.HandleTurn(ctx, id, "Our software is really great.")
		require.NoError(t, err)
		assert.Nil(t, reply.Evaluation, "attempt %d", i+1)
		assert.Equal(t, ModeRoleplay, reply.Mode)
	}

	reply, err := e.HandleTurn(ctx, id, "Our software is really great.")
	require.NoError(t, err)
	require.NotNil(t, reply.Evaluation)
	assert.Equal(t, OutcomeForced, reply.Evaluation.Outcome)
	assert.Equal(t, -5.0, reply.Evaluation.Points)
	assert.Equal(t, 3, reply.Evaluation.Attempts)

	// The backlog is exhausted, so the session finished with a score floored at zero.
	assert.Equal(t, ModeFeedbackReview, reply.Mode)
	assert.True(t, reply.Finished)
	assert.Zero(t, reply.Score)
	assert.Contains(t, reply.Text, "Roleplay finished")
}

func TestPhaseNeverDecreases(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeGenerator{})
	id := startRoleplay(t, e, "2.1.8", "1.1")

	s, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Phase)

	reply, err := e.HandleTurn(ctx, id, "If I understand correctly, the rollout is what worries you.")
	require.NoError(t, err)
	require.NotNil(t, reply.Evaluation)
	assert.Equal(t, 15.0, reply.Evaluation.Points)
	assert.Equal(t, "1.1", reply.TechniqueID)
	assert.Equal(t, 2, reply.Phase)
}

func TestFeedbackFallsBackWhenGenerationFails(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{}
	e, _ := newTestEngine(t, gen)
	id := startRoleplay(t, e, "1.1", "1.2")

	_, err := e.HandleTurn(ctx, id, "Here is the agenda for today.")
	require.NoError(t, err)

	gen.setFail("feedback", errors.New("provider down"))
	reply, err := e.Stop(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, reply.Feedback)
	assert.True(t, reply.Feedback.Fallback)
	assert.Equal(t, "You completed 1 of 2 techniques and scored 10 points.", reply.Feedback.Summary)
	assert.Equal(t, []string{"You applied 1.1."}, reply.Feedback.Strengths)
	assert.Equal(t, []string{"You did not reach 1.2 yet."}, reply.Feedback.Improvements)
}

func TestTurnsOfOneSessionAreSerialized(t *testing.T) {
	ctx := context.Background()
	e, repo := newTestEngine(t, &fakeGenerator{})
	id := startRoleplay(t, e, "1.1", "1.2")

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.HandleTurn(ctx, id, "Nice weather today.")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	turns, err := repo.ListTurns(ctx, id)
	require.NoError(t, err)
	require.Len(t, turns, 6)
	for i, turn := range turns {
		assert.Equal(t, i+1, turn.Seq)
	}
	got, err := repo.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, got.FailedAttempts)
	assert.Zero(t, e.locks.size())
}

func TestEndDeletesSession(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, &fakeGenerator{})
	id := startRoleplay(t, e, "1.1")

	require.NoError(t, e.End(ctx, id))
	_, err := e.Get(ctx, id)
	assert.ErrorIs(t, err, coacherr.ErrNotFound)
	assert.ErrorIs(t, e.End(ctx, id), coacherr.ErrNotFound)
}

func TestCustomerPromptCarriesProfileAndContext(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{}
	e, repo := newTestEngine(t, gen)
	id := startRoleplay(t, e, "1.1")

	_, err := e.HandleTurn(ctx, id, "Good morning")
	require.NoError(t, err)

	s, err := repo.GetSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, gen.systems, 1)
	assert.Contains(t, gen.systems[0], s.CustomerProfile.BehaviorStyle)
	assert.Contains(t, gen.prompts[0], "retail")
	assert.Contains(t, gen.prompts[0], "Purposeful opening")
	assert.Contains(t, gen.prompts[0], "Seller: Good morning")
}
