// Package session drives a coaching dialogue through its four modes: curriculum briefing,
// context gathering, roleplay with a simulated customer, and feedback. State is committed
// only after every provider call and the write to the repository have succeeded, so a
// failed turn leaves the session exactly as it was.
package session

import (
	"slices"
	"time"

	"salescoachdev/coacherr"
	"salescoachdev/contextbuilder"
)

// Mode is the state-machine state of a session.
type Mode string

const (
	ModeIntroBriefing    Mode = "intro_briefing"
	ModeContextGathering Mode = "context_gathering"
	ModeRoleplay         Mode = "roleplay"
	ModeFeedbackReview   Mode = "feedback_review"
)

// TransitionTable lists the allowed successor modes. FeedbackReview is terminal.
var TransitionTable = map[Mode][]Mode{
	ModeIntroBriefing:    {ModeContextGathering},
	ModeContextGathering: {ModeRoleplay},
	ModeRoleplay:         {ModeFeedbackReview},
	ModeFeedbackReview:   {},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Mode) bool {
	return slices.Contains(TransitionTable[from], to)
}

// Terminal reports whether no further mutation is allowed.
func (m Mode) Terminal() bool {
	return m == ModeFeedbackReview
}

// CustomerProfile is the hidden persona of the simulated customer. It never changes during
// a session and is never shown to the learner.
type CustomerProfile struct {
	BehaviorStyle   string `json:"behavior_style"`
	BuyingClockBand string `json:"buying_clock_band"`
	ExperienceLevel string `json:"experience_level"`
	Difficulty      string `json:"difficulty"`
}

// Evaluation outcomes.
const (
	OutcomePassed = "passed"
	OutcomeForced = "forced"
)

// Evaluation is the scored result of one technique attempt.
type Evaluation struct {
	TechniqueID string  `json:"technique_id"`
	Outcome     string  `json:"outcome"`
	Points      float64 `json:"points"`
	Attempts    int     `json:"attempts"`
}

// Feedback is the coaching summary shown when the roleplay ends.
type Feedback struct {
	Summary      string   `json:"summary"`
	Strengths    []string `json:"strengths"`
	Improvements []string `json:"improvements"`
	Fallback     bool     `json:"fallback,omitempty"`
}

// Session is one coaching dialogue.
type Session struct {
	ID                   string                `json:"id"`
	LearnerID            string                `json:"learner_id"`
	Phase                int                   `json:"phase"`
	Mode                 Mode                  `json:"mode"`
	TechniqueBacklog     []string              `json:"technique_backlog"`
	LockedThemes         []string              `json:"locked_themes"`
	UsedTechniques       []string              `json:"used_techniques"`
	PendingObjections    []string              `json:"pending_objections"`
	LastCustomerAttitude string                `json:"last_customer_attitude,omitempty"`
	ScoreTotal           float64               `json:"score_total"`
	CustomerProfile      CustomerProfile       `json:"customer_profile"`
	Context              contextbuilder.Layers `json:"context"`
	// FailedAttempts counts unsuccessful seller turns on the head technique.
	FailedAttempts int          `json:"failed_attempts"`
	Evaluations    []Evaluation `json:"evaluations"`
	Feedback       *Feedback    `json:"feedback,omitempty"`
	TurnCount      int          `json:"turn_count"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Clone returns a deep copy, so a turn can be prepared without touching committed state.
func (s Session) Clone() Session {
	out := s
	out.TechniqueBacklog = slices.Clone(s.TechniqueBacklog)
	out.LockedThemes = slices.Clone(s.LockedThemes)
	out.UsedTechniques = slices.Clone(s.UsedTechniques)
	out.PendingObjections = slices.Clone(s.PendingObjections)
	out.Evaluations = slices.Clone(s.Evaluations)
	out.Context = s.Context.Clone()
	if s.Feedback != nil {
		f := *s.Feedback
		f.Strengths = slices.Clone(f.Strengths)
		f.Improvements = slices.Clone(f.Improvements)
		out.Feedback = &f
	}
	return out
}

// CurrentTechnique returns the head of the backlog.
func (s Session) CurrentTechnique() (string, bool) {
	if len(s.TechniqueBacklog) == 0 {
		return "", false
	}
	return s.TechniqueBacklog[0], true
}

func (s *Session) transition(to Mode) error {
	if !CanTransition(s.Mode, to) {
		return coacherr.Invariant("session.transition", "session %s cannot move from %s to %s", s.ID, s.Mode, to)
	}
	s.Mode = to
	return nil
}

// raisePhase moves the phase forward, never back.
func (s *Session) raisePhase(phase int) {
	if phase > s.Phase {
		s.Phase = phase
	}
}

// addUnique appends v unless it is already present. Order of existing members is kept.
func addUnique(set []string, v string) []string {
	if v == "" || slices.Contains(set, v) {
		return set
	}
	return append(set, v)
}

// Role is who spoke a turn.
type Role string

const (
	RoleSeller   Role = "seller"
	RoleCustomer Role = "customer"
)

// TurnMetadata is the bag of per-turn annotations.
type TurnMetadata struct {
	Attitude          string      `json:"attitude,omitempty"`
	LockedThemes      []string    `json:"locked_themes,omitempty"`
	Objection         string      `json:"objection,omitempty"`
	ResolvedObjection string      `json:"resolved_objection,omitempty"`
	Evaluation        *Evaluation `json:"evaluation,omitempty"`
	Grounded          bool        `json:"grounded,omitempty"`
}

// Turn is one immutable message of a roleplay.
type Turn struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Seq         int          `json:"seq"`
	Role        Role         `json:"role"`
	TechniqueID string       `json:"technique_id,omitempty"`
	Content     string       `json:"content"`
	Metadata    TurnMetadata `json:"metadata"`
	CreatedAt   time.Time    `json:"created_at"`
}
