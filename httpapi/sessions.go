package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"salescoachdev/contextbuilder"
	"salescoachdev/session"
)

// sessionView is the learner-visible part of a session. The customer profile stays hidden.
type sessionView struct {
	ID                   string                `json:"id"`
	LearnerID            string                `json:"learnerId,omitempty"`
	Phase                int                   `json:"phase"`
	Mode                 session.Mode          `json:"mode"`
	TechniqueBacklog     []string              `json:"techniqueBacklog"`
	LockedThemes         []string              `json:"lockedThemes"`
	UsedTechniques       []string              `json:"usedTechniques"`
	PendingObjections    []string              `json:"pendingObjections"`
	LastCustomerAttitude string                `json:"lastCustomerAttitude,omitempty"`
	ScoreTotal           float64               `json:"scoreTotal"`
	Context              contextbuilder.Layers `json:"context"`
	Evaluations          []session.Evaluation  `json:"evaluations"`
	Feedback             *session.Feedback     `json:"feedback,omitempty"`
	TurnCount            int                   `json:"turnCount"`
	CreatedAt            time.Time             `json:"createdAt"`
	UpdatedAt            time.Time             `json:"updatedAt"`
}

func viewOf(s session.Session) sessionView {
	return sessionView{
		ID:                   s.ID,
		LearnerID:            s.LearnerID,
		Phase:                s.Phase,
		Mode:                 s.Mode,
		TechniqueBacklog:     s.TechniqueBacklog,
		LockedThemes:         s.LockedThemes,
		UsedTechniques:       s.UsedTechniques,
		PendingObjections:    s.PendingObjections,
		LastCustomerAttitude: s.LastCustomerAttitude,
		ScoreTotal:           s.ScoreTotal,
		Context:              s.Context,
		Evaluations:          s.Evaluations,
		Feedback:             s.Feedback,
		TurnCount:            s.TurnCount,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

type startResponse struct {
	Session sessionView   `json:"session"`
	Reply   session.Reply `json:"reply"`
}

type turnRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req session.StartOptions
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, reply, err := s.sessions.Start(r.Context(), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, startResponse{Session: viewOf(sess), Reply: reply})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := s.sessions.Turns(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	JSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reply, err := s.sessions.HandleTurn(r.Context(), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

func (s *Server) handleProvideContext(w http.ResponseWriter, r *http.Request) {
	var req contextbuilder.BaseContext
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	reply, err := s.sessions.ProvideContext(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	reply, err := s.sessions.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}
