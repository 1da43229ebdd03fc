package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"salescoachdev/corpus"
	"salescoachdev/retrieval"
)

type searchRequest struct {
	Query string `json:"query"`
	retrieval.SearchOptions
}

type indexRequest struct {
	Documents []corpus.Document `json:"documents"`
}

type rejectRequest struct {
	Correction string `json:"correction"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		Error(w, http.StatusBadRequest, "query cannot be empty")
		return
	}
	res, err := s.search.Search(r.Context(), req.Query, req.SearchOptions)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if res.Documents == nil {
		res.Documents = []corpus.ScoredChunk{}
	}
	JSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.search.Stats(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		Error(w, http.StatusServiceUnavailable, "indexing is not configured")
		return
	}
	var req indexRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	report := s.indexer.Index(r.Context(), req.Documents)
	JSON(w, http.StatusOK, report)
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	report, err := s.tagger.Run(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	chunks, err := s.reviewer.Queue(r.Context(), r.URL.Query().Get("technique"), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []corpus.Chunk{}
	}
	JSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	c, err := s.reviewer.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, c)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, err := s.reviewer.Reject(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Correction))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, c)
}

func (s *Server) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	n, err := s.reviewer.BulkApproveByTechnique(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"approved": n})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	n, err := s.reviewer.Reset(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"reset": n})
}
