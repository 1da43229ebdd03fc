package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"salescoachdev/coacherr"
	"salescoachdev/session"
)

const maxBodyBytes = 1 << 20

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a strict JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// writeErr maps a domain error to a status code. The body never carries the internal detail,
// which is logged instead.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, message := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, coacherr.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, coacherr.ErrInvariantViolation):
		status, message = http.StatusConflict, "operation not allowed in the current state"
	case errors.Is(err, session.ErrEmptyMessage):
		status, message = http.StatusBadRequest, "message cannot be empty"
	case coacherr.Retryable(err),
		errors.Is(err, coacherr.ErrProviderUnavailable),
		errors.Is(err, coacherr.ErrMalformedOutput):
		status, message = http.StatusServiceUnavailable, "temporarily unavailable, please retry"
	}

	log := s.logger.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("[HTTP] Request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	} else {
		log.Info("[HTTP] Request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	Error(w, status, message)
}
