package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/autopilot/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type errorResponse struct {
	Error string       `json:"error"`
	Kind  string       `json:"kind"`
	ID    model.TaskID `json:"id,omitempty"`
}

// errorStatus maps an error onto its HTTP status code by taxonomy kind.
func errorStatus(err error) int {
	switch model.ErrorKind(err) {
	case model.ErrKindValidation:
		return http.StatusBadRequest
	case model.ErrKindUnknownTask:
		return http.StatusNotFound
	case model.ErrKindChannelClosed, model.ErrKindEngineUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message, kind string) {
	s.writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}

// writeTaskError writes err with the status code its kind maps to.
func (s *Server) writeTaskError(w http.ResponseWriter, id model.TaskID, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "task_id", uint64(id), "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: model.ErrorKind(err), ID: id})
}

// taskIDParam parses the {id} URL parameter, writing a 400 on failure.
func (s *Server) taskIDParam(w http.ResponseWriter, r *http.Request) (model.TaskID, bool) {
	id, ok := model.ParseTaskID(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "task id must be a positive integer", model.ErrKindValidation)
		return 0, false
	}
	return id, true
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
