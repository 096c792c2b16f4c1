package api

import (
	"net/http"

	"github.com/seantiz/autopilot/internal/dispatch"
)

type healthResponse struct {
	Status string         `json:"status"`
	Worker dispatch.State `json:"worker"`
}

// handleHealthz reports process health. A degraded engine keeps the
// process healthy; a stopping worker does not.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	state := s.worker.State()
	resp := healthResponse{Status: "ok", Worker: state}
	code := http.StatusOK
	switch state {
	case dispatch.StateDegraded:
		resp.Status = "degraded"
	case dispatch.StateStopping, dispatch.StateStopped:
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}
