package api

import (
	"net/http"

	"github.com/seantiz/autopilot/internal/backend"
	"github.com/seantiz/autopilot/internal/dispatch"
)

type engineResponse struct {
	dispatch.Info
	Drivers []backend.DriverInfo `json:"drivers"`
}

func (s *Server) handleGetEngine(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, engineResponse{
		Info:    s.worker.Info(),
		Drivers: s.drivers.List(),
	})
}

func (s *Server) handleListDrivers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.drivers.List())
}
