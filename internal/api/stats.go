package api

import (
	"net/http"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/seantiz/autopilot/internal/dispatch"
	"github.com/seantiz/autopilot/internal/model"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByKind        map[string]int `json:"by_kind"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Active        int            `json:"active"`
	Worker        dispatch.Info  `json:"worker"`
	Host          *hostStats     `json:"host,omitempty"`
}

type hostStats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemAvailable   uint64  `json:"mem_available_bytes"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.history.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats", model.ErrKindInternal)
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByKind:        stats.CountByKind,
		AvgDurationMS: stats.AvgDurationMS,
		Active:        s.registry.Len(),
		Worker:        s.worker.Info(),
		Host:          s.hostStats(r),
	})
}

// hostStats samples host load. Missing readings leave the block out rather
// than failing the request.
func (s *Server) hostStats(r *http.Request) *hostStats {
	pct, err := cpu.PercentWithContext(r.Context(), 0, false)
	if err != nil || len(pct) == 0 {
		s.logger.Debug("read cpu usage", "error", err)
		return nil
	}
	vm, err := mem.VirtualMemoryWithContext(r.Context())
	if err != nil {
		s.logger.Debug("read memory usage", "error", err)
		return nil
	}
	return &hostStats{
		CPUPercent:     pct[0],
		MemUsedPercent: vm.UsedPercent,
		MemAvailable:   vm.Available,
	}
}
