package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/autopilot/internal/dispatch"
	"github.com/seantiz/autopilot/internal/model"
	"github.com/seantiz/autopilot/internal/store"
)

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	Kind      string          `json:"kind"`
	Params    json.RawMessage `json:"params"`
	TimeoutMS int64           `json:"timeout_ms"`
}

// taskResponse describes a submitted or finished task.
type taskResponse struct {
	ID        model.TaskID    `json:"id"`
	Kind      string          `json:"kind"`
	Mode      model.Mode      `json:"mode"`
	Status    model.Status    `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []model.Task `json:"tasks"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body", model.ErrKindValidation)
		return
	}
	if req.TimeoutMS < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must not be negative", model.ErrKindValidation)
		return
	}

	kind, err := dispatch.DecodeKind(req.Kind, req.Params)
	if err != nil {
		recordTaskRequest(invalidKind, model.ErrorKind(err))
		s.writeTaskError(w, 0, err)
		return
	}

	f, err := s.worker.Submit(kind, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		recordTaskRequest(kind.Name(), model.ErrorKind(err))
		s.writeTaskError(w, 0, err)
		return
	}

	if f.Mode() == model.ModeTracked {
		recordTaskRequest(f.Kind(), outcomeAccepted)
		s.writeJSON(w, http.StatusAccepted, taskResponse{
			ID:     f.ID(),
			Kind:   f.Kind(),
			Mode:   f.Mode(),
			Status: model.StatusQueued,
		})
		return
	}
	s.waitInline(w, r, f)
}

// waitInline writes the result of an inline task, waiting at most the
// configured inline wait.
func (s *Server) waitInline(w http.ResponseWriter, r *http.Request, f *dispatch.Future) {
	ctx, cancel := context.WithTimeout(r.Context(), s.inlineWait)
	defer cancel()

	start := time.Now()
	res, err := f.Wait(ctx)
	inlineWaitDuration.WithLabelValues(f.Kind()).Observe(time.Since(start).Seconds())
	if err != nil {
		recordTaskRequest(f.Kind(), outcomeWaitExpired)
		if r.Context().Err() != nil {
			return // Client disconnected.
		}
		err = fmt.Errorf("%w: task %d still running after %v", model.ErrTimeout, f.ID(), s.inlineWait)
		s.writeTaskError(w, f.ID(), err)
		return
	}

	recordTaskRequest(f.Kind(), string(res.Status))

	resp := taskResponse{
		ID:     f.ID(),
		Kind:   f.Kind(),
		Mode:   f.Mode(),
		Status: res.Status,
		Result: res.Payload,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
		resp.ErrorKind = model.ErrorKind(res.Err)
	}
	code := http.StatusOK
	if res.Status != model.StatusCompleted {
		code = errorStatus(res.Err)
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskIDParam(w, r)
	if !ok {
		return
	}

	if snap, ok := s.registry.Get(id); ok {
		s.writeJSON(w, http.StatusOK, snap.Task())
		return
	}

	t, err := s.history.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeTaskError(w, id, fmt.Errorf("%w: %d", model.ErrUnknownTask, id))
		return
	}
	if err != nil {
		s.logger.Error("get task", "task_id", uint64(id), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task", model.ErrKindInternal)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

// handleListTasks lists task history, newest first. With active=true it
// lists the tracked tasks the registry currently holds instead.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		snaps := s.registry.List()
		tasks := make([]model.Task, 0, len(snaps))
		for _, snap := range snaps {
			tasks = append(tasks, snap.Task())
		}
		s.writeJSON(w, http.StatusOK, listTasksResponse{Tasks: tasks, Total: len(tasks), Limit: len(tasks)})
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, total, err := s.history.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks", model.ErrKindInternal)
		return
	}

	tasks := make([]model.Task, 0, len(rows))
	for _, t := range rows {
		tasks = append(tasks, *t)
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelTask submits a cancel for the task and returns its outcome.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskIDParam(w, r)
	if !ok {
		return
	}

	f, err := s.worker.Submit(dispatch.Cancel{Target: id}, 0)
	if err != nil {
		s.writeTaskError(w, id, err)
		return
	}
	s.waitInline(w, r, f)
}
