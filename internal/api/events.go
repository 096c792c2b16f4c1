package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/seantiz/autopilot/internal/model"
	"github.com/seantiz/autopilot/internal/progress"
	"github.com/seantiz/autopilot/internal/store"
)

// SSE event names besides the model event types.
const (
	sseSnapshot = "snapshot"
	sseDone     = "done"
)

// sseStream writes server-sent events to one response.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// startSSE sets SSE headers, lifts the write deadline and sends the status
// line.
func (s *Server) startSSE(w http.ResponseWriter) *sseStream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	st := &sseStream{w: w}
	st.flusher, _ = w.(http.Flusher)
	st.flush()
	return st
}

func (st *sseStream) flush() {
	if st.flusher != nil {
		st.flusher.Flush()
	}
}

// send writes a named SSE event carrying v as JSON.
func (st *sseStream) send(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := writeSSEEvent(st.w, name, string(data)); err != nil {
		return err
	}
	st.flush()
	return nil
}

// handleStreamTaskEvents streams one task's events. The stream opens with
// a snapshot of the task and ends after its terminal status.
func (s *Server) handleStreamTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskIDParam(w, r)
	if !ok {
		return
	}

	if !s.registry.Watch(id) {
		s.streamFinished(w, r, id)
		return
	}
	defer s.registry.Unwatch(id)

	// Subscribe before taking the snapshot so no transition falls between.
	ch, unsub := s.broker.Subscribe(id)
	defer unsub()

	snap, ok := s.registry.Peek(id)
	if !ok {
		s.writeTaskError(w, id, fmt.Errorf("%w: %d", model.ErrUnknownTask, id))
		return
	}

	eventStreams.WithLabelValues("sse").Inc()
	defer eventStreams.WithLabelValues("sse").Dec()

	st := s.startSSE(w)
	if err := st.send(sseSnapshot, snap.Task()); err != nil {
		return
	}
	if model.IsTerminal(snap.Status) {
		_ = writeSSEEvent(w, sseDone, "stream complete")
		st.flush()
		return
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, sseDone, "stream complete")
				st.flush()
				return
			}
			if err := st.send(string(ev.Type), ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			if ev.TaskID == id && ev.Type == model.EventStatus && model.IsTerminal(ev.Status) {
				_ = writeSSEEvent(w, sseDone, "stream complete")
				st.flush()
				return
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// streamFinished serves the event stream for a task the registry no longer
// holds: its history snapshot followed by done.
func (s *Server) streamFinished(w http.ResponseWriter, r *http.Request, id model.TaskID) {
	t, err := s.history.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeTaskError(w, id, fmt.Errorf("%w: %d", model.ErrUnknownTask, id))
		return
	}
	if err != nil {
		s.logger.Error("get task for events", "task_id", uint64(id), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task", model.ErrKindInternal)
		return
	}

	st := s.startSSE(w)
	if err := st.send(sseSnapshot, t); err != nil {
		return
	}
	_ = writeSSEEvent(w, sseDone, "stream complete")
	st.flush()
}

// handleStreamEvents streams every event until the client leaves.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.broker.Subscribe(progress.AllTasks)
	defer unsub()

	eventStreams.WithLabelValues("sse").Inc()
	defer eventStreams.WithLabelValues("sse").Dec()

	st := s.startSSE(w)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, sseDone, "stream complete")
				st.flush()
				return
			}
			if err := st.send(string(ev.Type), ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// eventHistoryResponse is the JSON response for GET /v1/tasks/{id}/events/history.
type eventHistoryResponse struct {
	TaskID model.TaskID  `json:"task_id"`
	Events []model.Event `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskIDParam(w, r)
	if !ok {
		return
	}

	if _, ok := s.registry.Peek(id); !ok {
		_, err := s.history.GetTask(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeTaskError(w, id, fmt.Errorf("%w: %d", model.ErrUnknownTask, id))
			return
		}
		if err != nil {
			s.logger.Error("get task for event history", "task_id", uint64(id), "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get task", model.ErrKindInternal)
			return
		}
	}

	events, err := s.history.GetEvents(r.Context(), id, parseIntQuery(r, "limit", 0))
	if err != nil {
		s.logger.Error("get events", "task_id", uint64(id), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events", model.ErrKindInternal)
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{TaskID: id, Events: events})
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
