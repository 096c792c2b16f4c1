// Package sink consumes the event stream outside the dispatch path. Each
// sink owns a broker subscription and its own goroutine, so slow storage
// or network I/O only ever delays the sink itself.
package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/autopilot/internal/model"
)

// DefaultBuffer is the subscription buffer for sinks. It is larger than an
// interactive subscriber's so bursts do not drop history.
const DefaultBuffer = 1024

const writeTimeout = 5 * time.Second

// Source is the event stream a sink reads.
type Source interface {
	SubscribeBuffered(filter model.TaskID, buffer int) (<-chan model.Event, func())
}

// History is the part of the task store the journal writes to.
type History interface {
	UpsertTask(ctx context.Context, t *model.Task) error
	InsertEvent(ctx context.Context, e model.Event) error
}

type taskTimes struct {
	kind    string
	mode    model.Mode
	created time.Time
	started *time.Time
}

// Journal records every task event and keeps one history row per task.
type Journal struct {
	src    Source
	hist   History
	buffer int
	logger *slog.Logger

	// Only touched by Run.
	tasks map[model.TaskID]*taskTimes
}

// NewJournal creates a journal writing events from src to hist.
func NewJournal(src Source, hist History, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{
		src:    src,
		hist:   hist,
		buffer: DefaultBuffer,
		logger: logger.With("component", "journal"),
		tasks:  make(map[model.TaskID]*taskTimes),
	}
}

// Run journals events until the broker closes the subscription or ctx is
// cancelled. On cancellation, events already buffered are still written.
func (j *Journal) Run(ctx context.Context) {
	events, unsubscribe := j.src.SubscribeBuffered(0, j.buffer)
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			j.record(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					j.record(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) record(ctx context.Context, ev model.Event) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := j.hist.InsertEvent(wctx, ev); err != nil {
		sinkErrors.WithLabelValues("journal").Inc()
		j.logger.Warn("journal event", "event_id", ev.ID, "task_id", uint64(ev.TaskID), "error", err)
	} else {
		sinkPublished.WithLabelValues("journal").Inc()
	}
	if ev.TaskID == 0 {
		return
	}

	task := j.taskFor(ev)
	if task == nil {
		return
	}
	if err := j.hist.UpsertTask(wctx, task); err != nil {
		sinkErrors.WithLabelValues("journal").Inc()
		j.logger.Warn("journal task", "task_id", uint64(ev.TaskID), "status", string(ev.Status), "error", err)
	}
}

// taskFor folds ev into the task's row. It returns nil for events that do
// not change a row.
func (j *Journal) taskFor(ev model.Event) *model.Task {
	switch ev.Type {
	case model.EventStatus:
	case model.EventProgress:
		tt, ok := j.tasks[ev.TaskID]
		if !ok {
			return nil
		}
		return &model.Task{
			ID:        ev.TaskID,
			Kind:      tt.kind,
			Mode:      tt.mode,
			Status:    model.StatusRunning,
			Progress:  ev.Payload,
			CreatedAt: tt.created,
			StartedAt: tt.started,
		}
	default:
		return nil
	}

	tt, ok := j.tasks[ev.TaskID]
	if !ok {
		// First sight of the task, possibly mid-flight.
		tt = &taskTimes{kind: ev.Kind, mode: ev.Mode, created: ev.Time}
		j.tasks[ev.TaskID] = tt
	}
	if tt.kind == "" {
		tt.kind = ev.Kind
	}

	t := &model.Task{
		ID:        ev.TaskID,
		Kind:      tt.kind,
		Mode:      tt.mode,
		Status:    ev.Status,
		Error:     ev.Error,
		ErrorKind: ev.ErrorKind,
		CreatedAt: tt.created,
	}
	switch {
	case ev.Status == model.StatusRunning:
		at := ev.Time
		tt.started = &at
		t.StartedAt = &at
	case model.IsTerminal(ev.Status):
		finished := ev.Time
		from := tt.created
		if tt.started != nil {
			from = *tt.started
		}
		dur := int(finished.Sub(from).Milliseconds())
		t.StartedAt = tt.started
		t.FinishedAt = &finished
		t.DurationMS = &dur
		t.Result = ev.Payload
		delete(j.tasks, ev.TaskID)
	}
	return t
}
