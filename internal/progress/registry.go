package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/autopilot/internal/model"
)

// ErrStale is returned when a non-terminal update arrives for a task that
// has already reached a terminal status.
var ErrStale = errors.New("stale update for finished task")

// Publisher receives the events the registry emits.
type Publisher interface {
	Publish(ev model.Event)
}

// Options configures a Registry.
type Options struct {
	// Retention is how long a settled terminal entry is kept when nobody
	// reads it.
	Retention time.Duration
	// OrphanRetention is how long a terminal entry whose engine side never
	// settled is kept before it is dropped.
	OrphanRetention time.Duration
	Publisher       Publisher
	Logger          *slog.Logger
}

// Change is one update applied to a registry entry.
type Change struct {
	Status model.Status
	// Payload is the result on a terminal change and the latest progress
	// detail otherwise.
	Payload json.RawMessage
	Err     error
	// Unsettled marks a terminal status decided locally, such as a timeout,
	// while the engine may still report on the task.
	Unsettled bool
}

// Snapshot is a copy of one registry entry.
type Snapshot struct {
	ID          model.TaskID
	Kind        string
	Status      model.Status
	Result      json.RawMessage
	Progress    json.RawMessage
	Err         error
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Deadline    time.Time
	LastUpdated time.Time
	Watchers    int
	Settled     bool
}

// Task converts the snapshot to its external form.
func (s Snapshot) Task() model.Task {
	t := model.Task{
		ID:        s.ID,
		Kind:      s.Kind,
		Mode:      model.ModeTracked,
		Status:    s.Status,
		Result:    s.Result,
		Progress:  s.Progress,
		CreatedAt: s.CreatedAt,
	}
	if s.Err != nil {
		t.Error = s.Err.Error()
		t.ErrorKind = model.ErrorKind(s.Err)
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		t.StartedAt = &started
	}
	if !s.FinishedAt.IsZero() {
		finished := s.FinishedAt
		t.FinishedAt = &finished
		from := s.CreatedAt
		if !s.StartedAt.IsZero() {
			from = s.StartedAt
		}
		ms := int(finished.Sub(from).Milliseconds())
		t.DurationMS = &ms
	}
	if !s.Deadline.IsZero() {
		deadline := s.Deadline
		t.Deadline = &deadline
	}
	return t
}

type entry struct {
	Snapshot
	observed bool
}

// Registry tracks the status of every tracked task. It is safe for
// concurrent use: the worker and the engine callback write to it while API
// handlers read from it.
//
// Status moves forward only. Once an entry is terminal, further terminal
// updates are recorded as diagnostics and leave the entry unchanged.
type Registry struct {
	mu      sync.RWMutex
	entries map[model.TaskID]*entry
	opts    Options
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.OrphanRetention <= 0 {
		opts.OrphanRetention = time.Hour
	}
	return &Registry{
		entries: make(map[model.TaskID]*entry),
		opts:    opts,
		now:     time.Now,
	}
}

// Register creates a queued entry for a tracked task.
func (r *Registry) Register(id model.TaskID, kind string, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: task %d registered twice", model.ErrInvariantViolation, id)
	}
	now := r.now().UTC()
	e := &entry{Snapshot: Snapshot{
		ID:          id,
		Kind:        kind,
		Status:      model.StatusQueued,
		CreatedAt:   now,
		Deadline:    deadline,
		LastUpdated: now,
		Settled:     true,
	}}
	r.entries[id] = e
	registryEntries.Set(float64(len(r.entries)))
	r.publishStatus(e)
	return nil
}

// Update applies c to the entry for id.
//
// A change that repeats the current non-terminal status refreshes the
// progress detail without a transition. A terminal change on a terminal
// entry returns ErrDuplicateTerminal and publishes a diagnostic event.
func (r *Registry) Update(id model.TaskID, c Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrUnknownTask, id)
	}
	now := r.now().UTC()

	if model.IsTerminal(e.Status) {
		if !model.IsTerminal(c.Status) {
			return ErrStale
		}
		duplicateTerminals.Inc()
		r.opts.Logger.Warn("duplicate terminal update",
			"task_id", uint64(id),
			"kind", e.Kind,
			"status", string(e.Status),
			"duplicate_status", string(c.Status),
		)
		if r.opts.Publisher != nil {
			ev := model.NewEvent(model.EventDiagnostic, id)
			ev.Kind = e.Kind
			ev.Mode = model.ModeTracked
			ev.Status = c.Status
			ev.Name = model.ErrKindDuplicateTerminal
			ev.Payload = c.Payload
			ev = ev.WithError(c.Err)
			r.opts.Publisher.Publish(ev)
		}
		return fmt.Errorf("%w: task %d already %s", model.ErrDuplicateTerminal, id, e.Status)
	}

	if c.Status == e.Status {
		if len(c.Payload) > 0 {
			e.Progress = c.Payload
		}
		e.LastUpdated = now
		return nil
	}

	if !model.ValidTransition(e.Status, c.Status) {
		return fmt.Errorf("%w: task %d cannot move from %s to %s",
			model.ErrInvariantViolation, id, e.Status, c.Status)
	}

	e.Status = c.Status
	e.LastUpdated = now
	switch {
	case c.Status == model.StatusRunning:
		e.StartedAt = now
		if len(c.Payload) > 0 {
			e.Progress = c.Payload
		}
	case model.IsTerminal(c.Status):
		e.FinishedAt = now
		e.Result = c.Payload
		e.Err = c.Err
		e.Settled = !c.Unsettled
	}
	r.publishStatus(e)
	return nil
}

// Settle marks a terminal entry as settled: the engine has confirmed it is
// no longer working on the task. It reports whether the entry exists.
func (r *Registry) Settle(id model.TaskID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if model.IsTerminal(e.Status) {
		e.Settled = true
	}
	return true
}

// Get returns the entry for id. Reading a terminal entry marks it observed,
// which lets the sweeper reclaim it.
func (r *Registry) Get(id model.TaskID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	if model.IsTerminal(e.Status) {
		e.observed = true
	}
	return e.Snapshot, true
}

// Peek returns the entry for id without marking it observed.
func (r *Registry) Peek(id model.TaskID) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.Snapshot, true
}

// Watch records an interested subscriber for id. While any watcher remains
// the entry is not swept.
func (r *Registry) Watch(id model.TaskID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.Watchers++
	return true
}

// Unwatch releases a watcher taken with Watch. A watcher that saw the
// terminal status counts as an observation.
func (r *Registry) Unwatch(id model.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.Watchers == 0 {
		return
	}
	e.Watchers--
	if model.IsTerminal(e.Status) {
		e.observed = true
	}
}

// Expired returns non-terminal entries whose deadline is before now.
func (r *Registry) Expired(now time.Time) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Snapshot
	for _, e := range r.entries {
		if model.IsTerminal(e.Status) || e.Deadline.IsZero() {
			continue
		}
		if now.After(e.Deadline) {
			out = append(out, e.Snapshot)
		}
	}
	sortSnapshots(out)
	return out
}

// List returns every entry ordered by task id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Snapshot)
	}
	sortSnapshots(out)
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep removes entries that nobody needs any more and returns how many
// were removed. A settled terminal entry goes once it has been observed and
// has no watchers, or once Retention has passed. A terminal entry that never
// settled goes after OrphanRetention.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		if !model.IsTerminal(e.Status) {
			continue
		}
		age := now.Sub(e.FinishedAt)
		switch {
		case !e.Settled:
			if age < r.opts.OrphanRetention {
				continue
			}
			r.opts.Logger.Warn("dropping unsettled task", "task_id", uint64(id), "kind", e.Kind, "age", age.String())
			registrySwept.WithLabelValues("orphaned").Inc()
		case e.Watchers > 0:
			continue
		case e.observed:
			registrySwept.WithLabelValues("observed").Inc()
		case age >= r.opts.Retention:
			registrySwept.WithLabelValues("expired").Inc()
		default:
			continue
		}
		delete(r.entries, id)
		removed++
	}
	registryEntries.Set(float64(len(r.entries)))
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Sweep(now); n > 0 {
				r.opts.Logger.Debug("registry swept", "removed", n, "remaining", r.Len())
			}
		}
	}
}

// publishStatus must be called with r.mu held so status events for one
// task leave in transition order.
func (r *Registry) publishStatus(e *entry) {
	if r.opts.Publisher == nil {
		return
	}
	ev := model.NewEvent(model.EventStatus, e.ID)
	ev.Kind = e.Kind
	ev.Mode = model.ModeTracked
	ev.Status = e.Status
	if model.IsTerminal(e.Status) {
		ev.Payload = e.Result
	}
	r.opts.Publisher.Publish(ev.WithError(e.Err))
}

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}
