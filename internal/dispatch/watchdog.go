package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/autopilot/internal/model"
)

// DefaultWatchdogInterval is how often deadlines are checked.
const DefaultWatchdogInterval = 25 * time.Millisecond

// Watchdog fails tracked tasks that pass their deadline and asks the
// engine to stop them. It never calls the engine itself: stops travel
// through the channel as Cancel tasks.
type Watchdog struct {
	w        *Worker
	interval time.Duration
	logger   *slog.Logger

	// requested holds queued tasks already sent a timeout cancel.
	requested map[model.TaskID]struct{}
}

// NewWatchdog creates a watchdog for w's tasks.
func NewWatchdog(w *Worker, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{
		w:         w,
		interval:  interval,
		logger:    w.logger,
		requested: make(map[model.TaskID]struct{}),
	}
}

// Run checks deadlines every interval until ctx is done.
func (d *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Check(now)
		}
	}
}

// Check handles every task past its deadline at now and returns how many
// were acted on.
//
// A running task is failed with ErrTimeout and left unsettled until the
// engine confirms the stop. A queued task is withdrawn; the worker fails it
// with the timeout when it reaches the front of the channel.
func (d *Watchdog) Check(now time.Time) int {
	expired := d.w.registry.Expired(now)
	live := make(map[model.TaskID]struct{}, len(expired))
	acted := 0

	for _, snap := range expired {
		live[snap.ID] = struct{}{}
		cause := fmt.Errorf("%w: task %d passed its deadline %s", model.ErrTimeout, snap.ID, snap.Deadline.Format(time.RFC3339Nano))

		switch snap.Status {
		case model.StatusQueued:
			if _, ok := d.requested[snap.ID]; ok {
				continue
			}
			d.requested[snap.ID] = struct{}{}
		case model.StatusRunning:
			if !d.w.finish(snap.ID, model.Failed(cause), false) {
				continue
			}
			watchdogTimeouts.Inc()
			d.logger.Warn("task timed out", "task_id", uint64(snap.ID), "kind", snap.Kind, "deadline", snap.Deadline)
		default:
			continue
		}

		acted++
		if _, err := d.w.queue.Push(Cancel{Target: snap.ID, cause: cause}, 0); err != nil {
			d.logger.Debug("queueing timeout cancel", "task_id", uint64(snap.ID), "error", err)
		}
	}

	for id := range d.requested {
		if _, ok := live[id]; !ok {
			delete(d.requested, id)
		}
	}
	return acted
}
