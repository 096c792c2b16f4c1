package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/seantiz/autopilot/internal/backend"
	"github.com/seantiz/autopilot/internal/model"
	"github.com/seantiz/autopilot/internal/progress"
)

// Bridge turns engine callback messages into registry updates, terminal
// results and broadcast events. Handle runs on the engine's goroutine and
// never calls the engine.
type Bridge struct {
	w      *Worker
	logger *slog.Logger
}

// Handle processes one raw engine message.
func (b *Bridge) Handle(raw []byte) {
	msg, d, err := backend.DecodeMessage(raw)
	if err != nil {
		bridgeMessages.WithLabelValues("malformed").Inc()
		b.logger.Warn("malformed engine message", "error", err, "size", len(raw))
		return
	}
	name := backend.CodeName(msg.Code)
	bridgeMessages.WithLabelValues(name).Inc()

	if backend.IsChainCode(msg.Code) || backend.IsSubTaskCode(msg.Code) {
		b.taskMessage(msg, d, name)
		return
	}
	b.globalMessage(msg, d, name)
}

func (b *Bridge) taskMessage(msg backend.Message, d backend.Details, name string) {
	id := model.TaskID(d.Ref)
	if id == 0 {
		b.logger.Warn("engine message without task reference", "code", name)
		return
	}

	switch msg.Code {
	case backend.CodeChainCompleted:
		b.terminal(id, model.Completed(msg.Details))
	case backend.CodeChainError:
		reason := d.Message
		if reason == "" {
			reason = "task chain failed"
		}
		b.terminal(id, model.Failed(fmt.Errorf("%w: %s", model.ErrEngine, reason)))
	case backend.CodeChainStopped:
		b.terminal(id, model.Cancelled(fmt.Errorf("%w: stopped on the engine", model.ErrCancelled)))
	default:
		b.progress(id, name, msg.Details)
	}
}

// terminal finishes id with res. When the task was already finished, for
// instance by the watchdog, the engine's report still settles the entry.
func (b *Bridge) terminal(id model.TaskID, res model.Result) {
	if !b.w.finish(id, res, true) {
		b.w.registry.Settle(id)
	}
}

func (b *Bridge) progress(id model.TaskID, name string, details json.RawMessage) {
	err := b.w.registry.Update(id, progress.Change{Status: model.StatusRunning, Payload: details})
	if err != nil {
		b.logger.Debug("progress for inactive task", "task_id", uint64(id), "code", name, "error", err)
		return
	}
	if b.w.pub == nil {
		return
	}
	ev := model.NewEvent(model.EventProgress, id)
	ev.Mode = model.ModeTracked
	ev.Status = model.StatusRunning
	ev.Name = name
	ev.Payload = details
	b.w.pub.Publish(ev)
}

func (b *Bridge) globalMessage(msg backend.Message, d backend.Details, name string) {
	switch msg.Code {
	case backend.CodeConnectionInfo:
		switch d.What {
		case backend.ConnDisconnected, backend.ConnUnreachable, backend.ConnConnectFailed:
			b.degraded(name, d.What, msg.Details)
		default:
			b.w.publishGlobal(model.EventEngine, name, msg.Details, nil)
		}
	case backend.CodeInternalError, backend.CodeInitFailed, backend.CodeDestroyed:
		b.degraded(name, name, msg.Details)
	default:
		b.w.publishGlobal(model.EventEngine, name, msg.Details, nil)
	}
}

// degraded broadcasts an engine-global failure and asks the worker to
// degrade. In-flight tracked tasks fail here, not on the worker, which may be
// blocked in an engine call until the call timeout. Tracked-task subscribers
// receive the event too.
func (b *Bridge) degraded(name, reason string, details json.RawMessage) {
	cause := fmt.Errorf("%w: %s", backend.ErrDisconnected, reason)
	b.logger.Warn("engine reported failure", "code", name, "reason", reason)
	b.w.publishGlobal(model.EventDegraded, name, details, fmt.Errorf("%w: %s", model.ErrEngineUnavailable, reason))
	if b.w.State() != StateStopped {
		b.w.failInFlight(cause)
	}
	b.w.requestDegrade(cause)
}
