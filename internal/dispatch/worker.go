package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/seantiz/autopilot/internal/backend"
	"github.com/seantiz/autopilot/internal/model"
	"github.com/seantiz/autopilot/internal/progress"
)

// State is the worker's lifecycle state.
type State string

// Worker states.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Cancel outcomes reported in a cancel task's result.
const (
	OutcomeWithdrawn       = "withdrawn"
	OutcomeStopRequested   = "stop_requested"
	OutcomeAlreadyFinished = "already_finished"
)

const (
	defaultCallTimeout   = 30 * time.Second
	defaultShutdownGrace = 5 * time.Second
)

// Options configures a Worker.
type Options struct {
	// Registry records tracked tasks. Required.
	Registry *progress.Registry
	// Publisher receives inline task status and engine-global events.
	Publisher progress.Publisher
	Logger    *slog.Logger
	// CallTimeout bounds each synchronous engine call.
	CallTimeout time.Duration
	// ShutdownGrace bounds how long shutdown waits for in-flight tracked
	// tasks before failing them.
	ShutdownGrace time.Duration
	// DefaultTimeout is the deadline given to tracked tasks submitted
	// without one. Zero means no deadline.
	DefaultTimeout time.Duration
}

// Info describes the worker for status endpoints.
type Info struct {
	State    State                `json:"state"`
	Engine   backend.Capabilities `json:"engine"`
	Queued   int                  `json:"queued"`
	InFlight int                  `json:"in_flight"`
	LastID   model.TaskID         `json:"last_id"`
}

// Worker owns the engine handle. Only the goroutine running Run calls
// engine methods; everything else reaches the engine by submitting tasks.
type Worker struct {
	eng      backend.Engine
	caps     backend.Capabilities
	queue    *Channel
	pending  *pendingTable
	registry *progress.Registry
	pub      progress.Publisher
	bridge   *Bridge
	logger   *slog.Logger
	opts     Options

	// wake nudges Run to look at degradeReq. degradeReq holds the first
	// unhandled degrade cause; it is never dropped.
	wake       chan struct{}
	degradeReq atomic.Pointer[error]
	state      atomic.Value
	started atomic.Bool
	done    chan struct{}

	// withdrawn holds ids finished without dispatch until the cancel that
	// withdrew them runs. Run goroutine only.
	withdrawn map[model.TaskID]struct{}
}

// NewWorker creates a worker that will own eng once Run starts.
func NewWorker(eng backend.Engine, opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.Registry == nil {
		opts.Registry = progress.NewRegistry(progress.Options{Publisher: opts.Publisher, Logger: opts.Logger})
	}

	w := &Worker{
		eng:       eng,
		caps:      eng.Capabilities(),
		pending:   newPendingTable(),
		registry:  opts.Registry,
		pub:       opts.Publisher,
		logger:    opts.Logger,
		opts:      opts,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		withdrawn: make(map[model.TaskID]struct{}),
	}
	w.queue = NewChannel(w.accept)
	w.bridge = &Bridge{w: w, logger: opts.Logger}
	w.state.Store(StateIdle)
	return w
}

// Submit validates k and queues it. The returned future resolves exactly
// once with the task's result. timeout applies to tracked tasks only; zero
// selects the default.
func (w *Worker) Submit(k Kind, timeout time.Duration) (*Future, error) {
	if k == nil {
		return nil, validationError("task kind is required")
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	if Classify(k) == model.ModeInline {
		timeout = 0
	} else if timeout <= 0 {
		timeout = w.opts.DefaultTimeout
	}

	f, err := w.queue.Push(k, timeout)
	if err != nil {
		return nil, err
	}
	tasksSubmitted.WithLabelValues(k.Name(), string(f.Mode())).Inc()
	w.logger.Debug("task submitted", "task_id", uint64(f.ID()), "kind", k.Name(), "mode", string(f.Mode()))
	return f, nil
}

// Registry returns the registry that tracks this worker's tasks.
func (w *Worker) Registry() *progress.Registry { return w.registry }

// Bridge returns the callback bridge registered with the engine.
func (w *Worker) Bridge() *Bridge { return w.bridge }

// State returns the current lifecycle state.
func (w *Worker) State() State { return w.state.Load().(State) }

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Info returns a snapshot of the worker's state.
func (w *Worker) Info() Info {
	return Info{
		State:    w.State(),
		Engine:   w.caps,
		Queued:   w.queue.Len(),
		InFlight: w.pending.len(),
		LastID:   w.queue.LastID(),
	}
}

// Run executes queued tasks one at a time until ctx is done, then shuts
// down: queued tasks fail with ErrChannelClosed, in-flight tracked tasks get
// the shutdown grace period, and the engine is closed.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("worker already started")
	}
	defer close(w.done)

	w.eng.SetCallback(w.bridge.Handle)
	w.setState(StateRunning)
	w.logger.Info("worker started", "driver", w.caps.Driver, "engine", w.caps.Name)

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case <-w.wake:
			w.pollControl()
		case <-w.queue.Ready():
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		w.pollControl()
		d, ok := w.queue.TryPop()
		if !ok {
			return
		}
		w.dispatch(ctx, d)
	}
}

func (w *Worker) pollControl() {
	if cause := w.degradeReq.Swap(nil); cause != nil {
		w.degrade(*cause)
	}
}

// requestDegrade asks the Run goroutine to degrade without blocking. While a
// request is outstanding later causes are logged and folded into it.
func (w *Worker) requestDegrade(cause error) {
	if !w.degradeReq.CompareAndSwap(nil, &cause) {
		w.logger.Warn("degrade already requested", "error", cause)
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) dispatch(ctx context.Context, d Delivery) {
	env := d.Envelope
	if d.Withdrawn {
		w.reject(d, nil)
		return
	}
	if w.State() == StateDegraded {
		if _, ok := env.Kind.(Connect); !ok {
			w.reject(d, fmt.Errorf("%w: worker degraded, submit connect to recover", model.ErrEngineUnavailable))
			return
		}
	}
	if env.Mode == model.ModeTracked {
		w.start(ctx, env)
		return
	}
	w.runInline(ctx, env)
}

// reject finishes an envelope that will not be executed. A withdrawn
// envelope finishes with its withdrawal cause instead of err.
func (w *Worker) reject(d Delivery, err error) {
	if d.Withdrawn {
		w.withdrawn[d.ID] = struct{}{}
		if errors.Is(d.Cause, model.ErrTimeout) {
			w.complete(d.Envelope, model.Failed(d.Cause), true)
		} else {
			w.complete(d.Envelope, model.Cancelled(d.Cause), true)
		}
		return
	}
	w.complete(d.Envelope, model.Failed(err), true)
}

func (w *Worker) runInline(ctx context.Context, env *Envelope) {
	w.publishInline(env, model.StatusRunning, nil)

	callCtx, cancel := w.callContext(ctx)
	defer cancel()

	start := time.Now()
	payload, err := w.execute(callCtx, env)
	observeCall(env.Kind.Name(), start, err)
	if err != nil {
		if errors.Is(err, backend.ErrDisconnected) {
			w.degrade(err)
		}
		w.complete(env, model.Failed(engineError(err)), true)
		return
	}
	if _, ok := env.Kind.(Connect); ok && w.State() == StateDegraded {
		w.markRecovered()
	}
	w.complete(env, model.Completed(payload), true)
}

func (w *Worker) execute(ctx context.Context, env *Envelope) (json.RawMessage, error) {
	switch k := env.Kind.(type) {
	case Connect:
		if err := w.eng.Connect(ctx, backend.ConnectParams{Address: k.Address, Config: k.Config}); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"connected": true, "address": k.Address})
	case Capture:
		return w.eng.Call(ctx, backend.Operation{Type: backend.OpCapture})
	case QueryState:
		return w.eng.Call(ctx, backend.Operation{Type: backend.OpState})
	case Adjust:
		return w.adjust(ctx, k)
	case ForceStop:
		ids := w.pending.ids()
		if err := w.eng.StopAll(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"stopping": ids})
	case Cancel:
		return w.cancel(ctx, k)
	default:
		return nil, fmt.Errorf("%w: %s cannot run inline", model.ErrInvariantViolation, env.Kind.Name())
	}
}

func (w *Worker) adjust(ctx context.Context, k Adjust) (json.RawMessage, error) {
	snap, ok := w.registry.Peek(k.Target)
	if !ok {
		return nil, fmt.Errorf("%w: %d is not a tracked task", model.ErrUnknownTask, k.Target)
	}
	if model.IsTerminal(snap.Status) {
		return nil, fmt.Errorf("%w: task %d already %s", model.ErrValidation, k.Target, snap.Status)
	}
	return w.eng.Call(ctx, backend.Operation{Type: backend.OpAdjust, Ref: uint64(k.Target), Params: k.Params})
}

func (w *Worker) cancel(ctx context.Context, k Cancel) (json.RawMessage, error) {
	outcome := OutcomeAlreadyFinished
	if _, ok := w.withdrawn[k.Target]; ok {
		delete(w.withdrawn, k.Target)
		outcome = OutcomeWithdrawn
	} else if w.needsStop(k.Target) {
		if err := w.eng.Stop(ctx, uint64(k.Target)); err != nil {
			return nil, err
		}
		outcome = OutcomeStopRequested
	}
	w.logger.Info("task cancel", "task_id", uint64(k.Target), "outcome", outcome)
	return json.Marshal(map[string]any{"target": k.Target, "outcome": outcome})
}

// needsStop reports whether the engine may still be working on id: it is in
// flight, or it was finished locally and the engine never confirmed.
func (w *Worker) needsStop(id model.TaskID) bool {
	if w.pending.has(id) {
		return true
	}
	snap, ok := w.registry.Peek(id)
	return ok && model.IsTerminal(snap.Status) && !snap.Settled
}

func (w *Worker) start(ctx context.Context, env *Envelope) {
	op, err := operationFor(env)
	if err != nil {
		w.complete(env, model.Failed(err), true)
		return
	}

	// The engine may report on the task before Start returns.
	w.pending.add(env)
	if err := w.registry.Update(env.ID, progress.Change{Status: model.StatusRunning}); err != nil {
		w.logger.Warn("marking task running", "task_id", uint64(env.ID), "error", err)
	}

	callCtx, cancel := w.callContext(ctx)
	defer cancel()

	start := time.Now()
	err = w.eng.Start(callCtx, op)
	observeCall("start", start, err)
	if err == nil {
		w.logger.Info("task started", "task_id", uint64(env.ID), "kind", env.Kind.Name())
		return
	}

	w.logger.Error("engine rejected task", "task_id", uint64(env.ID), "kind", env.Kind.Name(), "error", err)
	w.finish(env.ID, model.Failed(engineError(err)), true)
	if errors.Is(err, backend.ErrDisconnected) {
		w.degrade(err)
	}
}

func operationFor(env *Envelope) (backend.Operation, error) {
	op := backend.Operation{Ref: uint64(env.ID)}
	var params any
	switch k := env.Kind.(type) {
	case Session:
		op.Type = backend.OpSession
		params = k
	case Sequence:
		steps, err := parseSteps(k.Steps)
		if err != nil {
			return op, err
		}
		op.Type = backend.OpSequence
		params = struct {
			Name  string `json:"name,omitempty"`
			Steps []Step `json:"steps"`
		}{k.Label, steps}
	default:
		return op, fmt.Errorf("%w: %s is not a tracked kind", model.ErrInvariantViolation, env.Kind.Name())
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return op, fmt.Errorf("encoding %s params: %w", env.Kind.Name(), err)
	}
	op.Params = raw
	return op, nil
}

// finish is the terminal path for in-flight tracked tasks. Whoever removes
// the task from the pending table completes it; every later caller's result
// goes to the registry, which records it as a duplicate. It reports whether
// this call completed the task.
func (w *Worker) finish(id model.TaskID, res model.Result, settled bool) bool {
	env, ok := w.pending.take(id)
	if ok {
		w.complete(env, res, settled)
		return true
	}

	snap, known := w.registry.Peek(id)
	switch {
	case !known:
		w.logger.Debug("terminal result for unknown task", "task_id", uint64(id), "status", string(res.Status))
	case !model.IsTerminal(snap.Status):
		w.logger.Warn("terminal result for task not in flight", "task_id", uint64(id), "status", string(snap.Status))
	default:
		_ = w.registry.Update(id, progress.Change{Status: res.Status, Payload: res.Payload, Err: res.Err})
	}
	return false
}

// complete writes res to the envelope's result slot and records it. Each
// envelope must reach complete once.
func (w *Worker) complete(env *Envelope, res model.Result, settled bool) {
	if env.Mode == model.ModeTracked {
		err := w.registry.Update(env.ID, progress.Change{
			Status:    res.Status,
			Payload:   res.Payload,
			Err:       res.Err,
			Unsettled: !settled,
		})
		if err != nil {
			w.logger.Warn("recording task result", "task_id", uint64(env.ID), "error", err)
		}
	} else {
		w.publishInline(env, res.Status, &res)
	}

	if err := env.resolver.Resolve(res); err != nil {
		invariantViolations.Inc()
		w.logger.Error("result slot written twice",
			"task_id", uint64(env.ID),
			"kind", env.Kind.Name(),
			"mode", string(env.Mode),
			"status", string(res.Status),
			"error", err,
		)
		w.requestDegrade(err)
		return
	}

	tasksFinished.WithLabelValues(env.Kind.Name(), string(res.Status)).Inc()
	attrs := []any{"task_id", uint64(env.ID), "kind", env.Kind.Name(), "status", string(res.Status)}
	if res.Err != nil {
		attrs = append(attrs, "error_kind", model.ErrorKind(res.Err), "error", res.Err)
	}
	w.logger.Debug("task finished", attrs...)
}

// degrade moves the worker to degraded mode. Every in-flight tracked task
// and every task still in the channel fails with ErrEngineUnavailable; only
// connect tasks submitted afterwards run until one succeeds.
func (w *Worker) degrade(cause error) {
	switch w.State() {
	case StateDegraded, StateStopping, StateStopped:
		return
	}
	w.setState(StateDegraded)
	workerDegraded.Set(1)

	unavailable := fmt.Errorf("%w: %v", model.ErrEngineUnavailable, cause)
	failed := w.failInFlight(cause)
	queued := w.queue.Drain()
	for _, d := range queued {
		w.reject(d, unavailable)
	}
	// Every cancel that could claim a withdrawal was drained with it.
	clear(w.withdrawn)

	w.logger.Error("engine unavailable, worker degraded", "error", cause, "in_flight", failed, "queued", len(queued))
	w.publishGlobal(model.EventEngine, string(StateDegraded), nil, cause)
}

// failInFlight fails every in-flight tracked task with ErrEngineUnavailable
// and returns how many it failed. It is safe to call from any goroutine.
func (w *Worker) failInFlight(cause error) int {
	unavailable := fmt.Errorf("%w: %v", model.ErrEngineUnavailable, cause)
	envs := w.pending.takeAll()
	for _, env := range envs {
		w.complete(env, model.Failed(unavailable), true)
	}
	return len(envs)
}

func (w *Worker) markRecovered() {
	w.setState(StateRunning)
	workerDegraded.Set(0)
	w.logger.Info("engine reconnected, worker recovered")
	w.publishGlobal(model.EventEngine, "recovered", nil, nil)
}

func (w *Worker) shutdown() {
	w.setState(StateStopping)
	w.logger.Info("worker shutting down", "queued", w.queue.Len(), "in_flight", w.pending.len())

	closed := fmt.Errorf("%w: worker shutting down", model.ErrChannelClosed)
	for _, d := range w.queue.Close() {
		w.reject(d, closed)
	}

	if n := w.pending.len(); n > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.ShutdownGrace)
		if err := w.eng.StopAll(ctx); err != nil {
			w.logger.Warn("stopping in-flight tasks", "error", err)
		}
		if !w.pending.waitEmpty(ctx) {
			w.logger.Warn("shutdown grace expired", "in_flight", w.pending.len(), "grace", w.opts.ShutdownGrace.String())
		}
		cancel()
	}
	lost := fmt.Errorf("%w: no result before shutdown", model.ErrEngineUnavailable)
	for _, env := range w.pending.takeAll() {
		w.complete(env, model.Failed(lost), true)
	}

	w.eng.SetCallback(nil)
	if err := w.eng.Close(); err != nil {
		w.logger.Warn("closing engine", "error", err)
	}
	w.setState(StateStopped)
	w.logger.Info("worker stopped")
}

// callContext bounds one engine call. It survives cancellation of the run
// context so a call in progress at shutdown completes normally.
func (w *Worker) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.opts.CallTimeout)
}

func (w *Worker) setState(s State) {
	w.state.Store(s)
}

// accept runs under the channel lock for every pushed envelope.
func (w *Worker) accept(env *Envelope) error {
	if env.Mode == model.ModeTracked {
		return w.registry.Register(env.ID, env.Kind.Name(), env.Deadline)
	}
	w.publishInline(env, model.StatusQueued, nil)
	return nil
}

func (w *Worker) publishInline(env *Envelope, status model.Status, res *model.Result) {
	if w.pub == nil {
		return
	}
	ev := model.NewEvent(model.EventStatus, env.ID)
	ev.Kind = env.Kind.Name()
	ev.Mode = model.ModeInline
	ev.Status = status
	if res != nil {
		ev.Payload = res.Payload
		ev = ev.WithError(res.Err)
	}
	w.pub.Publish(ev)
}

func (w *Worker) publishGlobal(t model.EventType, name string, payload json.RawMessage, err error) {
	if w.pub == nil {
		return
	}
	ev := model.NewEvent(t, 0)
	ev.Name = name
	ev.Payload = payload
	w.pub.Publish(ev.WithError(err))
}

// engineError maps an engine call error onto the task error taxonomy.
func engineError(err error) error {
	switch {
	case errors.Is(err, backend.ErrDisconnected):
		return fmt.Errorf("%w: %w", model.ErrEngineUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: engine call: %w", model.ErrTimeout, err)
	case model.ErrorKind(err) != model.ErrKindInternal:
		return err
	default:
		return fmt.Errorf("%w: %w", model.ErrEngine, err)
	}
}
