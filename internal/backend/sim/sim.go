// Package sim provides an in-process engine that behaves like a real
// automation engine: long-running chains report through callbacks on an
// engine-owned goroutine, calls fail once the device link drops, and
// overlapping calls are detected and counted.
package sim

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/autopilot/internal/backend"
)

// DriverName is the registry name of the simulated engine.
const DriverName = "sim"

const (
	defaultStepDelay = 50 * time.Millisecond
	eventBuffer      = 1024
	frameWidth       = 64
	frameHeight      = 36
)

// FailPrefix makes a routine or step fail when its name starts with it.
const FailPrefix = "fail"

// Engine is a simulated automation engine.
type Engine struct {
	stepDelay time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	cb        backend.Callback
	connected bool
	address   string
	jobs      map[uint64]*job
	frames    int
	closed    bool

	events    chan []byte
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	busy     atomic.Bool
	breaches atomic.Int64
}

type job struct {
	ref      uint64
	chain    string
	steps    []string
	params   json.RawMessage
	stop     chan struct{}
	stopOnce sync.Once
	abort    chan struct{}
}

func (j *job) requestStop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

// New creates a simulated engine whose steps take stepDelay each.
func New(stepDelay time.Duration, logger *slog.Logger) *Engine {
	if stepDelay <= 0 {
		stepDelay = defaultStepDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		stepDelay: stepDelay,
		logger:    logger,
		jobs:      make(map[uint64]*job),
		events:    make(chan []byte, eventBuffer),
		quit:      make(chan struct{}),
	}
	e.wg.Go(e.deliverLoop)
	return e
}

// Open is the registry factory for the simulated engine.
func Open(cfg backend.DriverConfig) (backend.Engine, error) {
	return New(cfg.StepDelay, cfg.Logger), nil
}

// enter records one call into the engine. An overlapping call is a breach
// of the engine's single-caller contract.
func (e *Engine) enter(op string) func() {
	if !e.busy.CompareAndSwap(false, true) {
		e.breaches.Add(1)
		e.logger.Error("concurrent engine call", "op", op)
		return func() {}
	}
	return func() { e.busy.Store(false) }
}

// Breaches returns how many overlapping calls were detected.
func (e *Engine) Breaches() int64 {
	return e.breaches.Load()
}

func (e *Engine) Connect(ctx context.Context, p backend.ConnectParams) error {
	defer e.enter("connect")()
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(p.Address) == "" {
		return fmt.Errorf("%w: empty device address", backend.ErrRejected)
	}
	if strings.HasPrefix(p.Address, "unreachable") {
		return fmt.Errorf("%w: device %s unreachable", backend.ErrRejected, p.Address)
	}

	e.mu.Lock()
	e.connected = true
	e.address = p.Address
	e.mu.Unlock()

	e.emit(backend.CodeConnectionInfo, map[string]any{"what": backend.ConnConnected, "address": p.Address})
	return nil
}

func (e *Engine) Call(ctx context.Context, op backend.Operation) (json.RawMessage, error) {
	defer e.enter(op.Type)()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil, backend.ErrDisconnected
	}

	switch op.Type {
	case backend.OpState:
		return json.Marshal(map[string]any{
			"connected": e.connected,
			"address":   e.address,
			"running":   e.runningLocked(),
			"frames":    e.frames,
		})
	case backend.OpCapture:
		e.frames++
		return capture(e.frames)
	case backend.OpAdjust:
		j, ok := e.jobs[op.Ref]
		if !ok {
			return nil, fmt.Errorf("%w: no running task %d", backend.ErrRejected, op.Ref)
		}
		j.params = op.Params
		e.emitLocked(backend.CodeChainExtraInfo, map[string]any{
			"ref":    op.Ref,
			"what":   "params_updated",
			"params": op.Params,
		})
		return json.Marshal(map[string]any{"ref": op.Ref, "applied": true})
	default:
		return nil, fmt.Errorf("%w: unsupported operation %q", backend.ErrRejected, op.Type)
	}
}

func (e *Engine) Start(ctx context.Context, op backend.Operation) error {
	defer e.enter("start")()
	if err := ctx.Err(); err != nil {
		return err
	}
	if op.Ref == 0 {
		return fmt.Errorf("%w: start without reference", backend.ErrRejected)
	}
	steps, err := stepsOf(op)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected || e.closed {
		return backend.ErrDisconnected
	}
	if _, ok := e.jobs[op.Ref]; ok {
		return fmt.Errorf("%w: task %d already running", backend.ErrRejected, op.Ref)
	}

	j := &job{
		ref:   op.Ref,
		chain: op.Type,
		steps: steps,
		stop:  make(chan struct{}),
		abort: make(chan struct{}),
	}
	e.jobs[op.Ref] = j
	e.wg.Go(func() { e.run(j) })
	return nil
}

func stepsOf(op backend.Operation) ([]string, error) {
	switch op.Type {
	case backend.OpSession:
		var p struct {
			Routines []string `json:"routines"`
		}
		if err := json.Unmarshal(op.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: session params: %v", backend.ErrRejected, err)
		}
		return p.Routines, nil
	case backend.OpSequence:
		var p struct {
			Steps []struct {
				Verb string   `json:"verb"`
				Args []string `json:"args"`
			} `json:"steps"`
		}
		if err := json.Unmarshal(op.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: sequence params: %v", backend.ErrRejected, err)
		}
		steps := make([]string, 0, len(p.Steps))
		for _, s := range p.Steps {
			steps = append(steps, strings.TrimSpace(s.Verb+" "+strings.Join(s.Args, " ")))
		}
		return steps, nil
	default:
		return nil, fmt.Errorf("%w: %q cannot be started", backend.ErrRejected, op.Type)
	}
}

func (e *Engine) Stop(ctx context.Context, ref uint64) error {
	defer e.enter("stop")()
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return backend.ErrDisconnected
	}
	if j, ok := e.jobs[ref]; ok {
		j.requestStop()
	}
	return nil
}

func (e *Engine) StopAll(ctx context.Context) error {
	defer e.enter("stop_all")()
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return backend.ErrDisconnected
	}
	for _, j := range e.jobs {
		j.requestStop()
	}
	return nil
}

func (e *Engine) SetCallback(cb backend.Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
}

func (e *Engine) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:   "simulator",
		Driver: DriverName,
		Operations: []string{
			backend.OpState, backend.OpCapture, backend.OpAdjust,
			backend.OpSession, backend.OpSequence,
		},
	}
}

// Disconnect drops the device link. Running chains are lost without a
// terminal report, as happens when a real device goes away.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	e.connected = false
	for ref, j := range e.jobs {
		close(j.abort)
		delete(e.jobs, ref)
	}
	e.mu.Unlock()

	e.emit(backend.CodeConnectionInfo, map[string]any{"what": backend.ConnDisconnected})
}

// Close stops all chains and the callback goroutine.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.connected = false
		e.mu.Unlock()
		close(e.quit)
		e.wg.Wait()
	})
	return nil
}

func (e *Engine) run(j *job) {
	defer func() {
		e.mu.Lock()
		if cur, ok := e.jobs[j.ref]; ok && cur == j {
			delete(e.jobs, j.ref)
		}
		e.mu.Unlock()
	}()

	e.emit(backend.CodeChainStart, map[string]any{"ref": j.ref, "chain": j.chain, "steps": len(j.steps)})

	timer := time.NewTimer(e.stepDelay)
	defer timer.Stop()

	for i, step := range j.steps {
		e.emit(backend.CodeSubTaskStart, map[string]any{"ref": j.ref, "subtask": step, "index": i})

		timer.Reset(e.stepDelay)
		select {
		case <-timer.C:
		case <-j.stop:
			e.emit(backend.CodeSubTaskStopped, map[string]any{"ref": j.ref, "subtask": step, "index": i})
			e.emit(backend.CodeChainStopped, map[string]any{"ref": j.ref, "chain": j.chain})
			return
		case <-j.abort:
			return
		case <-e.quit:
			return
		}

		if strings.HasPrefix(step, FailPrefix) {
			msg := fmt.Sprintf("%s failed", step)
			e.emit(backend.CodeSubTaskError, map[string]any{"ref": j.ref, "subtask": step, "index": i, "message": msg})
			e.emit(backend.CodeChainError, map[string]any{"ref": j.ref, "chain": j.chain, "message": msg})
			return
		}
		e.emit(backend.CodeSubTaskCompleted, map[string]any{"ref": j.ref, "subtask": step, "index": i})
	}

	e.emit(backend.CodeChainCompleted, map[string]any{"ref": j.ref, "chain": j.chain, "steps": len(j.steps)})
}

func (e *Engine) emit(code int, details map[string]any) {
	select {
	case e.events <- backend.EncodeMessage(code, details):
	case <-e.quit:
	}
}

// emitLocked queues a message while e.mu is held. It never blocks.
func (e *Engine) emitLocked(code int, details map[string]any) {
	select {
	case e.events <- backend.EncodeMessage(code, details):
	default:
		e.logger.Warn("engine event queue full, message dropped", "code", backend.CodeName(code))
	}
}

// deliverLoop is the engine's callback goroutine.
func (e *Engine) deliverLoop() {
	for {
		select {
		case raw := <-e.events:
			e.mu.Lock()
			cb := e.cb
			e.mu.Unlock()
			if cb != nil {
				cb(raw)
			}
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) runningLocked() []uint64 {
	refs := make([]uint64, 0, len(e.jobs))
	for ref := range e.jobs {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return refs
}

// capture renders a small gradient frame that changes with every call.
func capture(frame int) (json.RawMessage, error) {
	img := image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
	shift := uint8(frame * 16)
	for y := 0; y < frameHeight; y++ {
		for x := 0; x < frameWidth; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x*4) + shift,
				G: uint8(y * 7),
				B: shift,
				A: 0xff,
			})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return json.Marshal(map[string]any{
		"format": "png",
		"width":  frameWidth,
		"height": frameHeight,
		"frame":  frame,
		"data":   base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}
