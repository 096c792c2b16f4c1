package dispatch_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/autopilot/internal/backend"
	"github.com/seantiz/autopilot/internal/dispatch"
	"github.com/seantiz/autopilot/internal/model"
	"github.com/seantiz/autopilot/internal/progress"
)

// fakeEngine records every call and lets tests drive callbacks by hand.
// It flags any overlapping calls.
type fakeEngine struct {
	mu       sync.Mutex
	cb       backend.Callback
	started  []backend.Operation
	stopped  []uint64
	stopAlls int
	connects []backend.ConnectParams
	calls    []backend.Operation
	closed   bool

	startErr error
	callErr  error
	// gate, when set, blocks Call until it is closed.
	gate chan struct{}

	active     atomic.Int32
	overlapped atomic.Bool
}

func (f *fakeEngine) enter() func() {
	if f.active.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	return func() { f.active.Add(-1) }
}

func (f *fakeEngine) Connect(_ context.Context, p backend.ConnectParams) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, p)
	f.callErr = nil
	f.startErr = nil
	return nil
}

func (f *fakeEngine) Call(ctx context.Context, op backend.Operation) (json.RawMessage, error) {
	defer f.enter()()
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return json.RawMessage(`{"op":"` + op.Type + `"}`), nil
}

func (f *fakeEngine) Start(_ context.Context, op backend.Operation) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, op)
	return nil
}

func (f *fakeEngine) Stop(_ context.Context, ref uint64) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ref)
	return nil
}

func (f *fakeEngine) StopAll(context.Context) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAlls++
	return nil
}

func (f *fakeEngine) SetCallback(cb backend.Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeEngine) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "fake", Driver: "fake"}
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// emit delivers a callback the way the engine would, off the worker goroutine.
func (f *fakeEngine) emit(code int, details map[string]any) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(backend.EncodeMessage(code, details))
	}
}

func (f *fakeEngine) startedRefs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	refs := make([]uint64, 0, len(f.started))
	for _, op := range f.started {
		refs = append(refs, op.Ref)
	}
	return refs
}

func (f *fakeEngine) stoppedRefs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.stopped...)
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeEngine) setGate(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = ch
}

type harness struct {
	eng      *fakeEngine
	worker   *dispatch.Worker
	registry *progress.Registry
	broker   *progress.Broker
	stop     context.CancelFunc
}

func newHarness(t *testing.T, opts dispatch.Options) *harness {
	t.Helper()
	eng := &fakeEngine{}
	broker := progress.NewBroker(1024, nil)
	registry := progress.NewRegistry(progress.Options{Publisher: broker})
	opts.Registry = registry
	opts.Publisher = broker
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 50 * time.Millisecond
	}
	w := dispatch.NewWorker(eng, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-w.Done()
		broker.Close()
	})
	require.Eventually(t, func() bool { return w.State() == dispatch.StateRunning }, time.Second, time.Millisecond)
	return &harness{eng: eng, worker: w, registry: registry, broker: broker, stop: cancel}
}

func wait(t *testing.T, f *dispatch.Future) model.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	require.NoError(t, err, "waiting for task %d", f.ID())
	return res
}

func (h *harness) waitStarted(t *testing.T, id model.TaskID) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, ref := range h.eng.startedRefs() {
			if ref == uint64(id) {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "task %d never started", id)
}

func (h *harness) waitStatus(t *testing.T, id model.TaskID, want model.Status) progress.Snapshot {
	t.Helper()
	var snap progress.Snapshot
	require.Eventually(t, func() bool {
		var ok bool
		snap, ok = h.registry.Peek(id)
		return ok && snap.Status == want
	}, 2*time.Second, time.Millisecond, "task %d never reached %s", id, want)
	return snap
}

func session() dispatch.Session {
	return dispatch.Session{Routines: []string{"daily"}}
}
