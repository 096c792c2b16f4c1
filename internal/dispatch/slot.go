package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/seantiz/autopilot/internal/model"
)

// ErrSlotObserved is returned by Future.Wait after the result has already
// been taken.
var ErrSlotObserved = errors.New("task result already observed")

// slot holds the single result of one task. The write half (Resolver) and
// the read half (Future) each allow exactly one successful operation.
type slot struct {
	id       model.TaskID
	value    model.Result
	done     chan struct{}
	written  atomic.Bool
	observed atomic.Bool
}

// Resolver is the write half of a task's result slot.
type Resolver struct {
	s *slot
}

// Future is the read half of a task's result slot.
type Future struct {
	s    *slot
	kind string
	mode model.Mode
}

func newSlot(id model.TaskID, kind string, mode model.Mode) (*Resolver, *Future) {
	s := &slot{id: id, done: make(chan struct{})}
	return &Resolver{s: s}, &Future{s: s, kind: kind, mode: mode}
}

// Resolve writes the result. A second write returns an error wrapping
// model.ErrInvariantViolation and leaves the first result in place.
func (r *Resolver) Resolve(res model.Result) error {
	if !r.s.written.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: result for task %d written twice (second status %s)",
			model.ErrInvariantViolation, r.s.id, res.Status)
	}
	r.s.value = res
	close(r.s.done)
	return nil
}

// ID returns the task id.
func (f *Future) ID() model.TaskID { return f.s.id }

// Kind returns the task kind name.
func (f *Future) Kind() string { return f.kind }

// Mode returns how the task is observed.
func (f *Future) Mode() model.Mode { return f.mode }

// Done is closed once the result has been written.
func (f *Future) Done() <-chan struct{} { return f.s.done }

// Wait blocks until the result is written or ctx is done. The result can be
// taken once; later calls return ErrSlotObserved. A ctx expiry does not
// consume the result.
func (f *Future) Wait(ctx context.Context) (model.Result, error) {
	select {
	case <-f.s.done:
	case <-ctx.Done():
		return model.Result{}, ctx.Err()
	}
	if !f.s.observed.CompareAndSwap(false, true) {
		return model.Result{}, ErrSlotObserved
	}
	return f.s.value, nil
}
