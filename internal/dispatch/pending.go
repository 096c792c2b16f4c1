package dispatch

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/seantiz/autopilot/internal/model"
)

// pendingTable holds tracked envelopes that were started on the engine and
// have not finished. Removing an envelope is the claim to finish it, so each
// in-flight task reaches its terminal path at most once no matter how many
// goroutines race to finish it.
type pendingTable struct {
	mu    sync.Mutex
	m     map[model.TaskID]*Envelope
	empty chan struct{}
}

func newPendingTable() *pendingTable {
	p := &pendingTable{
		m:     make(map[model.TaskID]*Envelope),
		empty: make(chan struct{}),
	}
	close(p.empty)
	return p
}

func (p *pendingTable) add(env *Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.m) == 0 {
		p.empty = make(chan struct{})
	}
	p.m[env.ID] = env
	tasksInFlight.Set(float64(len(p.m)))
}

// take removes and returns the envelope for id.
func (p *pendingTable) take(id model.TaskID) (*Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	env, ok := p.m[id]
	if !ok {
		return nil, false
	}
	delete(p.m, id)
	p.afterRemoveLocked()
	return env, true
}

// takeAll removes and returns every envelope ordered by id.
func (p *pendingTable) takeAll() []*Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Envelope, 0, len(p.m))
	for id, env := range p.m {
		out = append(out, env)
		delete(p.m, id)
	}
	slices.SortFunc(out, func(a, b *Envelope) int { return cmp.Compare(a.ID, b.ID) })
	p.afterRemoveLocked()
	return out
}

func (p *pendingTable) has(id model.TaskID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[id]
	return ok
}

func (p *pendingTable) ids() []model.TaskID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.TaskID, 0, len(p.m))
	for id := range p.m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// waitEmpty blocks until the table is empty or ctx is done.
func (p *pendingTable) waitEmpty(ctx context.Context) bool {
	p.mu.Lock()
	ch := p.empty
	p.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *pendingTable) afterRemoveLocked() {
	tasksInFlight.Set(float64(len(p.m)))
	if len(p.m) != 0 {
		return
	}
	select {
	case <-p.empty:
	default:
		close(p.empty)
	}
}
