package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/autopilot/internal/model"
)

// Envelope is one queued task: its id, request and the write half of its
// result slot.
type Envelope struct {
	ID          model.TaskID
	Kind        Kind
	Mode        model.Mode
	SubmittedAt time.Time
	// Deadline is zero when the task has no timeout.
	Deadline time.Time

	resolver *Resolver
}

// Delivery is an envelope taken off the channel. Withdrawn is set when a
// Cancel for the envelope was pushed while it was still waiting; Cause then
// holds the error to finish it with.
type Delivery struct {
	*Envelope
	Withdrawn bool
	Cause     error
}

// Channel is the unbounded FIFO between submitters and the worker. Any
// number of goroutines may Push; one goroutine pops.
//
// Task ids are assigned under the channel lock, so id order is the order in
// which envelopes leave the channel.
type Channel struct {
	mu        sync.Mutex
	buf       []*Envelope
	withdrawn map[model.TaskID]error
	next      model.TaskID
	closed    bool
	ready     chan struct{}
	onPush    func(*Envelope) error
}

// NewChannel creates an empty channel. onPush, if set, runs under the channel
// lock for every accepted envelope before it becomes visible to the worker;
// an error from it rejects the push.
func NewChannel(onPush func(*Envelope) error) *Channel {
	return &Channel{
		withdrawn: make(map[model.TaskID]error),
		ready:     make(chan struct{}, 1),
		onPush:    onPush,
	}
}

// Push enqueues k and returns the read half of its result slot. timeout, if
// positive, sets the envelope's deadline. Push never blocks on the consumer.
func (c *Channel) Push(k Kind, timeout time.Duration) (*Future, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: not accepting tasks", model.ErrChannelClosed)
	}

	var target model.TaskID
	switch t := k.(type) {
	case Cancel:
		target = t.Target
	case Adjust:
		target = t.Target
	}
	if target > c.next {
		return nil, fmt.Errorf("%w: %d", model.ErrUnknownTask, target)
	}

	id := c.next + 1
	mode := Classify(k)
	now := time.Now().UTC()
	resolver, future := newSlot(id, k.Name(), mode)
	env := &Envelope{
		ID:          id,
		Kind:        k,
		Mode:        mode,
		SubmittedAt: now,
		resolver:    resolver,
	}
	if timeout > 0 {
		env.Deadline = now.Add(timeout)
	}
	if c.onPush != nil {
		if err := c.onPush(env); err != nil {
			return nil, err
		}
	}
	c.next = id

	if cancel, ok := k.(Cancel); ok {
		c.withdrawLocked(cancel)
	}
	c.buf = append(c.buf, env)
	queueDepth.Set(float64(len(c.buf)))

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return future, nil
}

// withdrawLocked marks a still-buffered cancel target so the worker
// finishes it without executing it.
func (c *Channel) withdrawLocked(k Cancel) {
	for _, env := range c.buf {
		if env.ID != k.Target {
			continue
		}
		cause := k.cause
		if cause == nil {
			cause = fmt.Errorf("%w: withdrawn by task cancel before dispatch", model.ErrCancelled)
		}
		c.withdrawn[k.Target] = cause
		return
	}
}

// Ready is signalled after pushes. The consumer drains with TryPop until it
// reports empty, then waits on Ready again.
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

// TryPop removes the oldest envelope without blocking.
func (c *Channel) TryPop() (Delivery, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) == 0 {
		return Delivery{}, false
	}
	env := c.buf[0]
	c.buf[0] = nil
	c.buf = c.buf[1:]
	queueDepth.Set(float64(len(c.buf)))
	return c.deliveryLocked(env), true
}

// Drain removes and returns every buffered envelope in FIFO order.
func (c *Channel) Drain() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drainLocked()
}

// Close stops accepting pushes and returns whatever was still buffered.
// Closing twice returns nothing the second time.
func (c *Channel) Close() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.drainLocked()
}

// Len returns the number of buffered envelopes.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// LastID returns the most recently assigned task id.
func (c *Channel) LastID() model.TaskID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *Channel) drainLocked() []Delivery {
	out := make([]Delivery, 0, len(c.buf))
	for _, env := range c.buf {
		out = append(out, c.deliveryLocked(env))
	}
	c.buf = nil
	queueDepth.Set(0)
	return out
}

func (c *Channel) deliveryLocked(env *Envelope) Delivery {
	d := Delivery{Envelope: env}
	if cause, ok := c.withdrawn[env.ID]; ok {
		delete(c.withdrawn, env.ID)
		d.Withdrawn = true
		d.Cause = cause
	}
	return d
}
