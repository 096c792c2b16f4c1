// Package remote drives an engine that runs in another process, VM or
// machine. Calls travel as request frames to an engine host; the host's
// engine callbacks come back as event frames and are delivered on the
// connection's reader goroutine.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/autopilot/internal/backend"
)

// DriverName is the registry name of the remote engine driver.
const DriverName = "remote"

const defaultDialTimeout = 10 * time.Second

// Engine is a client for a remote engine host. The connection is opened by
// the first Connect and reopened by a later Connect after it drops.
type Engine struct {
	addr        Address
	maxFrame    int64
	dialTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	conn    *conn
	pending map[uint64]chan *Response
	seq     uint64
	cb      backend.Callback
	closed  bool

	writeMu sync.Mutex
	readers sync.WaitGroup
}

// New creates a client for the engine host at address.
func New(address string, maxFrame int64, dialTimeout time.Duration, logger *slog.Logger) (*Engine, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		addr:        addr,
		maxFrame:    maxFrame,
		dialTimeout: dialTimeout,
		logger:      logger.With("engine_host", addr.String()),
		pending:     make(map[uint64]chan *Response),
	}, nil
}

// Open is the registry factory for the remote engine.
func Open(cfg backend.DriverConfig) (backend.Engine, error) {
	return New(cfg.Address, cfg.MaxFrameSize, cfg.DialTimeout, cfg.Logger)
}

func (e *Engine) Connect(ctx context.Context, p backend.ConnectParams) error {
	if err := e.ensureConn(ctx); err != nil {
		return fmt.Errorf("%w: %w", backend.ErrDisconnected, err)
	}
	_, err := e.roundTrip(ctx, &Request{Method: MethodConnect, Connect: &p})
	return err
}

func (e *Engine) Call(ctx context.Context, op backend.Operation) (json.RawMessage, error) {
	return e.roundTrip(ctx, &Request{Method: MethodCall, Op: &op})
}

func (e *Engine) Start(ctx context.Context, op backend.Operation) error {
	_, err := e.roundTrip(ctx, &Request{Method: MethodStart, Op: &op})
	return err
}

func (e *Engine) Stop(ctx context.Context, ref uint64) error {
	_, err := e.roundTrip(ctx, &Request{Method: MethodStop, Ref: ref})
	return err
}

func (e *Engine) StopAll(ctx context.Context) error {
	_, err := e.roundTrip(ctx, &Request{Method: MethodStopAll})
	return err
}

func (e *Engine) SetCallback(cb backend.Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
}

func (e *Engine) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:   e.addr.String(),
		Driver: DriverName,
		Remote: true,
		Operations: []string{
			backend.OpState, backend.OpCapture, backend.OpAdjust,
			backend.OpSession, backend.OpSequence,
		},
	}
}

// Close drops the connection and fails outstanding requests.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	c := e.conn
	e.mu.Unlock()

	var err error
	if c != nil {
		err = c.Close()
	}
	e.readers.Wait()
	return err
}

func (e *Engine) ensureConn(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine client closed")
	}
	if e.conn != nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, e.dialTimeout)
	defer cancel()
	c, err := dial(dialCtx, e.addr)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		c.Close()
		return errors.New("engine client closed")
	}
	e.conn = c
	e.readers.Go(func() { e.readLoop(c) })
	e.logger.Info("connected to engine host")
	return nil
}

func (e *Engine) roundTrip(ctx context.Context, req *Request) (json.RawMessage, error) {
	e.mu.Lock()
	c := e.conn
	if c == nil {
		e.mu.Unlock()
		return nil, backend.ErrDisconnected
	}
	e.seq++
	req.Seq = e.seq
	ch := make(chan *Response, 1)
	e.pending[req.Seq] = ch
	e.mu.Unlock()

	e.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.SetWriteDeadline(deadline)
	}
	err := WriteFrame(c, &Frame{Type: FrameRequest, Request: req}, e.maxFrame)
	_ = c.SetWriteDeadline(time.Time{})
	e.writeMu.Unlock()
	if err != nil {
		e.forget(req.Seq)
		e.drop(c, err)
		return nil, fmt.Errorf("%w: %w", backend.ErrDisconnected, err)
	}

	select {
	case resp := <-ch:
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return resp.Result, nil
	case <-ctx.Done():
		e.forget(req.Seq)
		return nil, ctx.Err()
	}
}

func (e *Engine) forget(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, seq)
}

// readLoop is the engine's callback goroutine for one connection.
func (e *Engine) readLoop(c *conn) {
	for {
		f, err := ReadFrame(c.r, e.maxFrame)
		if err != nil {
			e.drop(c, err)
			return
		}

		switch f.Type {
		case FrameResponse:
			if f.Response == nil {
				continue
			}
			e.mu.Lock()
			ch, ok := e.pending[f.Response.Seq]
			delete(e.pending, f.Response.Seq)
			e.mu.Unlock()
			if ok {
				ch <- f.Response
			}
		case FrameEvent:
			e.mu.Lock()
			cb := e.cb
			e.mu.Unlock()
			if cb != nil {
				cb(f.Event)
			}
		default:
			e.logger.Warn("unexpected frame from engine host", "type", f.Type)
		}
	}
}

// drop tears down c once and fails every request waiting on it. Unless the
// client is closing, the loss is reported through the callback like any
// other engine disconnect.
func (e *Engine) drop(c *conn, cause error) {
	e.mu.Lock()
	if e.conn != c {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	waiting := e.pending
	e.pending = make(map[uint64]chan *Response)
	closed := e.closed
	cb := e.cb
	e.mu.Unlock()

	c.Close()
	for seq, ch := range waiting {
		ch <- &Response{Seq: seq, Error: cause.Error(), Code: CodeDisconnected}
	}
	if closed {
		return
	}
	e.logger.Warn("engine host connection lost", "error", cause)
	if cb != nil {
		cb(backend.EncodeMessage(backend.CodeConnectionInfo, map[string]any{
			"what":   backend.ConnDisconnected,
			"reason": cause.Error(),
		}))
	}
}
