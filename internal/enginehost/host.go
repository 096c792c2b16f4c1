// Package enginehost serves a local engine to a remote dispatcher. It runs
// next to the engine (another process, VM or machine), executes the
// requests it receives one at a time and streams engine callbacks back as
// event frames.
package enginehost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/autopilot/internal/backend"
	"github.com/seantiz/autopilot/internal/backend/remote"
)

const defaultCallTimeout = 30 * time.Second

// Host serves one engine over a listener. Connections are handled one at a
// time and requests on a connection run in order, so the engine only ever
// sees one caller.
type Host struct {
	listener    net.Listener
	eng         backend.Engine
	maxFrame    int64
	callTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	active net.Conn

	writeMu sync.Mutex
}

// New creates a host for eng and registers itself as eng's callback.
func New(listener net.Listener, eng backend.Engine, maxFrame int64, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		listener:    listener,
		eng:         eng,
		maxFrame:    maxFrame,
		callTimeout: defaultCallTimeout,
		logger:      logger,
	}
	eng.SetCallback(h.forward)
	return h
}

// Serve accepts connections and serves them. It blocks until the listener
// is closed or an unrecoverable error occurs.
func (h *Host) Serve() error {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		h.handleConnection(conn)
	}
}

// Close stops accepting connections and drops the connected dispatcher, if
// any. Serve returns once the current connection has been torn down.
func (h *Host) Close() error {
	err := h.listener.Close()
	h.mu.Lock()
	if h.active != nil {
		h.active.Close()
	}
	h.mu.Unlock()
	return err
}

// handleConnection serves requests on conn until it closes.
func (h *Host) handleConnection(conn net.Conn) {
	defer conn.Close()

	h.mu.Lock()
	h.active = conn
	h.mu.Unlock()
	h.logger.Info("dispatcher connected", "remote", conn.RemoteAddr().String())

	defer func() {
		h.mu.Lock()
		h.active = nil
		h.mu.Unlock()

		// A new dispatcher cannot know the old one's task references.
		ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
		defer cancel()
		if err := h.eng.StopAll(ctx); err != nil && !errors.Is(err, backend.ErrDisconnected) {
			h.logger.Warn("stopping tasks after dispatcher left", "error", err)
		}
		h.logger.Info("dispatcher disconnected")
	}()

	for {
		f, err := remote.ReadFrame(conn, h.maxFrame)
		if err != nil {
			h.logger.Debug("read frame", "error", err)
			return
		}
		if f.Type != remote.FrameRequest || f.Request == nil {
			h.logger.Warn("unexpected frame from dispatcher", "type", f.Type)
			continue
		}

		resp := h.handle(f.Request)
		h.writeMu.Lock()
		err = remote.WriteFrame(conn, &remote.Frame{Type: remote.FrameResponse, Response: resp}, h.maxFrame)
		h.writeMu.Unlock()
		if err != nil {
			h.logger.Warn("write response", "seq", f.Request.Seq, "error", err)
			return
		}
	}
}

// handle runs one request against the engine.
func (h *Host) handle(req *remote.Request) *remote.Response {
	ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
	defer cancel()

	var (
		result json.RawMessage
		err    error
	)
	switch req.Method {
	case remote.MethodConnect:
		if req.Connect == nil {
			err = fmt.Errorf("%w: connect without parameters", backend.ErrRejected)
			break
		}
		err = h.eng.Connect(ctx, *req.Connect)
	case remote.MethodCall:
		if req.Op == nil {
			err = fmt.Errorf("%w: call without operation", backend.ErrRejected)
			break
		}
		result, err = h.eng.Call(ctx, *req.Op)
	case remote.MethodStart:
		if req.Op == nil {
			err = fmt.Errorf("%w: start without operation", backend.ErrRejected)
			break
		}
		err = h.eng.Start(ctx, *req.Op)
	case remote.MethodStop:
		err = h.eng.Stop(ctx, req.Ref)
	case remote.MethodStopAll:
		err = h.eng.StopAll(ctx)
	default:
		err = fmt.Errorf("%w: unknown method %q", backend.ErrRejected, req.Method)
	}

	if err != nil {
		h.logger.Debug("request failed", "seq", req.Seq, "method", req.Method, "error", err)
		return remote.ErrorResponse(req.Seq, err)
	}
	return &remote.Response{Seq: req.Seq, Result: result}
}

// forward relays an engine callback to the connected dispatcher. It runs
// on the engine's callback goroutine.
func (h *Host) forward(raw []byte) {
	h.mu.Lock()
	conn := h.active
	h.mu.Unlock()
	if conn == nil {
		h.logger.Debug("no dispatcher connected, engine message dropped", "size", len(raw))
		return
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := remote.WriteFrame(conn, &remote.Frame{Type: remote.FrameEvent, Event: raw}, h.maxFrame); err != nil {
		h.logger.Warn("forward engine message", "error", err)
	}
}

// Listen opens a listener for addr. vsock addresses listen on the port
// only; unix sockets left over from a previous run are removed first.
func Listen(addr remote.Address) (net.Listener, error) {
	switch addr.Scheme {
	case remote.SchemeUnix:
		if err := os.Remove(addr.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		return net.Listen("unix", addr.Path)
	case remote.SchemeTCP:
		return net.Listen("tcp", addr.Host)
	case remote.SchemeVsock:
		return vsock.Listen(addr.Port, nil)
	default:
		return nil, fmt.Errorf("cannot listen on %s addresses", addr.Scheme)
	}
}
