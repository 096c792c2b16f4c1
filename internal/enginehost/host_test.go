package enginehost_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/autopilot/internal/backend"
	"github.com/seantiz/autopilot/internal/backend/remote"
	"github.com/seantiz/autopilot/internal/backend/sim"
	"github.com/seantiz/autopilot/internal/enginehost"
)

type codes struct {
	mu   sync.Mutex
	seen map[uint64][]int
}

func (c *codes) handle(raw []byte) {
	msg, d, err := backend.DecodeMessage(raw)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[uint64][]int)
	}
	c.seen[d.Ref] = append(c.seen[d.Ref], msg.Code)
}

func (c *codes) waitFor(t *testing.T, ref uint64, code int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, got := range c.seen[ref] {
			if got == code {
				c.mu.Unlock()
				return
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s for ref %d", backend.CodeName(code), ref)
}

// startHost serves a sim engine on a unix socket and returns its address.
func startHost(t *testing.T, stepDelay time.Duration) (string, *enginehost.Host) {
	t.Helper()

	// Unix socket paths are length limited; t.TempDir can be too deep.
	dir, err := os.MkdirTemp("", "ah")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "engine.sock")

	addr, err := remote.ParseAddress("unix://" + path)
	if err != nil {
		t.Fatal(err)
	}
	l, err := enginehost.Listen(addr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	eng := sim.New(stepDelay, nil)
	h := enginehost.New(l, eng, 0, nil)

	done := make(chan error, 1)
	go func() { done <- h.Serve() }()
	t.Cleanup(func() {
		h.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
		eng.Close()
	})
	return addr.String(), h
}

func dialRemote(t *testing.T, address string) (*remote.Engine, *codes) {
	t.Helper()
	eng, err := remote.New(address, 0, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })
	rec := &codes{}
	eng.SetCallback(rec.handle)
	return eng, rec
}

func TestRemoteSessionRoundTrip(t *testing.T) {
	address, _ := startHost(t, 2*time.Millisecond)
	eng, rec := dialRemote(t, address)
	ctx := context.Background()

	if err := eng.Connect(ctx, backend.ConnectParams{Address: "emulator-5554"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.waitFor(t, 0, backend.CodeConnectionInfo)

	state, err := eng.Call(ctx, backend.Operation{Type: backend.OpState})
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !json.Valid(state) {
		t.Errorf("state is not JSON: %s", state)
	}

	params, _ := json.Marshal(map[string]any{"routines": []string{"daily", "mail"}})
	if err := eng.Start(ctx, backend.Operation{Type: backend.OpSession, Ref: 7, Params: params}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFor(t, 7, backend.CodeChainCompleted)
}

func TestRemoteErrorsKeepTheirKind(t *testing.T) {
	address, _ := startHost(t, time.Hour)
	eng, _ := dialRemote(t, address)
	ctx := context.Background()

	if err := eng.Connect(ctx, backend.ConnectParams{Address: "unreachable:1"}); !errors.Is(err, backend.ErrRejected) {
		t.Errorf("Connect(unreachable) error = %v, want ErrRejected", err)
	}
	if _, err := eng.Call(ctx, backend.Operation{Type: backend.OpState}); !errors.Is(err, backend.ErrDisconnected) {
		t.Errorf("Call before device connect error = %v, want ErrDisconnected", err)
	}
	if err := eng.Connect(ctx, backend.ConnectParams{Address: "dev"}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Call(ctx, backend.Operation{Type: "teleport"}); !errors.Is(err, backend.ErrRejected) {
		t.Errorf("unknown op error = %v, want ErrRejected", err)
	}
}

func TestRemoteStop(t *testing.T) {
	address, _ := startHost(t, time.Hour)
	eng, rec := dialRemote(t, address)
	ctx := context.Background()

	if err := eng.Connect(ctx, backend.ConnectParams{Address: "dev"}); err != nil {
		t.Fatal(err)
	}
	params, _ := json.Marshal(map[string]any{"routines": []string{"long"}})
	if err := eng.Start(ctx, backend.Operation{Type: backend.OpSession, Ref: 3, Params: params}); err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, 3, backend.CodeChainStart)
	if err := eng.Stop(ctx, 3); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	rec.waitFor(t, 3, backend.CodeChainStopped)
}

func TestCallsWithoutConnectionFail(t *testing.T) {
	eng, err := remote.New("unix:///nonexistent/engine.sock", 0, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if _, err := eng.Call(context.Background(), backend.Operation{Type: backend.OpState}); !errors.Is(err, backend.ErrDisconnected) {
		t.Errorf("Call error = %v, want ErrDisconnected", err)
	}
	if err := eng.Connect(context.Background(), backend.ConnectParams{Address: "dev"}); !errors.Is(err, backend.ErrDisconnected) {
		t.Errorf("Connect error = %v, want ErrDisconnected", err)
	}
}

func TestHostOverPipe(t *testing.T) {
	server, client := net.Pipe()
	eng := sim.New(time.Hour, nil)
	defer eng.Close()

	l := &oneShotListener{conn: server, done: make(chan struct{})}
	h := enginehost.New(l, eng, 0, nil)
	served := make(chan error, 1)
	go func() { served <- h.Serve() }()

	req := &remote.Frame{Type: remote.FrameRequest, Request: &remote.Request{
		Seq: 1, Method: remote.MethodConnect, Connect: &backend.ConnectParams{Address: "dev"},
	}}
	if err := remote.WriteFrame(client, req, 0); err != nil {
		t.Fatal(err)
	}

	// The sim reports the connection before the response is written, so
	// frames arrive in either order.
	var sawResponse, sawEvent bool
	for !sawResponse || !sawEvent {
		f, err := remote.ReadFrame(client, 0)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		switch f.Type {
		case remote.FrameResponse:
			if err := f.Response.Err(); err != nil {
				t.Fatalf("connect response: %v", err)
			}
			sawResponse = true
		case remote.FrameEvent:
			sawEvent = true
		}
	}

	req = &remote.Frame{Type: remote.FrameRequest, Request: &remote.Request{Seq: 2, Method: "reboot"}}
	if err := remote.WriteFrame(client, req, 0); err != nil {
		t.Fatal(err)
	}
	f, err := remote.ReadFrame(client, 0)
	if err != nil {
		t.Fatal(err)
	}
	if f.Response == nil || f.Response.Code != remote.CodeRejected {
		t.Errorf("unknown method response = %+v, want rejected", f.Response)
	}

	client.Close()
	close(l.done)
	if err := <-served; err != nil {
		t.Errorf("Serve: %v", err)
	}
}

// oneShotListener hands out a single connection, then reports closed.
type oneShotListener struct {
	conn net.Conn
	once sync.Once
	done chan struct{}
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	var c net.Conn
	l.once.Do(func() { c = l.conn })
	if c != nil {
		return c, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *oneShotListener) Close() error   { return nil }
func (l *oneShotListener) Addr() net.Addr { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

func TestCloseDropsDispatcher(t *testing.T) {
	address, h := startHost(t, time.Hour)
	eng, rec := dialRemote(t, address)
	ctx := context.Background()

	if err := eng.Connect(ctx, backend.ConnectParams{Address: "dev"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.waitFor(t, 0, backend.CodeConnectionInfo)

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The client reports the lost host as a disconnect.
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, err := eng.Call(ctx, backend.Operation{Type: backend.OpState})
		if errors.Is(err, backend.ErrDisconnected) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Call after host Close error = %v, want ErrDisconnected", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
