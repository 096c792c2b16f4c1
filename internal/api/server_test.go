package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/autopilot/internal/backend"
	"github.com/seantiz/autopilot/internal/backend/sim"
	"github.com/seantiz/autopilot/internal/dispatch"
	"github.com/seantiz/autopilot/internal/model"
	"github.com/seantiz/autopilot/internal/progress"
	"github.com/seantiz/autopilot/internal/sink"
	"github.com/seantiz/autopilot/internal/store"
)

// testEnv is a server wired to a running worker over the simulated engine.
type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	eng     *sim.Engine
	worker  *dispatch.Worker
	broker  *progress.Broker
	history store.Store
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestEnv(t, 2*time.Millisecond).srv
}

func newTestEnv(t *testing.T, stepDelay time.Duration) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	hist, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	eng := sim.New(stepDelay, logger)
	broker := progress.NewBroker(1024, logger)
	reg := progress.NewRegistry(progress.Options{Publisher: broker, Logger: logger})
	w := dispatch.NewWorker(eng, dispatch.Options{
		Registry:      reg,
		Publisher:     broker,
		Logger:        logger,
		CallTimeout:   2 * time.Second,
		ShutdownGrace: 200 * time.Millisecond,
	})
	drivers := backend.NewRegistry()
	drivers.Register(sim.DriverName, sim.Open)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	var sinks sync.WaitGroup
	journal := sink.NewJournal(broker, hist, logger)
	sinks.Go(func() { journal.Run(ctx) })

	t.Cleanup(func() {
		cancel()
		<-w.Done()
		broker.Close()
		sinks.Wait()
		eng.Close()
		hist.Close()
	})

	srv := NewServer(":0", Deps{
		Worker:  w,
		Broker:  broker,
		History: hist,
		Drivers: drivers,
	}, Options{InlineWait: 2 * time.Second, Logger: logger})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	require.Eventually(t, func() bool { return w.State() == dispatch.StateRunning },
		time.Second, time.Millisecond)

	return &testEnv{srv: srv, ts: ts, eng: eng, worker: w, broker: broker, history: hist}
}

// submit posts a task and decodes the response body.
func (e *testEnv) submit(t *testing.T, kind string, params any) (int, taskResponse) {
	t.Helper()
	body := map[string]any{"kind": kind}
	if params != nil {
		body["params"] = params
	}
	data, _ := json.Marshal(body)
	resp, err := http.Post(e.ts.URL+"/v1/tasks", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out taskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// connect opens the simulated device session.
func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	code, resp := e.submit(t, model.KindConnect, map[string]string{"address": "emulator-5554"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, model.StatusCompleted, resp.Status)
}

// getTask fetches GET /v1/tasks/{id}.
func (e *testEnv) getTask(t *testing.T, id model.TaskID) (int, model.Task) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + "/v1/tasks/" + id.String())
	require.NoError(t, err)
	defer resp.Body.Close()

	var task model.Task
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	}
	return resp.StatusCode, task
}

// waitStatus polls the task until it reaches want.
func (e *testEnv) waitStatus(t *testing.T, id model.TaskID, want model.Status) model.Task {
	t.Helper()
	var last model.Task
	require.Eventually(t, func() bool {
		code, task := e.getTask(t, id)
		last = task
		return code == http.StatusOK && task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %d never reached %s", id, want)
	return last
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}
