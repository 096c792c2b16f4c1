// Package e2e builds the autopilot binaries and drives them over HTTP.
package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds a running autopilot subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// getBinary builds the commands once per test run and returns the path of
// the named one.
func getBinary(t *testing.T, name string) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "autopilot-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		for _, cmdName := range []string{"autopilot", "autopilot-host"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, cmdName), "./cmd/"+cmdName)
			cmd.Dir = findRepoRoot(t)
			out, err := cmd.CombinedOutput()
			if err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", cmdName, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, name)
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

// startServer runs autopilot with env on top of a sim engine that connects
// to a device at startup.
func startServer(t *testing.T, env ...string) *serverProc {
	t.Helper()
	addr := freeAddr(t)

	stdout := &lockedBuffer{}
	cmd := exec.Command(getBinary(t, "autopilot"))
	cmd.Dir = t.TempDir()
	cmd.Env = append(os.Environ(),
		"AUTOPILOT_LISTEN_ADDR="+addr,
		"AUTOPILOT_LOG_LEVEL=info",
		"AUTOPILOT_ENGINE_DEVICE=emulator-5554",
		"AUTOPILOT_ENGINE_SIM_STEP_DELAY=20ms",
	)
	cmd.Env = append(cmd.Env, env...)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{cmd: cmd, stdout: stdout, url: "http://" + addr}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		if sp.engineConnected() {
			return sp
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

// engineConnected reports whether the startup connect has completed.
func (sp *serverProc) engineConnected() bool {
	resp, err := http.Get(sp.url + "/v1/engine")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var body struct {
		State  string `json:"state"`
		LastID int    `json:"last_id"`
		Queued int    `json:"queued"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) != nil {
		return false
	}
	return body.State == "running" && body.LastID >= 1 && body.Queued == 0 &&
		strings.Contains(sp.stdout.String(), `"msg":"device connected"`)
}

func (sp *serverProc) post(t *testing.T, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(sp.url+"/v1/tasks", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func (sp *serverProc) pollStatus(t *testing.T, id any, expected string) map[string]any {
	t.Helper()
	url := fmt.Sprintf("%s/v1/tasks/%v", sp.url, id)
	var last map[string]any
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			last = nil
			json.NewDecoder(resp.Body).Decode(&last)
			resp.Body.Close()
			if last["status"] == expected {
				return last
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("task %v never reached %s; last = %v", id, expected, last)
	return nil
}

func TestHealthz(t *testing.T) {
	sp := startServer(t)

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" || body["worker"] != "running" {
		t.Errorf("body = %v, want ok/running", body)
	}
}

func TestMetrics(t *testing.T) {
	sp := startServer(t)

	resp, err := http.Get(sp.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)
	for _, name := range []string{
		"autopilot_http_requests_total",
		"autopilot_tasks_submitted_total",
		"autopilot_engine_call_duration_seconds",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestInlineAndTrackedTasks(t *testing.T) {
	sp := startServer(t)

	code, state := sp.post(t, `{"kind":"state"}`)
	if code != 200 || state["status"] != "completed" {
		t.Fatalf("state: %d %v", code, state)
	}

	code, session := sp.post(t, `{"kind":"session","params":{"routines":["daily","mail"]}}`)
	if code != 202 {
		t.Fatalf("session: %d %v", code, session)
	}
	if session["status"] != "queued" || session["mode"] != "tracked" {
		t.Errorf("session = %v, want queued tracked", session)
	}
	done := sp.pollStatus(t, session["id"], "completed")
	if done["finished_at"] == nil {
		t.Errorf("completed task has no finished_at: %v", done)
	}
}

func TestCancelRunningSession(t *testing.T) {
	sp := startServer(t, "AUTOPILOT_ENGINE_SIM_STEP_DELAY=1h")

	_, session := sp.post(t, `{"kind":"session","params":{"routines":["long"]}}`)
	sp.pollStatus(t, session["id"], "running")

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/tasks/%v", sp.url, session["id"]), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("cancel status = %d, want 200", resp.StatusCode)
	}
	sp.pollStatus(t, session["id"], "cancelled")
}

func TestStructuredJSONLogs(t *testing.T) {
	sp := startServer(t)

	resp, err := http.Get(sp.url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sp.stdout.String(), `"msg":"request"`) {
			break
		}
		time.Sleep(pollInterval)
	}

	scanner := bufio.NewScanner(strings.NewReader(sp.stdout.String()))
	found := false
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry["msg"] == "request" {
			found = true
			for _, key := range []string{"method", "path", "status", "duration_ms"} {
				if _, ok := entry[key]; !ok {
					t.Errorf("request log missing field %q", key)
				}
			}
		}
	}
	if !found {
		t.Errorf("no structured request log found\noutput:\n%s", sp.stdout.String())
	}
}

func TestGracefulShutdown(t *testing.T) {
	sp := startServer(t, "AUTOPILOT_ENGINE_SIM_STEP_DELAY=1h", "AUTOPILOT_WORKER_SHUTDOWN_GRACE=200ms")

	_, session := sp.post(t, `{"kind":"session","params":{"routines":["long"]}}`)
	sp.pollStatus(t, session["id"], "running")

	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- sp.cmd.Wait() }()
	select {
	case err := <-waitErr:
		if err != nil {
			t.Errorf("exit: %v\noutput:\n%s", err, sp.stdout.String())
		}
	case <-time.After(startupTimeout):
		t.Fatalf("server did not stop\noutput:\n%s", sp.stdout.String())
	}

	if !strings.Contains(sp.stdout.String(), `"msg":"autopilot: stopped"`) {
		t.Errorf("missing stop log\noutput:\n%s", sp.stdout.String())
	}
}
