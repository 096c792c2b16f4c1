package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/autopilot/internal/dispatch"
	"github.com/seantiz/autopilot/internal/model"
)

func TestCreateInlineTask(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)
	env.connect(t)

	code, resp := env.submit(t, model.KindState, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.ModeInline, resp.Mode)
	assert.Equal(t, model.StatusCompleted, resp.Status)
	assert.NotZero(t, resp.ID)
	assert.NotEmpty(t, resp.Result)

	// Inline results are returned, not tracked.
	_, tracked := env.worker.Registry().Peek(resp.ID)
	assert.False(t, tracked)
}

func TestCreateInlineTaskEngineError(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)

	code, resp := env.submit(t, model.KindConnect, map[string]string{"address": "unreachable:1"})
	require.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, model.StatusFailed, resp.Status)
	assert.Equal(t, model.ErrKindEngine, resp.ErrorKind)
}

func TestCreateTrackedTask(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)
	env.connect(t)

	code, resp := env.submit(t, model.KindSession, map[string]any{"routines": []string{"daily", "mail"}})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, model.ModeTracked, resp.Mode)
	assert.Equal(t, model.StatusQueued, resp.Status)

	task := env.waitStatus(t, resp.ID, model.StatusCompleted)
	assert.Equal(t, model.KindSession, task.Kind)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.FinishedAt)
}

func TestCreateTrackedTaskFails(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)
	env.connect(t)

	code, resp := env.submit(t, model.KindSession, map[string]any{"routines": []string{"fail_login"}})
	require.Equal(t, http.StatusAccepted, code)

	task := env.waitStatus(t, resp.ID, model.StatusFailed)
	assert.Equal(t, model.ErrKindEngine, task.ErrorKind)
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"unknown field", `{"kind":"state","extra":1}`},
		{"unknown kind", `{"kind":"teleport"}`},
		{"missing address", `{"kind":"connect","params":{}}`},
		{"empty routines", `{"kind":"session","params":{"routines":[]}}`},
		{"bad step", `{"kind":"sequence","params":{"steps":["jump 1"]}}`},
		{"negative timeout", `{"kind":"state","timeout_ms":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.ts.URL+"/v1/tasks", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, model.ErrKindValidation, body.Kind)
		})
	}

	// Rejected submissions never consume an id.
	assert.Zero(t, env.worker.Info().LastID)
}

func TestCreateTaskBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)

	big := `{"kind":"session","params":{"routines":["` + strings.Repeat("a", 2<<20) + `"]}}`
	resp, err := http.Post(env.ts.URL+"/v1/tasks", "application/json", bytes.NewReader([]byte(big)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTaskErrors(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)

	code, _ := env.getTask(t, 999)
	assert.Equal(t, http.StatusNotFound, code)

	resp, err := http.Get(env.ts.URL + "/v1/tasks/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTaskFromHistory(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)
	env.connect(t)

	_, resp := env.submit(t, model.KindSession, map[string]any{"routines": []string{"daily"}})
	env.waitStatus(t, resp.ID, model.StatusCompleted)

	// Once the registry lets go, the journal still has it.
	require.Eventually(t, func() bool {
		task, err := env.history.GetTask(t.Context(), resp.ID)
		return err == nil && task.Status == model.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	env.worker.Registry().Sweep(time.Now().Add(24 * time.Hour))
	_, ok := env.worker.Registry().Peek(resp.ID)
	require.False(t, ok)

	code, task := env.getTask(t, resp.ID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.StatusCompleted, task.Status)
}

func TestListTasks(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)
	env.connect(t)

	var ids []model.TaskID
	for range 3 {
		_, resp := env.submit(t, model.KindSession, map[string]any{"routines": []string{"daily"}})
		ids = append(ids, resp.ID)
	}
	for _, id := range ids {
		env.waitStatus(t, id, model.StatusCompleted)
	}

	var list listTasksResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get(env.ts.URL + "/v1/tasks?limit=2")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		list = listTasksResponse{}
		if json.NewDecoder(resp.Body).Decode(&list) != nil {
			return false
		}
		// connect + three sessions
		return list.Total == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, list.Tasks, 2)
	assert.Equal(t, 2, list.Limit)
	assert.Equal(t, ids[2], list.Tasks[0].ID, "newest first")

	resp, err := http.Get(env.ts.URL + "/v1/tasks?active=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	var active listTasksResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&active))
	assert.Len(t, active.Tasks, 3)
	for _, task := range active.Tasks {
		assert.Equal(t, model.ModeTracked, task.Mode)
	}
}

func TestCancelRunningTask(t *testing.T) {
	env := newTestEnv(t, time.Hour)
	env.connect(t)

	_, resp := env.submit(t, model.KindSession, map[string]any{"routines": []string{"long"}})
	env.waitStatus(t, resp.ID, model.StatusRunning)

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/v1/tasks/"+resp.ID.String(), nil)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body taskResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, model.KindCancel, body.Kind)
	assert.JSONEq(t, `{"target":`+resp.ID.String()+`,"outcome":"`+dispatch.OutcomeStopRequested+`"}`, string(body.Result))

	env.waitStatus(t, resp.ID, model.StatusCancelled)
}

func TestCancelUnknownTask(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/v1/tasks/42", nil)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestDegradedRejectsUntilConnect(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)
	env.connect(t)

	env.eng.Disconnect()
	require.Eventually(t, func() bool { return env.worker.State() == dispatch.StateDegraded },
		2*time.Second, time.Millisecond)

	code, resp := env.submit(t, model.KindCapture, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, model.ErrKindEngineUnavailable, resp.ErrorKind)

	env.connect(t)
	require.Equal(t, dispatch.StateRunning, env.worker.State())

	code, _ = env.submit(t, model.KindCapture, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestTaskRequestMetricsByKind(t *testing.T) {
	env := newTestEnv(t, 2*time.Millisecond)
	env.connect(t)

	counter := func(kind, outcome string) float64 {
		return testutil.ToFloat64(taskRequestsTotal.WithLabelValues(kind, outcome))
	}
	captures := counter(model.KindCapture, string(model.StatusCompleted))
	sessions := counter(model.KindSession, outcomeAccepted)
	invalid := counter(invalidKind, model.ErrKindValidation)

	code, _ := env.submit(t, model.KindCapture, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = env.submit(t, model.KindSession, map[string]any{"routines": []string{"daily"}})
	require.Equal(t, http.StatusAccepted, code)
	code, _ = env.submit(t, "reboot", nil)
	require.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, captures+1, counter(model.KindCapture, string(model.StatusCompleted)))
	assert.Equal(t, sessions+1, counter(model.KindSession, outcomeAccepted))
	assert.Equal(t, invalid+1, counter(invalidKind, model.ErrKindValidation))
}
