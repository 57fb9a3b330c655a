package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidworks/bidflow/internal/engine"
	"github.com/bidworks/bidflow/internal/store"
	"github.com/bidworks/bidflow/internal/streaming"
	"github.com/bidworks/bidflow/internal/validation"
	"github.com/bidworks/bidflow/pkg/schema"
)

// echoExecutor completes every stage with a fixed payload naming the stage.
type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, stage schema.StageType, _ json.RawMessage, _ *schema.StageConfig) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"stage":%q}`, stage)), nil
}

type testEnv struct {
	srv        *httptest.Server
	controller *engine.Controller
	store      *store.LibSQLStore
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))

	hub := streaming.NewMemoryHub()
	controller := engine.NewController(st, hub, echoExecutor{}, nil, engine.Config{Workers: 2})
	validator, err := validation.NewRequestValidator()
	require.NoError(t, err)

	server := NewServer(Deps{
		Engine:    controller,
		Store:     st,
		Gateway:   streaming.NewGateway(st, hub, nil),
		Validator: validator,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		controller.Shutdown()
		_ = st.Close()
	})
	return &testEnv{srv: srv, controller: controller, store: st}
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (e *testEnv) startExecution(t *testing.T, projectID string, stages ...string) string {
	t.Helper()
	body := fmt.Sprintf(`{"project_id":%q,"initiator":"alice"`, projectID)
	if len(stages) > 0 {
		quoted := make([]string, len(stages))
		for i, s := range stages {
			quoted[i] = fmt.Sprintf("%q", s)
		}
		body += fmt.Sprintf(`,"stages":[%s]`, strings.Join(quoted, ","))
	}
	body += "}"

	resp, raw := e.post(t, "/api/executions", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "start failed: %s", raw)

	var snap store.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	return snap.Execution.ID
}

func (e *testEnv) waitStatus(t *testing.T, executionID string, status schema.ExecutionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := e.controller.Snapshot(context.Background(), executionID)
		return err == nil && snap.Execution.Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartExecution(t *testing.T) {
	env := newTestServer(t)
	execID := env.startExecution(t, "proj-1", "parser")
	env.waitStatus(t, execID, schema.ExecutionStatusCompleted)
}

func TestStartExecution_SchemaViolations(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing project_id", `{"initiator":"alice"}`},
		{"unknown stage", `{"project_id":"p","initiator":"a","stages":["deploy"]}`},
		{"unknown field", `{"project_id":"p","initiator":"a","mode":"fast"}`},
		{"bad deadline format", `{"project_id":"p","initiator":"a","stage_configs":{"parser":{"deadline":"soon"}}}`},
		{"not JSON", `not json at all`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := env.post(t, "/api/executions", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body errorBody
			require.NoError(t, json.Unmarshal(raw, &body))
			assert.Equal(t, schema.ErrCodeValidation, body.Code)
		})
	}
}

func TestStartExecution_Conflict(t *testing.T) {
	env := newTestServer(t)
	execID := env.startExecution(t, "proj-1", "parser", "submission")
	env.waitStatus(t, execID, schema.ExecutionStatusAwaitingReview)

	resp, raw := env.post(t, "/api/executions", `{"project_id":"proj-1","initiator":"bob"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, schema.ErrCodeConflict, body.Code)
}

func TestGetExecution(t *testing.T) {
	env := newTestServer(t)
	execID := env.startExecution(t, "proj-1", "parser")
	env.waitStatus(t, execID, schema.ExecutionStatusCompleted)

	resp, raw := env.get(t, "/api/executions/"+execID)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap store.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Execution.Status)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, schema.StageParser, snap.Tasks[0].Stage)
}

func TestGetExecution_NotFound(t *testing.T) {
	env := newTestServer(t)
	resp, raw := env.get(t, "/api/executions/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, schema.ErrCodeNotFound, body.Code)
}

func TestListExecutions(t *testing.T) {
	env := newTestServer(t)
	a := env.startExecution(t, "proj-a", "parser")
	b := env.startExecution(t, "proj-b", "parser")
	env.waitStatus(t, a, schema.ExecutionStatusCompleted)
	env.waitStatus(t, b, schema.ExecutionStatusCompleted)

	resp, raw := env.get(t, "/api/executions?project_id=proj-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Executions []*store.Execution `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body.Executions, 1)
	assert.Equal(t, "proj-a", body.Executions[0].ProjectID)
}

func TestListEvents_SinceOffset(t *testing.T) {
	env := newTestServer(t)
	execID := env.startExecution(t, "proj-1", "parser")
	env.waitStatus(t, execID, schema.ExecutionStatusCompleted)

	resp, raw := env.get(t, "/api/executions/"+execID+"/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all struct {
		Events []*store.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(raw, &all))
	require.NotEmpty(t, all.Events)
	assert.Equal(t, int64(1), all.Events[0].Offset)
	assert.Equal(t, schema.EventExecutionStarted, all.Events[0].Type)

	_, raw = env.get(t, fmt.Sprintf("/api/executions/%s/events?since=2", execID))
	var tail struct {
		Events []*store.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(raw, &tail))
	require.NotEmpty(t, tail.Events)
	assert.Equal(t, int64(3), tail.Events[0].Offset)
	assert.Len(t, tail.Events, len(all.Events)-2)
}

func TestSubmitDecision_ResolvesGate(t *testing.T) {
	env := newTestServer(t)
	execID := env.startExecution(t, "proj-1", "parser", "submission")
	env.waitStatus(t, execID, schema.ExecutionStatusAwaitingReview)

	resp, raw := env.post(t, "/api/executions/"+execID+"/decisions",
		`{"kind":"deny_permission","decided_by":"alice"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, "decision failed: %s", raw)
	env.waitStatus(t, execID, schema.ExecutionStatusCompletedNoSub)
}

func TestSubmitDecision_SchemaViolations(t *testing.T) {
	env := newTestServer(t)
	execID := env.startExecution(t, "proj-1", "parser", "submission")
	env.waitStatus(t, execID, schema.ExecutionStatusAwaitingReview)

	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", `{"kind":"escalate","decided_by":"alice"}`},
		{"revise without payload", `{"kind":"revise","decided_by":"alice"}`},
		{"missing kind", `{"decided_by":"alice"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.post(t, "/api/executions/"+execID+"/decisions", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestSubmitDecision_NoGateConflict(t *testing.T) {
	env := newTestServer(t)
	execID := env.startExecution(t, "proj-1", "parser")
	env.waitStatus(t, execID, schema.ExecutionStatusCompleted)

	resp, raw := env.post(t, "/api/executions/"+execID+"/decisions",
		`{"kind":"approve","decided_by":"alice"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, schema.ErrCodeTerminated, body.Code)
}

func TestCancelExecution(t *testing.T) {
	env := newTestServer(t)
	execID := env.startExecution(t, "proj-1", "parser", "submission")
	env.waitStatus(t, execID, schema.ExecutionStatusAwaitingReview)

	resp, raw := env.post(t, "/api/executions/"+execID+"/cancel", `{"reason":"no longer bidding"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap store.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, schema.ExecutionStatusCancelled, snap.Execution.Status)

	// Idempotent.
	resp, _ = env.post(t, "/api/executions/"+execID+"/cancel", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResetExecution(t *testing.T) {
	env := newTestServer(t)
	execID := env.startExecution(t, "proj-1", "parser", "content")
	env.waitStatus(t, execID, schema.ExecutionStatusCompleted)

	// Completed executions cannot be reset.
	resp, raw := env.post(t, "/api/executions/"+execID+"/reset",
		`{"target_stage":"content","reason":"regenerate"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, schema.ErrCodeTerminated, body.Code)

	resp, _ = env.post(t, "/api/executions/"+execID+"/reset", `{"reason":"no target"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStream_ReplaysHistoryAndResumes(t *testing.T) {
	env := newTestServer(t)
	execID := env.startExecution(t, "proj-1", "parser")
	env.waitStatus(t, execID, schema.ExecutionStatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.srv.URL+"/api/executions/"+execID+"/stream?lastSeenOffset=2", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Completed execution: history from offset 3 onward arrives immediately.
	scanner := bufio.NewScanner(resp.Body)
	var ids []string
	for scanner.Scan() && len(ids) < 2 {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	require.Len(t, ids, 2)
	assert.Equal(t, "3", ids[0])
	assert.Equal(t, "4", ids[1])
}
