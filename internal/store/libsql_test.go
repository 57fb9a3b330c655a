package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidworks/bidflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedExecution(t *testing.T, s *LibSQLStore) *Execution {
	t.Helper()
	exec := &Execution{
		ID:        uuid.New().String(),
		ProjectID: uuid.New().String(),
		Initiator: "tester",
		Status:    schema.ExecutionStatusCreated,
		Stages:    schema.DefaultPlan(),
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func startedEvent(exec *Execution) *Event {
	payload, _ := schema.MarshalPayload(&schema.ExecutionStartedPayload{
		ProjectID: exec.ProjectID,
		Initiator: exec.Initiator,
		Stages:    exec.Stages,
	})
	return &Event{
		ExecutionID: exec.ID,
		Type:        schema.EventExecutionStarted,
		Payload:     payload,
	}
}

// --- Execution Tests ---

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := &Execution{
		ID:        uuid.New().String(),
		ProjectID: "project-1",
		Initiator: "alice",
		Status:    schema.ExecutionStatusCreated,
		Stages:    schema.DefaultPlan(),
	}
	require.NoError(t, s.CreateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, "project-1", got.ProjectID)
	assert.Equal(t, "alice", got.Initiator)
	assert.Equal(t, schema.ExecutionStatusCreated, got.Status)
	assert.Equal(t, schema.DefaultPlan(), got.Stages)
	assert.Empty(t, got.DeniedStages)
}

func TestGetExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExecution(context.Background(), "nonexistent")
	require.Error(t, err)
	bfErr, ok := err.(*schema.BidflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, bfErr.Code)
}

func TestCreateExecution_ActiveProjectConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	dup := &Execution{
		ID:        uuid.New().String(),
		ProjectID: exec.ProjectID,
		Initiator: "bob",
		Status:    schema.ExecutionStatusCreated,
		Stages:    schema.DefaultPlan(),
	}
	err := s.CreateExecution(ctx, dup)
	require.Error(t, err)
	bfErr, ok := err.(*schema.BidflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, bfErr.Code)
}

func TestCreateExecution_TerminalAllowsNew(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	status := schema.ExecutionStatusCancelled
	require.NoError(t, s.CommitTransition(ctx, &Transition{
		ExecutionID: exec.ID,
		Event:       startedEvent(exec),
		Execution:   &ExecutionUpdate{Status: &status},
	}))

	next := &Execution{
		ID:        uuid.New().String(),
		ProjectID: exec.ProjectID,
		Initiator: "bob",
		Status:    schema.ExecutionStatusCreated,
		Stages:    schema.DefaultPlan(),
	}
	require.NoError(t, s.CreateExecution(ctx, next))
}

func TestGetActiveExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	got, err := s.GetActiveExecution(ctx, exec.ProjectID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, exec.ID, got.ID)

	none, err := s.GetActiveExecution(ctx, "other-project")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestListExecutions_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedExecution(t, s)
	b := seedExecution(t, s)

	all, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byProject, err := s.ListExecutions(ctx, ExecutionFilter{ProjectID: a.ProjectID})
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, a.ID, byProject[0].ID)

	status := schema.ExecutionStatusCreated
	byStatus, err := s.ListExecutions(ctx, ExecutionFilter{Status: &status, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)

	_ = b
}

// --- Transition Tests ---

func TestCommitTransition_AssignsContiguousOffsets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	for i := 1; i <= 3; i++ {
		tr := &Transition{ExecutionID: exec.ID, Event: startedEvent(exec)}
		require.NoError(t, s.CommitTransition(ctx, tr))
		assert.Equal(t, int64(i), tr.Event.Offset)
		assert.False(t, tr.Event.Timestamp.IsZero())
	}

	events, err := s.Events(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Offset)
	}
}

func TestCommitTransition_UpdatesExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	status := schema.ExecutionStatusRunning
	now := time.Now().UTC()
	require.NoError(t, s.CommitTransition(ctx, &Transition{
		ExecutionID: exec.ID,
		Event:       startedEvent(exec),
		Execution: &ExecutionUpdate{
			Status:    &status,
			StartedAt: &now,
		},
	}))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestCommitTransition_UpsertsTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	task := &AgentTask{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		Stage:       schema.StageParser,
		Status:      schema.TaskStatusPending,
		Sequence:    1,
		Input:       json.RawMessage(`{"document":"rfp.pdf"}`),
	}
	require.NoError(t, s.CommitTransition(ctx, &Transition{
		ExecutionID: exec.ID,
		Event:       startedEvent(exec),
		Tasks:       []*AgentTask{task},
	}))

	task.Status = schema.TaskStatusCompleted
	task.Output = json.RawMessage(`{"sections":3}`)
	task.DurationMs = 42
	require.NoError(t, s.CommitTransition(ctx, &Transition{
		ExecutionID: exec.ID,
		Event:       startedEvent(exec),
		Tasks:       []*AgentTask{task},
	}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, got.Status)
	assert.JSONEq(t, `{"sections":3}`, string(got.Output))
	assert.Equal(t, int64(42), got.DurationMs)

	tasks, err := s.ListTasks(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCommitTransition_OpenAndResolveGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	gate := &GateRequest{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		Kind:        schema.GateFeedback,
		Stage:       schema.StageAnalysis,
		Prompt:      "Review the analysis output",
		Options:     schema.GateFeedback.Options(),
		Status:      GateStatusPending,
	}
	require.NoError(t, s.CommitTransition(ctx, &Transition{
		ExecutionID: exec.ID,
		Event:       startedEvent(exec),
		OpenGate:    gate,
	}))

	open, err := s.GetOpenGate(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, gate.ID, open.ID)
	assert.Equal(t, schema.GateFeedback, open.Kind)
	assert.Equal(t, schema.GateFeedback.Options(), open.Options)

	require.NoError(t, s.CommitTransition(ctx, &Transition{
		ExecutionID: exec.ID,
		Event:       startedEvent(exec),
		ResolveGate: &GateResolution{
			GateID:     gate.ID,
			Resolution: json.RawMessage(`{"kind":"approve"}`),
			ResolvedBy: "alice",
		},
	}))

	resolved, err := s.GetGate(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, GateStatusResolved, resolved.Status)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)

	none, err := s.GetOpenGate(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCommitTransition_ResolveGateTwiceFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	gate := &GateRequest{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		Kind:        schema.GateReview,
		Stage:       schema.StageQA,
		Options:     schema.GateReview.Options(),
	}
	require.NoError(t, s.CommitTransition(ctx, &Transition{
		ExecutionID: exec.ID,
		Event:       startedEvent(exec),
		OpenGate:    gate,
	}))

	resolve := func() error {
		return s.CommitTransition(ctx, &Transition{
			ExecutionID: exec.ID,
			Event:       startedEvent(exec),
			ResolveGate: &GateResolution{GateID: gate.ID, ResolvedBy: "alice"},
		})
	}
	require.NoError(t, resolve())

	err := resolve()
	require.Error(t, err)
	bfErr, ok := err.(*schema.BidflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, bfErr.Code)

	// The failed resolution must not have appended its event.
	events, err := s.Events(ctx, exec.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestCommitTransition_RequiresEvent(t *testing.T) {
	s := newTestStore(t)
	err := s.CommitTransition(context.Background(), &Transition{ExecutionID: "x"})
	require.Error(t, err)
	bfErr, ok := err.(*schema.BidflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, bfErr.Code)
}

// --- Overdue Tasks ---

func TestListOverdueTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	overdue := &AgentTask{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		Stage:       schema.StageAnalysis,
		Status:      schema.TaskStatusRunning,
		Sequence:    1,
		DeadlineAt:  &past,
	}
	onTime := &AgentTask{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		Stage:       schema.StageContent,
		Status:      schema.TaskStatusRunning,
		Sequence:    2,
		DeadlineAt:  &future,
	}
	pendingPast := &AgentTask{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		Stage:       schema.StageKnowledge,
		Status:      schema.TaskStatusPending,
		Sequence:    3,
		DeadlineAt:  &past,
	}
	require.NoError(t, s.CommitTransition(ctx, &Transition{
		ExecutionID: exec.ID,
		Event:       startedEvent(exec),
		Tasks:       []*AgentTask{overdue, onTime, pendingPast},
	}))

	got, err := s.ListOverdueTasks(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, overdue.ID, got[0].ID)
}

// --- Events ---

func TestEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CommitTransition(ctx, &Transition{
			ExecutionID: exec.ID,
			Event:       startedEvent(exec),
		}))
	}

	tail, err := s.Events(ctx, exec.ID, 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].Offset)
	assert.Equal(t, int64(5), tail[1].Offset)
}

func TestEvents_IndependentPerExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedExecution(t, s)
	b := seedExecution(t, s)

	require.NoError(t, s.CommitTransition(ctx, &Transition{ExecutionID: a.ID, Event: startedEvent(a)}))
	require.NoError(t, s.CommitTransition(ctx, &Transition{ExecutionID: b.ID, Event: startedEvent(b)}))
	require.NoError(t, s.CommitTransition(ctx, &Transition{ExecutionID: b.ID, Event: startedEvent(b)}))

	aEvents, err := s.Events(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Len(t, aEvents, 1)

	bEvents, err := s.Events(ctx, b.ID, 0)
	require.NoError(t, err)
	require.Len(t, bEvents, 2)
	assert.Equal(t, int64(2), bEvents[1].Offset)
}
