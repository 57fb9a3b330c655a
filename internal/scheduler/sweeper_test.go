package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidworks/bidflow/internal/store"
	"github.com/bidworks/bidflow/pkg/schema"
)

type fakeLister struct {
	mu    sync.Mutex
	tasks []*store.AgentTask
	err   error
}

func (f *fakeLister) ListOverdueTasks(_ context.Context, _ time.Time) ([]*store.AgentTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	cp := make([]*store.AgentTask, len(f.tasks))
	copy(cp, f.tasks)
	return cp, nil
}

func (f *fakeLister) set(tasks ...*store.AgentTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = tasks
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []reportCall
	err     error
}

type reportCall struct {
	taskID         string
	classification string
}

func (f *fakeReporter) ReportFailure(_ context.Context, taskID, _, classification string) (*store.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, reportCall{taskID: taskID, classification: classification})
	return nil, f.err
}

func (f *fakeReporter) calls() []reportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]reportCall, len(f.reports))
	copy(cp, f.reports)
	return cp
}

func overdueTask(id string) *store.AgentTask {
	deadline := time.Now().UTC().Add(-time.Minute)
	return &store.AgentTask{
		ID:          id,
		ExecutionID: "exec-1",
		Stage:       schema.StageContent,
		Status:      schema.TaskStatusRunning,
		DeadlineAt:  &deadline,
	}
}

func TestSweep_ReportsOverdueTasksAsTimeouts(t *testing.T) {
	lister := &fakeLister{}
	lister.set(overdueTask("t1"), overdueTask("t2"))
	reporter := &fakeReporter{}

	sw, err := NewSweeper(lister, reporter, "", nil)
	require.NoError(t, err)

	sw.Sweep(context.Background())

	calls := reporter.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "t1", calls[0].taskID)
	assert.Equal(t, schema.ErrCodeTimeout, calls[0].classification)
	assert.Equal(t, "t2", calls[1].taskID)
}

func TestSweep_NothingOverdue(t *testing.T) {
	reporter := &fakeReporter{}
	sw, err := NewSweeper(&fakeLister{}, reporter, "", nil)
	require.NoError(t, err)

	sw.Sweep(context.Background())
	assert.Empty(t, reporter.calls())
}

func TestSweep_ToleratesListError(t *testing.T) {
	reporter := &fakeReporter{}
	sw, err := NewSweeper(&fakeLister{err: errors.New("db locked")}, reporter, "", nil)
	require.NoError(t, err)

	sw.Sweep(context.Background())
	assert.Empty(t, reporter.calls())
}

func TestSweep_ToleratesRacedCompletion(t *testing.T) {
	lister := &fakeLister{}
	lister.set(overdueTask("t1"))
	reporter := &fakeReporter{
		err: schema.NewError(schema.ErrCodeInvalidTransition, "task already completed"),
	}
	sw, err := NewSweeper(lister, reporter, "", nil)
	require.NoError(t, err)

	// Must not panic or retry; the overdue condition resolved itself.
	sw.Sweep(context.Background())
	assert.Len(t, reporter.calls(), 1)
}

func TestNewSweeper_RejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper(&fakeLister{}, &fakeReporter{}, "not a schedule", nil)
	require.Error(t, err)
}

func TestSweeper_StartSweepsImmediatelyAndStops(t *testing.T) {
	lister := &fakeLister{}
	lister.set(overdueTask("t1"))
	reporter := &fakeReporter{}

	sw, err := NewSweeper(lister, reporter, "", nil)
	require.NoError(t, err)
	require.NoError(t, sw.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(reporter.calls()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sw.Stop())
	// Stop twice is a no-op.
	require.NoError(t, sw.Stop())
}

func TestSweeper_StartTwiceFails(t *testing.T) {
	sw, err := NewSweeper(&fakeLister{}, &fakeReporter{}, "", nil)
	require.NoError(t, err)
	require.NoError(t, sw.Start(context.Background()))
	defer sw.Stop()

	assert.Error(t, sw.Start(context.Background()))
}
