package store

import (
	"context"
	"encoding/json"

	"github.com/bidworks/bidflow/pkg/schema"
)

// EventLog reads an execution's append-only event history and can rebuild the
// execution's state from it. Replay is the source of truth for recovery after
// a crash; the aggregate tables are a cache of the same information.
type EventLog struct {
	store Store
}

func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Events returns the execution's events with offset > since.
func (l *EventLog) Events(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return l.store.Events(ctx, executionID, since)
}

// Replay folds the execution's full event history into a Snapshot. It fails
// if the log is empty or if offsets are not contiguous from 1, which would
// indicate a corrupted log.
func (l *EventLog) Replay(ctx context.Context, executionID string) (*Snapshot, error) {
	events, err := l.store.Events(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, storeNotFound("event log for execution", executionID)
	}

	for i, e := range events {
		if e.Offset != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"event log for execution %s is not contiguous: expected offset %d, got %d",
				executionID, i+1, e.Offset)
		}
	}

	snap := &Snapshot{
		Execution: &Execution{ID: executionID},
	}
	tasksByID := make(map[string]*AgentTask)

	for _, e := range events {
		payload, err := schema.DecodePayload(e.Type, e.Payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"replay execution %s offset %d: %v", executionID, e.Offset, err)
		}
		if err := applyEvent(snap, tasksByID, e, payload); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// applyEvent folds a single event into the snapshot under construction.
func applyEvent(snap *Snapshot, tasksByID map[string]*AgentTask, e *Event, payload schema.EventPayload) error {
	exec := snap.Execution
	ts := e.Timestamp

	switch p := payload.(type) {
	case *schema.ExecutionStartedPayload:
		exec.ProjectID = p.ProjectID
		exec.Initiator = p.Initiator
		exec.Stages = p.Stages
		exec.StageConfigs = p.StageConfigs
		exec.Status = schema.ExecutionStatusRunning
		exec.CreatedAt = ts
		exec.StartedAt = &ts
		exec.UpdatedAt = ts

	case *schema.ExecutionCompletedPayload:
		exec.Status = p.Status
		if len(p.Result) > 0 {
			exec.Result = p.Result
		}
		exec.CompletedAt = &ts
		exec.UpdatedAt = ts

	case *schema.ExecutionFailedPayload:
		exec.Status = schema.ExecutionStatusFailed
		summary, err := json.Marshal(p)
		if err != nil {
			return err
		}
		exec.ErrorSummary = summary
		exec.UpdatedAt = ts

	case *schema.ExecutionCancelledPayload:
		for _, id := range p.SupersededTaskIDs {
			if task, ok := tasksByID[id]; ok {
				task.Status = schema.TaskStatusSuperseded
			}
		}
		exec.Status = schema.ExecutionStatusCancelled
		exec.CompletedAt = &ts
		exec.UpdatedAt = ts

	case *schema.ExecutionResetPayload:
		for _, id := range p.SupersededTaskIDs {
			if task, ok := tasksByID[id]; ok {
				task.Status = schema.TaskStatusSuperseded
			}
		}
		exec.Status = schema.ExecutionStatusRunning
		exec.UpdatedAt = ts

	case *schema.GateOpenedPayload:
		exec.Status = p.Awaiting
		exec.UpdatedAt = ts
		snap.OpenGate = &GateRequest{
			ID:          p.GateID,
			ExecutionID: exec.ID,
			Kind:        p.GateKind,
			Stage:       p.Stage,
			Prompt:      p.Prompt,
			Options:     p.Options,
			Status:      GateStatusPending,
			CreatedAt:   ts,
		}

	case *schema.GateResolvedPayload:
		exec.Status = schema.ExecutionStatusRunning
		if p.DeniedStage != "" {
			exec.DeniedStages = append(exec.DeniedStages, p.DeniedStage)
		}
		exec.UpdatedAt = ts
		snap.OpenGate = nil

	case *schema.TaskCreatedPayload:
		task := &AgentTask{
			ID:          p.TaskID,
			ExecutionID: exec.ID,
			Stage:       p.Stage,
			Status:      schema.TaskStatusPending,
			Sequence:    p.Sequence,
			Input:       p.Input,
			Config:      p.Config,
			CreatedAt:   ts,
		}
		tasksByID[p.TaskID] = task
		snap.Tasks = append(snap.Tasks, task)
		// Tasks are only created while the execution runs; a creation after
		// a failure means a recovery decision revived the execution.
		exec.Status = schema.ExecutionStatusRunning
		exec.UpdatedAt = ts

	case *schema.TaskStartedPayload:
		task, err := replayTask(tasksByID, p.TaskID, e)
		if err != nil {
			return err
		}
		task.Status = schema.TaskStatusRunning
		task.StartedAt = &ts

	case *schema.TaskCompletedPayload:
		task, err := replayTask(tasksByID, p.TaskID, e)
		if err != nil {
			return err
		}
		task.Status = schema.TaskStatusCompleted
		task.Output = p.Output
		task.CompletedAt = &ts
		task.DurationMs = p.DurationMs
		if len(p.Projected) > 0 {
			merged, err := MergeResult(exec.Result, p.Projected)
			if err != nil {
				return err
			}
			exec.Result = merged
		}
		exec.UpdatedAt = ts

	case *schema.TaskFailedPayload:
		task, err := replayTask(tasksByID, p.TaskID, e)
		if err != nil {
			return err
		}
		task.Status = schema.TaskStatusFailed
		detail, err := json.Marshal(p)
		if err != nil {
			return err
		}
		task.ErrorDetail = detail
		task.CompletedAt = &ts

	case *schema.TaskSkippedPayload:
		task, err := replayTask(tasksByID, p.TaskID, e)
		if err != nil {
			return err
		}
		task.Status = schema.TaskStatusSkipped
		task.CompletedAt = &ts
		// Skipping a failed task revives the execution.
		exec.Status = schema.ExecutionStatusRunning
		exec.UpdatedAt = ts

	case *schema.TaskSupersededPayload:
		task, err := replayTask(tasksByID, p.TaskID, e)
		if err != nil {
			return err
		}
		task.Status = schema.TaskStatusSuperseded
	}
	return nil
}

func replayTask(tasksByID map[string]*AgentTask, taskID string, e *Event) (*AgentTask, error) {
	task, ok := tasksByID[taskID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"replay execution %s offset %d: %s references unknown task %s",
			e.ExecutionID, e.Offset, e.Type, taskID)
	}
	return task, nil
}

// MergeResult merges a stage's projected fragment into the accumulated result
// document. Both are JSON objects; fragment keys win on conflict.
func MergeResult(current, fragment json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &base); err != nil {
			return nil, err
		}
	}
	add := map[string]json.RawMessage{}
	if err := json.Unmarshal(fragment, &add); err != nil {
		return nil, err
	}
	for k, v := range add {
		base[k] = v
	}
	return json.Marshal(base)
}
