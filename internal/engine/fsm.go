package engine

import (
	"github.com/bidworks/bidflow/pkg/schema"
)

// validExecutionTransitions defines the allowed status transitions for executions.
// FAILED is revivable: a recovery decision (retry / skip / restart) moves the
// execution back to RUNNING.
var validExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusCreated: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusAwaitingFeedback,
		schema.ExecutionStatusAwaitingReview,
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusCompletedNoComms,
		schema.ExecutionStatusCompletedNoSub,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusAwaitingFeedback: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusAwaitingReview: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusFailed: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusCompleted:        {},
	schema.ExecutionStatusCompletedNoComms: {},
	schema.ExecutionStatusCompletedNoSub:   {},
	schema.ExecutionStatusCancelled:        {},
}

// validTaskTransitions defines the allowed status transitions for tasks.
// FAILED has no retry edge: a retry appends a new task and marks the failed
// one SUPERSEDED. A task is never mutated past a terminal status except for
// the SUPERSEDED marker.
var validTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending: {
		schema.TaskStatusRunning,
		schema.TaskStatusSuperseded,
	},
	schema.TaskStatusRunning: {
		schema.TaskStatusCompleted,
		schema.TaskStatusFailed,
	},
	schema.TaskStatusFailed: {
		schema.TaskStatusSkipped,
		schema.TaskStatusSuperseded,
	},
	schema.TaskStatusCompleted: {
		schema.TaskStatusSuperseded,
	},
	schema.TaskStatusSkipped: {
		schema.TaskStatusSuperseded,
	},
	schema.TaskStatusSuperseded: {},
}

// ValidateExecutionTransition checks the execution transition table.
func ValidateExecutionTransition(executionID string, from, to schema.ExecutionStatus) error {
	for _, allowed := range validExecutionTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// ValidateTaskTransition checks the task transition table.
func ValidateTaskTransition(executionID, taskID string, from, to schema.TaskStatus) error {
	for _, allowed := range validTaskTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid task transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "task_id": taskID, "from": string(from), "to": string(to)})
}
